package database

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
)

//go:embed migrations/*.sql
var EmbeddedMigrationsFS embed.FS

var (
	embeddedMigrationCache     []*MigrationFile
	embeddedMigrationCacheErr  error
	embeddedMigrationCacheOnce sync.Once
)

// getEmbeddedMigrationFiles reads and parses all migration files from the
// embedded filesystem, sorted by version. The result is computed once.
func getEmbeddedMigrationFiles() ([]*MigrationFile, error) {
	embeddedMigrationCacheOnce.Do(func() {
		embeddedMigrationCache, embeddedMigrationCacheErr = readMigrationDir(EmbeddedMigrationsFS, "migrations")
	})
	if embeddedMigrationCacheErr != nil {
		return nil, embeddedMigrationCacheErr
	}
	out := make([]*MigrationFile, len(embeddedMigrationCache))
	copy(out, embeddedMigrationCache)
	return out, nil
}

func readMigrationDir(fsys fs.FS, dir string) ([]*MigrationFile, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations directory: %w", err)
	}

	var migrations []*MigrationFile
	seen := make(map[int]string)
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		migration, err := parseMigrationFileName(f.Name())
		if err != nil {
			return nil, err
		}
		if other, dup := seen[migration.Version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", migration.Version, other, f.Name())
		}
		seen[migration.Version] = f.Name()
		migration.FilePath = path.Join(dir, f.Name())
		migrations = append(migrations, migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// readEmbeddedMigrationContent reads the content of an embedded migration file
func readEmbeddedMigrationContent(migration *MigrationFile) (string, error) {
	content, err := fs.ReadFile(EmbeddedMigrationsFS, migration.FilePath)
	if err != nil {
		return "", fmt.Errorf("failed to read embedded migration file %s: %w", migration.FilePath, err)
	}
	return string(content), nil
}
