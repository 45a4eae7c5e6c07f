package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// MigrationType represents the type of database that migrations apply to
type MigrationType string

const (
	MigrationTypeMain MigrationType = "main"
)

// MigrationFile represents a migration file with its metadata
type MigrationFile struct {
	FileName    string
	Version     int
	Type        MigrationType
	Description string
	FilePath    string
}

// parseMigrationFileName parses "0001_main_description.sql"
func parseMigrationFileName(fileName string) (*MigrationFile, error) {
	if !strings.HasSuffix(fileName, ".sql") {
		return nil, fmt.Errorf("migration file must have .sql extension: %s", fileName)
	}
	name := strings.TrimSuffix(fileName, ".sql")
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 3 || parts[2] == "" {
		return nil, fmt.Errorf("invalid migration file name format: %s (expected format: 0001_main_description.sql)", fileName)
	}

	version, err := strconv.Atoi(parts[0])
	if err != nil || version <= 0 {
		return nil, fmt.Errorf("invalid version number in migration file: %s", fileName)
	}

	var migrationType MigrationType
	switch parts[1] {
	case "main":
		migrationType = MigrationTypeMain
	default:
		return nil, fmt.Errorf("unknown migration type in filename %s: %s", fileName, parts[1])
	}

	return &MigrationFile{
		FileName:    fileName,
		Version:     version,
		Type:        migrationType,
		Description: parts[2],
	}, nil
}

// Migrate applies pending embedded migrations to the main database
func (db *Database) Migrate() error {
	if err := ensureMigrationsTable(db.mainDB, string(MigrationTypeMain)); err != nil {
		return err
	}

	migrations, err := getEmbeddedMigrationFiles()
	if err != nil {
		return err
	}

	applied, err := getAppliedMigrations(db.mainDB, string(MigrationTypeMain))
	if err != nil {
		return err
	}

	count := 0
	for _, migration := range migrations {
		if migration.Type != MigrationTypeMain || applied[migration.FileName] {
			continue
		}
		if err := applyMigration(db.mainDB, migration, string(MigrationTypeMain)); err != nil {
			return err
		}
		db.logger.Info().Str("migration", migration.FileName).Msg("applied migration")
		count++
	}
	if count > 0 {
		db.logger.Info().Int("count", count).Msg("main database migrated")
	}
	return nil
}

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist
func ensureMigrationsTable(db *sql.DB, dbType string) error {
	_, err := retryableExec(db, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL UNIQUE,
		db_type TEXT NOT NULL DEFAULT '',
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table for %s: %w", dbType, err)
	}
	return nil
}

// getAppliedMigrations returns a map of applied migration filenames for a specific database
func getAppliedMigrations(db *sql.DB, dbType string) (map[string]bool, error) {
	rows, err := retryableQuery(db, `SELECT filename FROM schema_migrations WHERE db_type = ? OR db_type = ''`, dbType)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations for %s: %w", dbType, err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var fname string
		if err := rows.Scan(&fname); err != nil {
			return nil, fmt.Errorf("failed to scan migration filename for %s: %w", dbType, err)
		}
		applied[fname] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration rows for %s: %w", dbType, err)
	}
	return applied, nil
}

// applyMigration runs one migration and records it in the same transaction
func applyMigration(db *sql.DB, migration *MigrationFile, dbType string) error {
	content, err := readEmbeddedMigrationContent(migration)
	if err != nil {
		return err
	}

	return retryableTransactionExec(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(content); err != nil {
			return fmt.Errorf("failed to execute migration %s for %s: %w", migration.FileName, dbType, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (filename, db_type) VALUES (?, ?)`, migration.FileName, dbType); err != nil {
			return fmt.Errorf("failed to record migration %s for %s: %w", migration.FileName, dbType, err)
		}
		return nil
	})
}
