// Package database holds the SQLite main database: browser sessions and
// process status.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/Notnaton/simplewebui/internal/config"
	xlog "github.com/Notnaton/simplewebui/internal/log"
)

// Database wraps the main SQLite connection pool
type Database struct {
	mainDB   *sql.DB
	dbconfig *DBConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	shutdown bool
}

// DBConfig represents database configuration
type DBConfig struct {
	// Directory to store database files
	DataDir string
	// File name of the main database inside DataDir
	MainDB string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Performance settings
	WALMode   bool   // Write-Ahead Logging
	SyncMode  string // OFF, NORMAL, FULL
	CacheSize int    // KB when negative
	TempStore string // MEMORY, FILE

	// Sliding lifetime of a browser session
	SessionTimeout time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		DataDir:         config.DefaultDataDir,
		MainDB:          "webui.sq3",
		MaxOpenConns:    16,
		MaxIdleConns:    4,
		ConnMaxLifetime: 0, // sqlite connections don't need recycling
		WALMode:         true,
		SyncMode:        "NORMAL",
		CacheSize:       -4096, // 4MB
		TempStore:       "MEMORY",
		SessionTimeout:  config.DefaultSessionTimeout,
	}
}

// DBConfigFrom builds a DBConfig from the application configuration
func DBConfigFrom(cfg config.DatabaseConfig) *DBConfig {
	dbconfig := DefaultDBConfig()
	if cfg.DataDir != "" {
		dbconfig.DataDir = cfg.DataDir
	}
	if cfg.MainDB != "" {
		dbconfig.MainDB = cfg.MainDB
	}
	if cfg.SessionTimeout > 0 {
		dbconfig.SessionTimeout = cfg.SessionTimeout
	}
	return dbconfig
}

// OpenDatabase opens the main database, applies pragmas and runs migrations.
func OpenDatabase(dbconfig *DBConfig) (*Database, error) {
	if dbconfig == nil {
		dbconfig = DefaultDBConfig()
	}
	db := &Database{
		dbconfig: dbconfig,
		logger:   xlog.WithComponent("database"),
		now:      time.Now,
	}

	if err := db.initMainDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize main database: %w", err)
	}

	if err := db.Migrate(); err != nil {
		db.mainDB.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	if wasClean, err := db.CheckPreviousShutdown(); err != nil {
		db.logger.Warn().Err(err).Msg("failed to check previous shutdown state")
	} else if !wasClean {
		db.logger.Warn().Msg("previous shutdown was not clean")
	}

	hostname, _ := os.Hostname()
	if err := db.InitializeSystemStatus(config.AppVersion, os.Getpid(), hostname); err != nil {
		db.logger.Warn().Err(err).Msg("failed to initialize system status")
	}

	db.logger.Info().
		Str("path", db.Path()).
		Bool("wal", dbconfig.WALMode).
		Dur("session_timeout", dbconfig.SessionTimeout).
		Msg("database initialized")
	return db, nil
}

// Path returns the location of the main database file
func (db *Database) Path() string {
	return filepath.Join(db.dbconfig.DataDir, db.dbconfig.MainDB)
}

// initMainDB initializes the main database connection
func (db *Database) initMainDB() error {
	dbPath := db.Path()
	if err := os.MkdirAll(db.dbconfig.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	mainDB, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open main database: %w", err)
	}

	mainDB.SetMaxOpenConns(db.dbconfig.MaxOpenConns)
	mainDB.SetMaxIdleConns(db.dbconfig.MaxIdleConns)
	mainDB.SetConnMaxLifetime(db.dbconfig.ConnMaxLifetime)

	if err := mainDB.Ping(); err != nil {
		if cerr := mainDB.Close(); cerr != nil {
			return fmt.Errorf("failed to ping main database: %w; also failed to close mainDB: %v", err, cerr)
		}
		return fmt.Errorf("failed to ping main database: %w", err)
	}

	if err := db.applySQLitePragmas(mainDB); err != nil {
		if cerr := mainDB.Close(); cerr != nil {
			return fmt.Errorf("failed to apply SQLite pragmas: %w; also failed to close mainDB: %v", err, cerr)
		}
		return fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	db.mainDB = mainDB
	return nil
}

// applySQLitePragmas applies performance and configuration pragmas to SQLite connection
func (db *Database) applySQLitePragmas(conn *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA cache_size = %d", db.dbconfig.CacheSize),
		fmt.Sprintf("PRAGMA synchronous = %s", db.dbconfig.SyncMode),
		fmt.Sprintf("PRAGMA temp_store = %s", db.dbconfig.TempStore),
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 30000", // 30 seconds
	}

	if db.dbconfig.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
		pragmas = append(pragmas, "PRAGMA wal_autocheckpoint = 1000")
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma '%s': %w", pragma, err)
		}
	}
	return nil
}

// Ping checks that the main database answers queries
func (db *Database) Ping(ctx context.Context) error {
	if db.IsDBshutdown() {
		return fmt.Errorf("database is shut down")
	}
	var one int
	return db.mainDB.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// IsDBshutdown reports whether Shutdown has been called
func (db *Database) IsDBshutdown() bool {
	if db == nil {
		return true
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.shutdown
}

// Shutdown records a clean shutdown and closes the main database.
// Calling it more than once is a no-op.
func (db *Database) Shutdown() error {
	db.mu.Lock()
	if db.shutdown {
		db.mu.Unlock()
		return nil
	}
	db.shutdown = true
	db.mu.Unlock()

	if err := db.SetShutdownState(ShutdownStateClean); err != nil {
		db.logger.Warn().Err(err).Msg("failed to mark shutdown as clean")
	}
	if err := db.mainDB.Close(); err != nil {
		return fmt.Errorf("failed to close main database: %w", err)
	}
	db.logger.Info().Msg("main database closed")
	return nil
}
