package database

import (
	"fmt"
)

// Shutdown state constants
const (
	ShutdownStateRunning = "running"
	ShutdownStateClean   = "clean_shutdown"
)

// SetShutdownState updates the shutdown state in the database
func (db *Database) SetShutdownState(state string) error {
	query := `UPDATE system_status SET shutdown_state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1`
	if state == ShutdownStateClean {
		query = `UPDATE system_status SET shutdown_state = ?, shutdown_completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = 1`
	}
	if _, err := retryableExec(db.mainDB, query, state); err != nil {
		return fmt.Errorf("failed to update shutdown state to %s: %w", state, err)
	}
	db.logger.Debug().Str("state", state).Msg("shutdown state updated")
	return nil
}

// GetShutdownState retrieves the current shutdown state from the database
func (db *Database) GetShutdownState() (string, error) {
	var state string
	err := retryableQueryRowScan(db.mainDB, "SELECT shutdown_state FROM system_status WHERE id = 1", nil, &state)
	if err != nil {
		return "", fmt.Errorf("failed to get shutdown state: %w", err)
	}
	return state, nil
}

// InitializeSystemStatus marks the database as in use by this process
func (db *Database) InitializeSystemStatus(appVersion string, pid int, hostname string) error {
	query := `UPDATE system_status SET
		shutdown_state = ?,
		app_version = ?,
		pid = ?,
		hostname = ?,
		started_at = CURRENT_TIMESTAMP,
		shutdown_completed_at = NULL,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = 1`

	if _, err := retryableExec(db.mainDB, query, ShutdownStateRunning, appVersion, pid, hostname); err != nil {
		return fmt.Errorf("failed to initialize system status: %w", err)
	}
	return nil
}

// CheckPreviousShutdown reports whether the last process using the
// database shut down cleanly.
func (db *Database) CheckPreviousShutdown() (bool, error) {
	state, err := db.GetShutdownState()
	if err != nil {
		return false, err
	}
	return state == ShutdownStateClean, nil
}
