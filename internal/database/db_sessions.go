package database

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Notnaton/simplewebui/internal/models"
)

// SessionIDLength is the length of a session id in hex characters
const SessionIDLength = 64

// ErrSessionNotFound is returned for unknown or expired session ids
var ErrSessionNotFound = errors.New("session not found")

// GenerateSecureSessionID creates a cryptographically secure session ID
func GenerateSecureSessionID() (string, error) {
	bytes := make([]byte, SessionIDLength/2) // hex encoding doubles the length
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure session ID: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// timestamps are stored in UTC with second precision so that the text
// representation sorts the same way the times do
func (db *Database) timestamp() time.Time {
	return db.now().UTC().Truncate(time.Second)
}

// CreateSession stores a new session pointing at conversationID with the
// given LLM settings.
func (db *Database) CreateSession(conversationID string, llm models.LLMConfig) (*models.Session, error) {
	sessionID, err := GenerateSecureSessionID()
	if err != nil {
		return nil, err
	}

	now := db.timestamp()
	session := &models.Session{
		ID:             sessionID,
		ConversationID: conversationID,
		LLM:            llm,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(db.dbconfig.SessionTimeout),
	}

	query := `INSERT INTO sessions
		(id, conversation_id, title, llm_model, llm_api_base, llm_api_key, created_at, updated_at, expires_at)
		VALUES (?, ?, '', ?, ?, ?, ?, ?, ?)`
	_, err = retryableExec(db.mainDB, query,
		session.ID, session.ConversationID,
		llm.Model, llm.APIBase, llm.APIKey,
		session.CreatedAt, session.UpdatedAt, session.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetSession returns the session if it exists and has not expired, and
// pushes its expiry forward (sliding timeout).
func (db *Database) GetSession(sessionID string) (*models.Session, error) {
	if len(sessionID) != SessionIDLength {
		return nil, ErrSessionNotFound
	}

	query := `SELECT id, conversation_id, title, llm_model, llm_api_base, llm_api_key,
		created_at, updated_at, expires_at
		FROM sessions WHERE id = ?`

	var s models.Session
	err := retryableQueryRowScan(db.mainDB, query, []any{sessionID},
		&s.ID, &s.ConversationID, &s.Title,
		&s.LLM.Model, &s.LLM.APIBase, &s.LLM.APIKey,
		&s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := db.timestamp()
	if !s.ExpiresAt.After(now) {
		if err := db.DeleteSession(sessionID); err != nil {
			db.logger.Warn().Err(err).Msg("failed to remove expired session")
		}
		return nil, ErrSessionNotFound
	}

	s.ExpiresAt = now.Add(db.dbconfig.SessionTimeout)
	s.UpdatedAt = now
	if _, err := retryableExec(db.mainDB, `UPDATE sessions SET expires_at = ?, updated_at = ? WHERE id = ?`,
		s.ExpiresAt, s.UpdatedAt, sessionID); err != nil {
		// the session is still valid, only its expiry was not extended
		db.logger.Warn().Err(err).Msg("failed to extend session expiration")
	}
	return &s, nil
}

func (db *Database) updateSession(sessionID, set string, args ...any) error {
	args = append(args, db.timestamp(), sessionID)
	res, err := retryableExec(db.mainDB, `UPDATE sessions SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetSessionConversation switches the session to another conversation and
// clears the cached title.
func (db *Database) SetSessionConversation(sessionID, conversationID string) error {
	return db.updateSession(sessionID, `conversation_id = ?, title = ''`, conversationID)
}

// SetSessionTitle stores the title of the session's current conversation
func (db *Database) SetSessionTitle(sessionID, title string) error {
	return db.updateSession(sessionID, `title = ?`, title)
}

// SetSessionLLMConfig stores the provider settings of a session
func (db *Database) SetSessionLLMConfig(sessionID string, llm models.LLMConfig) error {
	return db.updateSession(sessionID, `llm_model = ?, llm_api_base = ?, llm_api_key = ?`,
		llm.Model, llm.APIBase, llm.APIKey)
}

// DeleteSession removes a session
func (db *Database) DeleteSession(sessionID string) error {
	if _, err := retryableExec(db.mainDB, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions deletes every expired session and returns how many were removed
func (db *Database) CleanupExpiredSessions() (int64, error) {
	res, err := retryableExec(db.mainDB, `DELETE FROM sessions WHERE expires_at <= ?`, db.timestamp())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// CountSessions returns the number of stored sessions
func (db *Database) CountSessions() (int, error) {
	var n int
	if err := retryableQueryRowScan(db.mainDB, `SELECT COUNT(*) FROM sessions`, nil, &n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
