package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionRepository defines the interface for bearer session persistence.
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	GetByToken(ctx context.Context, token string) (*Session, error)
	Delete(ctx context.Context, id string) error
	DeleteByToken(ctx context.Context, token string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// SQLiteSessionRepository implements SessionRepository using SQLite.
type SQLiteSessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SQLite-backed session repository.
func NewSessionRepository(db *sql.DB) *SQLiteSessionRepository {
	return &SQLiteSessionRepository{db: db}
}

const sessionColumns = "id, user_id, token, expires_at, ip_address, user_agent, created_at"

// Create inserts a new session. The ID is generated if empty.
func (r *SQLiteSessionRepository) Create(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = "ses-" + uuid.NewString()[:8]
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, token, expires_at, ip_address, user_agent)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Token,
		formatTime(session.ExpiresAt),
		nullString(session.IPAddress), nullString(session.UserAgent),
	)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// GetByToken retrieves a session by its bearer token. Expired sessions
// return ErrSessionExpired without being removed - the sweep owns cleanup.
func (r *SQLiteSessionRepository) GetByToken(ctx context.Context, token string) (*Session, error) {
	session, err := scanSession(r.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE token = ?", token))
	if err != nil {
		return nil, err
	}

	if time.Now().After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return session, nil
}

// Delete removes a session by ID.
func (r *SQLiteSessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteByToken removes a session by its token (logout).
func (r *SQLiteSessionRepository) DeleteByToken(ctx context.Context, token string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteExpired removes all sessions past their expiry. Returns the number
// of sessions removed. Run periodically by the housekeeping loop.
func (r *SQLiteSessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE expires_at < ?",
		formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows, nil
}

// scanSession scans a session from a sql.Row or sql.Rows.
func scanSession(s scanner) (*Session, error) {
	var session Session
	var ipAddress, userAgent sql.NullString
	var expiresAt, createdAt string

	err := s.Scan(&session.ID, &session.UserID, &session.Token,
		&expiresAt, &ipAddress, &userAgent, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if ipAddress.Valid {
		session.IPAddress = ipAddress.String
	}
	if userAgent.Valid {
		session.UserAgent = userAgent.String
	}
	session.ExpiresAt = parseTime(expiresAt)
	session.CreatedAt = parseTime(createdAt)

	return &session, nil
}
