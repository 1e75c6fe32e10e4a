// Package audit provides the append-only audit trail: a SQLite-backed
// repository for writing and querying entries, and an asynchronous
// Recorder that keeps audit writes off the request path.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entry is a single audit record. Entries are appended and never updated.
type Entry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter controls which audit entries List returns.
type Filter struct {
	Resource string    // optional: filter by resource kind
	Action   string    // optional: filter by action
	UserID   string    // optional: filter by acting user
	Since    time.Time // optional: entries at or after this time
	Until    time.Time // optional: entries before this time
	Limit    int       // default 50, max 200
	Offset   int       // pagination offset
}

// ListResult holds one page of audit entries with the total match count.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines audit log storage operations.
type Repository interface {
	Create(ctx context.Context, entry *Entry) error
	CreateTx(ctx context.Context, tx *sql.Tx, entry *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// SQLiteRepository stores audit entries in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new audit repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// execer covers sql.DB and sql.Tx so entries can be written standalone
// or inside a caller's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Create inserts a new audit entry. ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, entry *Entry) error {
	return insertEntry(ctx, r.db, entry)
}

// CreateTx inserts an entry through tx, so it commits or rolls back with
// whatever mutation the transaction carries.
func (r *SQLiteRepository) CreateTx(ctx context.Context, tx *sql.Tx, entry *Entry) error {
	return insertEntry(ctx, tx, entry)
}

func insertEntry(ctx context.Context, db execer, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = "aud-" + uuid.NewString()[:8]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var metadataJSON any
	if entry.Metadata != nil {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling audit metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, user_id, action, resource, metadata, ip_address, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, nullString(entry.UserID), entry.Action, entry.Resource,
		metadataJSON, nullString(entry.IPAddress), nullString(entry.UserAgent),
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// List returns audit entries matching the filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.Resource != "" {
		conditions = append(conditions, "resource = ?")
		args = append(args, filter.Resource)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM audit_logs %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, user_id, action, resource, metadata, ip_address, user_agent, created_at FROM audit_logs %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var entry Entry
		var userID, metadataJSON, ipAddress, userAgent sql.NullString
		var createdAt string

		if err := rows.Scan(&entry.ID, &userID, &entry.Action, &entry.Resource,
			&metadataJSON, &ipAddress, &userAgent, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		entry.UserID = userID.String
		entry.IPAddress = ipAddress.String
		entry.UserAgent = userAgent.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			var metadata map[string]any
			if json.Unmarshal([]byte(metadataJSON.String), &metadata) == nil {
				entry.Metadata = metadata
			}
		}

		entry.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Prune removes entries created before olderThan. Returns rows removed.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM audit_logs WHERE created_at < ?",
		olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning audit entries: %w", err)
	}
	return res.RowsAffected()
}

// nullString returns nil for empty strings, for nullable TEXT columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
