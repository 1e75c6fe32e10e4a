package replicant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// TxHook runs inside a mutation's transaction, after the mutation's own
// statements and before commit. A hook error rolls the whole
// transaction back. Used to make write-ahead audit entries durable only
// together with the change they describe.
type TxHook func(ctx context.Context, tx *sql.Tx) error

// Repository defines the storage contract for the versioned store.
type Repository interface {
	Get(ctx context.Context, namespace, name string) (*Replicant, error)
	Create(ctx context.Context, rep *Replicant, actor string, hooks ...TxHook) error
	CompareAndSwap(ctx context.Context, namespace, name string, expectedRevision int64, newValue, actor string, hooks ...TxHook) (int64, error)
	History(ctx context.Context, namespace, name string, query HistoryQuery) ([]HistoryEntry, error)
	Delete(ctx context.Context, namespace, name string, hooks ...TxHook) error
	ListNamespace(ctx context.Context, namespace string) ([]Replicant, error)
	PruneHistory(ctx context.Context, keep int) (int64, error)
}

// SQLiteRepository implements Repository on SQLite.
//
// The revision check-and-update in CompareAndSwap runs as a single
// transaction so no two concurrent writers can both succeed against the
// same expected revision.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed replicant repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const replicantColumns = "id, namespace, name, value, schema, revision, created_at, updated_at"

// Get returns the replicant stored under (namespace, name).
func (r *SQLiteRepository) Get(ctx context.Context, namespace, name string) (*Replicant, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+replicantColumns+" FROM replicants WHERE namespace = ? AND name = ?",
		namespace, name,
	)
	return scanReplicant(row)
}

// Create inserts a new replicant at revision 1 together with its first
// history entry. Returns ErrAlreadyExists if the key is taken.
func (r *SQLiteRepository) Create(ctx context.Context, rep *Replicant, actor string, hooks ...TxHook) error {
	if err := ValidateKey(rep.Namespace, rep.Name); err != nil {
		return err
	}
	if rep.ID == "" {
		rep.ID = "rep-" + uuid.NewString()[:8]
	}
	rep.Revision = 1

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx,
		`INSERT INTO replicants (id, namespace, name, value, schema, revision)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		rep.ID, rep.Namespace, rep.Name, rep.Value, nullString(rep.Schema),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting replicant: %w", err)
	}

	if err := insertHistory(ctx, tx, rep.ID, rep.Value, 1, actor); err != nil {
		return err
	}
	if err := runHooks(ctx, tx, hooks); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing create: %w", err)
	}
	return nil
}

// CompareAndSwap atomically replaces the value if the stored revision
// equals expectedRevision, bumping the revision by one and appending a
// history entry for the new state. On mismatch it returns a
// *ConflictError carrying the current value and revision; the caller
// owns any retry loop.
func (r *SQLiteRepository) CompareAndSwap(ctx context.Context, namespace, name string, expectedRevision int64, newValue, actor string, hooks ...TxHook) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning swap transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx,
		`UPDATE replicants
		 SET value = ?, revision = revision + 1,
		     updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		 WHERE namespace = ? AND name = ? AND revision = ?`,
		newValue, namespace, name, expectedRevision,
	)
	if err != nil {
		return 0, fmt.Errorf("updating replicant: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing key from a lost race. The re-read runs
		// inside the same transaction, so the state it reports is the
		// state the update saw.
		var currentValue string
		var currentRevision int64
		err := tx.QueryRowContext(ctx,
			"SELECT value, revision FROM replicants WHERE namespace = ? AND name = ?",
			namespace, name,
		).Scan(&currentValue, &currentRevision)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("re-reading replicant: %w", err)
		}
		return 0, &ConflictError{
			ExpectedRevision: expectedRevision,
			CurrentRevision:  currentRevision,
			CurrentValue:     currentValue,
		}
	}

	var replicantID string
	if err := tx.QueryRowContext(ctx,
		"SELECT id FROM replicants WHERE namespace = ? AND name = ?",
		namespace, name,
	).Scan(&replicantID); err != nil {
		return 0, fmt.Errorf("resolving replicant id: %w", err)
	}

	newRevision := expectedRevision + 1
	if err := insertHistory(ctx, tx, replicantID, newValue, newRevision, actor); err != nil {
		return 0, err
	}
	if err := runHooks(ctx, tx, hooks); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing swap: %w", err)
	}
	return newRevision, nil
}

// History returns history entries for a key, newest first. BeforeRevision
// acts as an exclusive cursor for paging backwards through revisions.
func (r *SQLiteRepository) History(ctx context.Context, namespace, name string, query HistoryQuery) ([]HistoryEntry, error) {
	rep, err := r.Get(ctx, namespace, name)
	if err != nil {
		return nil, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	conditions := []string{"replicant_id = ?"}
	args := []any{rep.ID}
	if query.BeforeRevision > 0 {
		conditions = append(conditions, "revision < ?")
		args = append(args, query.BeforeRevision)
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, replicant_id, value, revision, changed_by, changed_at
		 FROM replicant_history
		 WHERE %s
		 ORDER BY revision DESC
		 LIMIT ?`, strings.Join(conditions, " AND ")),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var entry HistoryEntry
		var changedBy sql.NullString
		var changedAt string

		if err := rows.Scan(&entry.ID, &entry.ReplicantID, &entry.Value, &entry.Revision, &changedBy, &changedAt); err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}
		if changedBy.Valid {
			entry.ChangedBy = changedBy.String
		}
		entry.ChangedAt, err = parseTime(changedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing history timestamp: %w", err)
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}

	return entries, nil
}

// Delete removes the replicant and all its history in one transaction.
// The history delete is explicit rather than left to the cascade so the
// two-step removal is visible in one place.
func (r *SQLiteRepository) Delete(ctx context.Context, namespace, name string, hooks ...TxHook) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var replicantID string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM replicants WHERE namespace = ? AND name = ?",
		namespace, name,
	).Scan(&replicantID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolving replicant id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM replicant_history WHERE replicant_id = ?", replicantID); err != nil {
		return fmt.Errorf("deleting history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM replicants WHERE id = ?", replicantID); err != nil {
		return fmt.Errorf("deleting replicant: %w", err)
	}
	if err := runHooks(ctx, tx, hooks); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

// ListNamespace returns all replicants in a namespace ordered by name.
func (r *SQLiteRepository) ListNamespace(ctx context.Context, namespace string) ([]Replicant, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+replicantColumns+" FROM replicants WHERE namespace = ? ORDER BY name",
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("querying namespace: %w", err)
	}
	defer rows.Close()

	var reps []Replicant
	for rows.Next() {
		rep, err := scanReplicant(rows)
		if err != nil {
			return nil, err
		}
		reps = append(reps, *rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating namespace: %w", err)
	}
	if reps == nil {
		reps = []Replicant{}
	}
	return reps, nil
}

// PruneHistory trims each replicant's history down to its newest keep
// entries. Returns the number of rows removed. Intended for the
// housekeeping loop, never for request paths.
func (r *SQLiteRepository) PruneHistory(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, fmt.Errorf("keep must be positive, got %d", keep)
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM replicant_history
		 WHERE id IN (
		     SELECT h.id FROM replicant_history h
		     JOIN replicants r ON r.id = h.replicant_id
		     WHERE h.revision <= r.revision - ?
		 )`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReplicant(row scanner) (*Replicant, error) {
	var rep Replicant
	var schema sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&rep.ID, &rep.Namespace, &rep.Name, &rep.Value, &schema, &rep.Revision, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning replicant: %w", err)
	}

	if schema.Valid {
		rep.Schema = schema.String
	}
	if rep.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rep.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rep, nil
}

func runHooks(ctx context.Context, tx *sql.Tx, hooks []TxHook) error {
	for _, hook := range hooks {
		if err := hook(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, replicantID, value string, revision int64, actor string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO replicant_history (id, replicant_id, value, revision, changed_by)
		 VALUES (?, ?, ?, ?, ?)`,
		"rph-"+uuid.NewString()[:8], replicantID, value, revision, nullString(actor),
	)
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	return nil
}

// nullString returns nil for empty strings, for nullable TEXT columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
