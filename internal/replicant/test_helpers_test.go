package replicant

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/replicant-core/internal/auth"
	"github.com/nerrad567/replicant-core/internal/infrastructure/config"
)

// testDB creates a temporary SQLite database with the store schema and
// the access-control tables the service tests need.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	f, err := os.CreateTemp("", "replicant-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Single writer, same as the production pool.
	db.SetMaxOpenConns(1)

	schemaSQL := `
		CREATE TABLE replicants (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			schema TEXT,
			revision INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			UNIQUE (namespace, name)
		) STRICT;

		CREATE TABLE replicant_history (
			id TEXT PRIMARY KEY,
			replicant_id TEXT NOT NULL,
			value TEXT NOT NULL,
			revision INTEGER NOT NULL,
			changed_by TEXT,
			changed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			UNIQUE (replicant_id, revision),
			FOREIGN KEY (replicant_id) REFERENCES replicants(id) ON DELETE CASCADE
		) STRICT;

		CREATE TABLE roles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;

		CREATE TABLE permissions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			resource TEXT NOT NULL,
			action TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			UNIQUE (resource, action)
		) STRICT;

		CREATE TABLE role_permissions (
			role_id TEXT NOT NULL,
			permission_id TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			PRIMARY KEY (role_id, permission_id),
			FOREIGN KEY (role_id) REFERENCES roles(id) ON DELETE CASCADE,
			FOREIGN KEY (permission_id) REFERENCES permissions(id) ON DELETE CASCADE
		) STRICT;

		CREATE TABLE audit_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			metadata TEXT,
			ip_address TEXT,
			user_agent TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;
	`
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("applying test schema: %v", err)
	}

	return db
}

// grantRole creates a role holding the given (resource, action) pairs
// and returns a principal bound to it.
func grantRole(t *testing.T, db *sql.DB, name string, grants ...[2]string) auth.Principal {
	t.Helper()

	roles := auth.NewRoleRepository(db)
	perms := auth.NewPermissionRepository(db)

	role := &auth.Role{Name: name, DisplayName: name}
	if err := roles.Create(context.Background(), role); err != nil {
		t.Fatalf("creating test role %s: %v", name, err)
	}

	for _, g := range grants {
		perm, err := perms.GetByResourceAction(context.Background(), g[0], g[1])
		if err != nil {
			perm = &auth.Permission{Resource: g[0], Action: g[1]}
			if err := perms.Create(context.Background(), perm); err != nil {
				t.Fatalf("creating test permission %s:%s: %v", g[0], g[1], err)
			}
		}
		if err := roles.Grant(context.Background(), role.ID, perm.ID); err != nil {
			t.Fatalf("granting %s:%s to %s: %v", g[0], g[1], name, err)
		}
	}

	return auth.Principal{UserID: "usr-" + name, RoleID: role.ID}
}

// memoryRecorder captures audit calls for assertions.
type memoryRecorder struct {
	calls      []recordedCall
	writeAhead bool
}

type recordedCall struct {
	UserID   string
	Action   string
	Resource string
	Metadata map[string]any
}

func (r *memoryRecorder) WriteAhead() bool { return r.writeAhead }

func (r *memoryRecorder) Record(_ context.Context, userID, action, resource string, metadata map[string]any) error {
	r.calls = append(r.calls, recordedCall{UserID: userID, Action: action, Resource: resource, Metadata: metadata})
	return nil
}

func (r *memoryRecorder) RecordTx(_ context.Context, _ *sql.Tx, userID, action, resource string, metadata map[string]any) error {
	r.calls = append(r.calls, recordedCall{UserID: userID, Action: action, Resource: resource, Metadata: metadata})
	return nil
}

// testService wires a service over the test database with the given grants.
func testService(t *testing.T, db *sql.DB, recorder *memoryRecorder, grants ...[2]string) (*Service, auth.Principal) {
	t.Helper()

	principal := grantRole(t, db, "svc-role", grants...)
	svc := NewService(
		NewSQLiteRepository(db),
		auth.NewAuthorizer(db),
		NewValidator(),
		recorder,
		config.StoreConfig{DefaultHistoryLimit: 50, MaxHistoryLimit: 200, MaxValueBytes: 1024},
	)
	return svc, principal
}
