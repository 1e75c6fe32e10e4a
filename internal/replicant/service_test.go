package replicant

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/replicant-core/internal/audit"
	"github.com/nerrad567/replicant-core/internal/auth"
	"github.com/nerrad567/replicant-core/internal/infrastructure/config"
)

func TestService_CreateAndGet(t *testing.T) {
	db := testDB(t)
	recorder := &memoryRecorder{}
	svc, principal := testService(t, db, recorder,
		[2]string{auth.ResourceReplicant, auth.ActionRead},
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)
	ctx := context.Background()

	rep, err := svc.Create(ctx, principal, "scene1", "title", `"Hello"`, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rep.Revision != 1 {
		t.Errorf("Revision = %d, want 1", rep.Revision)
	}

	got, err := svc.Get(ctx, principal, "scene1", "title")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Value != `"Hello"` {
		t.Errorf("Value = %q, want %q", got.Value, `"Hello"`)
	}

	if len(recorder.calls) != 1 || recorder.calls[0].Action != "create" {
		t.Errorf("audit calls = %+v, want one create", recorder.calls)
	}
}

func TestService_Get_Denied(t *testing.T) {
	db := testDB(t)
	svc, principal := testService(t, db, &memoryRecorder{},
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)
	ctx := context.Background()

	// A denied reader learns nothing, not even that the key is absent.
	_, err := svc.Get(ctx, principal, "scene1", "missing")
	if !errors.Is(err, auth.ErrDenied) {
		t.Errorf("error = %v, want ErrDenied", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("denial must not reveal whether the key exists")
	}
}

func TestService_Create_Denied(t *testing.T) {
	db := testDB(t)
	recorder := &memoryRecorder{}
	svc, principal := testService(t, db, recorder,
		[2]string{auth.ResourceReplicant, auth.ActionRead},
	)

	_, err := svc.Create(context.Background(), principal, "scene1", "title", "1", "")
	if !errors.Is(err, auth.ErrDenied) {
		t.Errorf("error = %v, want ErrDenied", err)
	}
	if len(recorder.calls) != 0 {
		t.Errorf("denied create should not audit, got %+v", recorder.calls)
	}
}

func TestService_Create_SchemaRejectsValue(t *testing.T) {
	db := testDB(t)
	svc, principal := testService(t, db, &memoryRecorder{},
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)

	_, err := svc.Create(context.Background(), principal, "scene1", "title", `{"size": 1}`, titleSchema)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}

	// Nothing was stored.
	repo := NewSQLiteRepository(db)
	if _, err := repo.Get(context.Background(), "scene1", "title"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound after failed create", err)
	}
}

func TestService_Create_ValueTooLarge(t *testing.T) {
	db := testDB(t)
	svc, principal := testService(t, db, &memoryRecorder{},
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)

	big := `"` + strings.Repeat("x", 2048) + `"`
	_, err := svc.Create(context.Background(), principal, "scene1", "title", big, "")
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Errorf("error = %v, want *ValidationError for oversized value", err)
	}
}

func TestService_CompareAndSwap(t *testing.T) {
	db := testDB(t)
	recorder := &memoryRecorder{}
	svc, principal := testService(t, db, recorder,
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)
	ctx := context.Background()

	if _, err := svc.Create(ctx, principal, "scene1", "title", `{"text": "Hello"}`, titleSchema); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rev, err := svc.CompareAndSwap(ctx, principal, "scene1", "title", 1, `{"text": "Hi"}`)
	if err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}
	if rev != 2 {
		t.Errorf("revision = %d, want 2", rev)
	}

	if len(recorder.calls) != 2 || recorder.calls[1].Action != "update" {
		t.Errorf("audit calls = %+v, want create then update", recorder.calls)
	}
	if recorder.calls[1].UserID != principal.UserID {
		t.Errorf("audit user = %q, want %q", recorder.calls[1].UserID, principal.UserID)
	}
}

func TestService_CompareAndSwap_SchemaEnforcedOnEveryWrite(t *testing.T) {
	db := testDB(t)
	svc, principal := testService(t, db, &memoryRecorder{},
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)
	ctx := context.Background()

	if _, err := svc.Create(ctx, principal, "scene1", "title", `{"text": "Hello"}`, titleSchema); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := svc.CompareAndSwap(ctx, principal, "scene1", "title", 1, `{"size": 3}`)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}

	// Failed validation leaves value, revision and history untouched.
	repo := NewSQLiteRepository(db)
	got, _ := repo.Get(ctx, "scene1", "title")
	if got.Revision != 1 || got.Value != `{"text": "Hello"}` {
		t.Errorf("got (%q, %d), want original state", got.Value, got.Revision)
	}
}

func TestService_CompareAndSwap_ConflictCarriesCurrentState(t *testing.T) {
	db := testDB(t)
	svc, principal := testService(t, db, &memoryRecorder{},
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)
	ctx := context.Background()

	if _, err := svc.Create(ctx, principal, "scene1", "title", `"Hello"`, ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := svc.CompareAndSwap(ctx, principal, "scene1", "title", 1, `"Hi"`); err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}

	_, err := svc.CompareAndSwap(ctx, principal, "scene1", "title", 1, `"Yo"`)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want *ConflictError", err)
	}
	if conflict.CurrentValue != `"Hi"` || conflict.CurrentRevision != 2 {
		t.Errorf("conflict carries (%q, %d), want (%q, 2)", conflict.CurrentValue, conflict.CurrentRevision, `"Hi"`)
	}
}

func TestService_History(t *testing.T) {
	db := testDB(t)
	svc, principal := testService(t, db, &memoryRecorder{},
		[2]string{auth.ResourceReplicant, auth.ActionRead},
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)
	ctx := context.Background()

	if _, err := svc.Create(ctx, principal, "scene1", "title", `"v1"`, ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := svc.CompareAndSwap(ctx, principal, "scene1", "title", 1, `"v2"`); err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}

	entries, err := svc.History(ctx, principal, "scene1", "title", HistoryQuery{})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("history length = %d, want 2", len(entries))
	}
	if entries[0].Value != `"v2"` || entries[0].Revision != 2 {
		t.Errorf("newest entry = (%q, %d), want (%q, 2)", entries[0].Value, entries[0].Revision, `"v2"`)
	}
	if entries[0].ChangedBy != principal.UserID {
		t.Errorf("ChangedBy = %q, want %q", entries[0].ChangedBy, principal.UserID)
	}
}

func TestService_Delete_RequiresAdmin(t *testing.T) {
	db := testDB(t)
	recorder := &memoryRecorder{}
	svc, principal := testService(t, db, recorder,
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)
	ctx := context.Background()

	if _, err := svc.Create(ctx, principal, "scene1", "title", `"v"`, ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Write grants do not cover delete.
	err := svc.Delete(ctx, principal, "scene1", "title")
	if !errors.Is(err, auth.ErrDenied) {
		t.Fatalf("error = %v, want ErrDenied", err)
	}

	admin := grantRole(t, db, "admin-role", [2]string{auth.ResourceReplicant, auth.ActionAdmin})
	if err := svc.Delete(ctx, admin, "scene1", "title"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	last := recorder.calls[len(recorder.calls)-1]
	if last.Action != "delete" || last.UserID != admin.UserID {
		t.Errorf("last audit call = %+v, want delete by %s", last, admin.UserID)
	}
}

// writeAheadService wires a service over a real write-ahead recorder so
// the audit insert runs inside the mutation's transaction.
func writeAheadService(t *testing.T, db *sql.DB, grants ...[2]string) (*Service, auth.Principal) {
	t.Helper()

	recorder := audit.NewRecorder(audit.NewSQLiteRepository(db), config.AuditConfig{BufferSize: 8, WriteAhead: true}, slog.Default())
	t.Cleanup(recorder.Close)

	principal := grantRole(t, db, "wa-role", grants...)
	svc := NewService(
		NewSQLiteRepository(db),
		auth.NewAuthorizer(db),
		NewValidator(),
		recorder,
		config.StoreConfig{DefaultHistoryLimit: 50, MaxHistoryLimit: 200, MaxValueBytes: 1024},
	)
	return svc, principal
}

func TestService_WriteAhead_AuditCommitsWithMutation(t *testing.T) {
	db := testDB(t)
	svc, principal := writeAheadService(t, db,
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)
	ctx := context.Background()

	if _, err := svc.Create(ctx, principal, "scene1", "title", `"v"`, ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// The entry is durable as soon as the mutation returns, no flush needed.
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM audit_logs WHERE action = 'create'").Scan(&count); err != nil {
		t.Fatalf("counting audit rows: %v", err)
	}
	if count != 1 {
		t.Errorf("audit rows = %d, want 1", count)
	}
}

func TestService_WriteAhead_FailedAuditRollsBackCreate(t *testing.T) {
	db := testDB(t)
	svc, principal := writeAheadService(t, db,
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)
	ctx := context.Background()

	// Break the audit backend; the mutation must not survive it.
	if _, err := db.Exec("DROP TABLE audit_logs"); err != nil {
		t.Fatalf("dropping audit table: %v", err)
	}

	_, err := svc.Create(ctx, principal, "scene1", "title", `"v"`, "")
	if err == nil {
		t.Fatal("Create() should surface the audit failure")
	}

	// The whole transaction rolled back: no committed, unaudited state.
	repo := NewSQLiteRepository(db)
	if _, err := repo.Get(ctx, "scene1", "title"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound after rolled-back create", err)
	}
}

func TestService_WriteAhead_FailedAuditRollsBackSwap(t *testing.T) {
	db := testDB(t)
	svc, principal := writeAheadService(t, db,
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)
	ctx := context.Background()

	if _, err := svc.Create(ctx, principal, "scene1", "title", `"v1"`, ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := db.Exec("DROP TABLE audit_logs"); err != nil {
		t.Fatalf("dropping audit table: %v", err)
	}

	if _, err := svc.CompareAndSwap(ctx, principal, "scene1", "title", 1, `"v2"`); err == nil {
		t.Fatal("CompareAndSwap() should surface the audit failure")
	}

	// Value, revision, and history are all untouched, so the caller can
	// safely retry the same expected revision once auditing recovers.
	repo := NewSQLiteRepository(db)
	got, err := repo.Get(ctx, "scene1", "title")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Value != `"v1"` || got.Revision != 1 {
		t.Errorf("got (%q, %d), want (%q, 1)", got.Value, got.Revision, `"v1"`)
	}
	entries, _ := repo.History(ctx, "scene1", "title", HistoryQuery{})
	if len(entries) != 1 {
		t.Errorf("history length = %d, want 1", len(entries))
	}
}

func TestService_ListNamespace(t *testing.T) {
	db := testDB(t)
	svc, principal := testService(t, db, &memoryRecorder{},
		[2]string{auth.ResourceReplicant, auth.ActionRead},
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)
	ctx := context.Background()

	for _, name := range []string{"title", "body"} {
		if _, err := svc.Create(ctx, principal, "scene1", name, `"v"`, ""); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}

	reps, err := svc.ListNamespace(ctx, principal, "scene1")
	if err != nil {
		t.Fatalf("ListNamespace() error = %v", err)
	}
	if len(reps) != 2 {
		t.Errorf("ListNamespace() returned %d, want 2", len(reps))
	}
}

func TestService_HistoryLimitClamped(t *testing.T) {
	db := testDB(t)
	repo := NewSQLiteRepository(db)
	principal := grantRole(t, db, "reader",
		[2]string{auth.ResourceReplicant, auth.ActionRead},
		[2]string{auth.ResourceReplicant, auth.ActionWrite},
	)
	svc := NewService(repo, auth.NewAuthorizer(db), NewValidator(), &memoryRecorder{},
		config.StoreConfig{DefaultHistoryLimit: 2, MaxHistoryLimit: 3, MaxValueBytes: 1024})
	ctx := context.Background()

	if _, err := svc.Create(ctx, principal, "scene1", "title", `"v"`, ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for rev := int64(1); rev <= 5; rev++ {
		if _, err := svc.CompareAndSwap(ctx, principal, "scene1", "title", rev, `"v"`); err != nil {
			t.Fatalf("CompareAndSwap(%d) error = %v", rev, err)
		}
	}

	entries, err := svc.History(ctx, principal, "scene1", "title", HistoryQuery{})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("default page size = %d, want 2", len(entries))
	}

	entries, err = svc.History(ctx, principal, "scene1", "title", HistoryQuery{Limit: 100})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("clamped page size = %d, want 3", len(entries))
	}
}
