package replicant

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nerrad567/replicant-core/internal/auth"
	"github.com/nerrad567/replicant-core/internal/infrastructure/config"
)

// auditRecorder is the slice of the audit recorder the service needs.
// Record is the best-effort async path and never returns an error.
// When WriteAhead reports true, mutations use RecordTx inside their own
// transaction so the change and its audit entry commit or roll back
// together.
type auditRecorder interface {
	WriteAhead() bool
	Record(ctx context.Context, userID, action, resource string, metadata map[string]any) error
	RecordTx(ctx context.Context, tx *sql.Tx, userID, action, resource string, metadata map[string]any) error
}

// Service is the authorized front of the store. Every call checks the
// principal's permission before touching the repository, so a denied
// caller learns nothing about whether a key exists. Mutations emit
// audit entries, transactionally in write-ahead mode and best-effort
// after commit otherwise.
type Service struct {
	repo      Repository
	az        *auth.Authorizer
	validator *Validator
	recorder  auditRecorder

	maxValueBytes       int
	defaultHistoryLimit int
	maxHistoryLimit     int
}

// NewService wires the store behind the authorization engine.
func NewService(repo Repository, az *auth.Authorizer, validator *Validator, recorder auditRecorder, cfg config.StoreConfig) *Service {
	return &Service{
		repo:                repo,
		az:                  az,
		validator:           validator,
		recorder:            recorder,
		maxValueBytes:       cfg.MaxValueBytes,
		defaultHistoryLimit: cfg.DefaultHistoryLimit,
		maxHistoryLimit:     cfg.MaxHistoryLimit,
	}
}

// Get returns the replicant under (namespace, name) for an authorized reader.
func (s *Service) Get(ctx context.Context, principal auth.Principal, namespace, name string) (*Replicant, error) {
	if err := s.az.RequirePermission(ctx, principal, auth.ResourceReplicant, auth.ActionRead); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, namespace, name)
}

// Create stores a new replicant at revision 1, validating the initial
// value against the supplied schema when one is given.
func (s *Service) Create(ctx context.Context, principal auth.Principal, namespace, name, value, schema string) (*Replicant, error) {
	if err := s.az.RequirePermission(ctx, principal, auth.ResourceReplicant, auth.ActionWrite); err != nil {
		return nil, err
	}
	if err := s.checkValueSize(value); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(schema, value); err != nil {
		return nil, err
	}

	rep := &Replicant{
		Namespace: namespace,
		Name:      name,
		Value:     value,
		Schema:    schema,
	}
	metadata := map[string]any{
		"namespace": namespace,
		"name":      name,
		"revision":  int64(1),
	}
	err := s.audited(ctx, principal, "create", metadata, func(hooks ...TxHook) error {
		return s.repo.Create(ctx, rep, principal.UserID, hooks...)
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// CompareAndSwap replaces the value if the stored revision still equals
// expectedRevision. On a lost race the returned *ConflictError carries
// the current value and revision so the caller can rebase and retry;
// the service never retries on the caller's behalf.
func (s *Service) CompareAndSwap(ctx context.Context, principal auth.Principal, namespace, name string, expectedRevision int64, newValue string) (int64, error) {
	if err := s.az.RequirePermission(ctx, principal, auth.ResourceReplicant, auth.ActionWrite); err != nil {
		return 0, err
	}
	if err := s.checkValueSize(newValue); err != nil {
		return 0, err
	}

	// The schema is immutable after create, so reading it outside the
	// swap transaction cannot race with a schema change.
	current, err := s.repo.Get(ctx, namespace, name)
	if err != nil {
		return 0, err
	}
	if err := s.validator.Validate(current.Schema, newValue); err != nil {
		return 0, err
	}

	metadata := map[string]any{
		"namespace": namespace,
		"name":      name,
		"revision":  expectedRevision + 1,
	}
	var newRevision int64
	err = s.audited(ctx, principal, "update", metadata, func(hooks ...TxHook) error {
		newRevision, err = s.repo.CompareAndSwap(ctx, namespace, name, expectedRevision, newValue, principal.UserID, hooks...)
		return err
	})
	if err != nil {
		return 0, err
	}
	return newRevision, nil
}

// History returns past revisions of a key, newest first.
func (s *Service) History(ctx context.Context, principal auth.Principal, namespace, name string, query HistoryQuery) ([]HistoryEntry, error) {
	if err := s.az.RequirePermission(ctx, principal, auth.ResourceReplicant, auth.ActionRead); err != nil {
		return nil, err
	}
	if query.Limit <= 0 {
		query.Limit = s.defaultHistoryLimit
	}
	if query.Limit > s.maxHistoryLimit {
		query.Limit = s.maxHistoryLimit
	}
	return s.repo.History(ctx, namespace, name, query)
}

// Delete removes a replicant and its history. Requires the admin action
// rather than write: deleting shared state is destructive in a way an
// ordinary editor should not be able to do.
func (s *Service) Delete(ctx context.Context, principal auth.Principal, namespace, name string) error {
	if err := s.az.RequirePermission(ctx, principal, auth.ResourceReplicant, auth.ActionAdmin); err != nil {
		return err
	}
	metadata := map[string]any{
		"namespace": namespace,
		"name":      name,
	}
	return s.audited(ctx, principal, "delete", metadata, func(hooks ...TxHook) error {
		return s.repo.Delete(ctx, namespace, name, hooks...)
	})
}

// ListNamespace returns every replicant in a namespace for an authorized reader.
func (s *Service) ListNamespace(ctx context.Context, principal auth.Principal, namespace string) ([]Replicant, error) {
	if err := s.az.RequirePermission(ctx, principal, auth.ResourceReplicant, auth.ActionRead); err != nil {
		return nil, err
	}
	return s.repo.ListNamespace(ctx, namespace)
}

// audited runs a mutation with its audit entry. In write-ahead mode the
// entry is written through a hook inside the mutation's transaction, so
// an unauditable change never commits; otherwise the mutation commits
// first and the entry is recorded best-effort.
func (s *Service) audited(ctx context.Context, principal auth.Principal, action string, metadata map[string]any, op func(hooks ...TxHook) error) error {
	if s.recorder.WriteAhead() {
		return op(func(hctx context.Context, tx *sql.Tx) error {
			return s.recorder.RecordTx(hctx, tx, principal.UserID, action, auth.ResourceReplicant, metadata)
		})
	}
	if err := op(); err != nil {
		return err
	}
	return s.recorder.Record(ctx, principal.UserID, action, auth.ResourceReplicant, metadata)
}

func (s *Service) checkValueSize(value string) error {
	if s.maxValueBytes > 0 && len(value) > s.maxValueBytes {
		return &ValidationError{Reason: fmt.Sprintf("value is %d bytes, limit is %d", len(value), s.maxValueBytes)}
	}
	return nil
}
