package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PermissionRepository defines the interface for the permission catalogue.
type PermissionRepository interface {
	Create(ctx context.Context, perm *Permission) error
	GetByName(ctx context.Context, name string) (*Permission, error)
	GetByResourceAction(ctx context.Context, resource, action string) (*Permission, error)
	List(ctx context.Context) ([]Permission, error)
	Count(ctx context.Context) (int, error)
}

// SQLitePermissionRepository implements PermissionRepository using SQLite.
type SQLitePermissionRepository struct {
	db *sql.DB
}

// NewPermissionRepository creates a new SQLite-backed permission repository.
func NewPermissionRepository(db *sql.DB) *SQLitePermissionRepository {
	return &SQLitePermissionRepository{db: db}
}

const permissionColumns = "id, name, resource, action, description, created_at"

// Create inserts a new permission. The ID is generated if empty and the
// name defaults to "resource:action" when not set.
func (r *SQLitePermissionRepository) Create(ctx context.Context, perm *Permission) error {
	if perm.ID == "" {
		perm.ID = "prm-" + uuid.NewString()[:8]
	}
	if perm.Name == "" {
		perm.Name = perm.Resource + ":" + perm.Action
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO permissions (id, name, resource, action, description) VALUES (?, ?, ?, ?, ?)`,
		perm.ID, perm.Name, perm.Resource, perm.Action, perm.Description,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPermissionExists
		}
		return fmt.Errorf("creating permission: %w", err)
	}
	return nil
}

// GetByName retrieves a permission by its unique name.
func (r *SQLitePermissionRepository) GetByName(ctx context.Context, name string) (*Permission, error) {
	return scanPermission(r.db.QueryRowContext(ctx,
		"SELECT "+permissionColumns+" FROM permissions WHERE name = ?", name))
}

// GetByResourceAction retrieves a permission by its semantic identity.
func (r *SQLitePermissionRepository) GetByResourceAction(ctx context.Context, resource, action string) (*Permission, error) {
	return scanPermission(r.db.QueryRowContext(ctx,
		"SELECT "+permissionColumns+" FROM permissions WHERE resource = ? AND action = ?",
		resource, action))
}

// List returns the full permission catalogue ordered by name.
func (r *SQLitePermissionRepository) List(ctx context.Context) ([]Permission, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+permissionColumns+" FROM permissions ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating permissions: %w", err)
	}

	if perms == nil {
		perms = []Permission{}
	}
	return perms, nil
}

// Count returns the total number of catalogue entries.
func (r *SQLitePermissionRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM permissions").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting permissions: %w", err)
	}
	return count, nil
}

// scanPermission scans a permission from a sql.Row or sql.Rows.
func scanPermission(s scanner) (*Permission, error) {
	var p Permission
	var createdAt string

	err := s.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPermissionNotFound
		}
		return nil, fmt.Errorf("scanning permission: %w", err)
	}

	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}
