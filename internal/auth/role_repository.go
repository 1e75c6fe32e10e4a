package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// RoleRepository defines the interface for role persistence and the
// role -> permission grant table.
type RoleRepository interface {
	Create(ctx context.Context, role *Role) error
	GetByID(ctx context.Context, id string) (*Role, error)
	GetByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	Delete(ctx context.Context, id string) error
	Grant(ctx context.Context, roleID, permissionID string) error
	Revoke(ctx context.Context, roleID, permissionID string) error
	Permissions(ctx context.Context, roleID string) ([]Permission, error)
}

// SQLiteRoleRepository implements RoleRepository using SQLite.
type SQLiteRoleRepository struct {
	db *sql.DB
}

// NewRoleRepository creates a new SQLite-backed role repository.
func NewRoleRepository(db *sql.DB) *SQLiteRoleRepository {
	return &SQLiteRoleRepository{db: db}
}

const roleColumns = "id, name, display_name, description, created_at"

// Create inserts a new role. The ID is generated if empty.
func (r *SQLiteRoleRepository) Create(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = "rol-" + uuid.NewString()[:8]
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO roles (id, name, display_name, description) VALUES (?, ?, ?, ?)`,
		role.ID, role.Name, role.DisplayName, role.Description,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRoleExists
		}
		return fmt.Errorf("creating role: %w", err)
	}
	return nil
}

// GetByID retrieves a role by its unique ID.
func (r *SQLiteRoleRepository) GetByID(ctx context.Context, id string) (*Role, error) {
	return scanRole(r.db.QueryRowContext(ctx,
		"SELECT "+roleColumns+" FROM roles WHERE id = ?", id))
}

// GetByName retrieves a role by its unique name.
func (r *SQLiteRoleRepository) GetByName(ctx context.Context, name string) (*Role, error) {
	return scanRole(r.db.QueryRowContext(ctx,
		"SELECT "+roleColumns+" FROM roles WHERE name = ?", name))
}

// List returns all roles ordered by name.
func (r *SQLiteRoleRepository) List(ctx context.Context) ([]Role, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+roleColumns+" FROM roles ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating roles: %w", err)
	}

	if roles == nil {
		roles = []Role{}
	}
	return roles, nil
}

// Delete removes a role. Grants cascade away; users referencing the role
// drop to a null role and lose all permissions on their next check.
func (r *SQLiteRoleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM roles WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting role: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrRoleNotFound
	}
	return nil
}

// Grant adds a permission to a role. Granting an already-held permission
// returns ErrAlreadyGranted; the grant table holds each pair at most once.
func (r *SQLiteRoleRepository) Grant(ctx context.Context, roleID, permissionID string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO role_permissions (role_id, permission_id) VALUES (?, ?)",
		roleID, permissionID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyGranted
		}
		return fmt.Errorf("granting permission: %w", err)
	}
	return nil
}

// Revoke removes a permission from a role. Takes effect on the next
// authorisation check - nothing is cached.
func (r *SQLiteRoleRepository) Revoke(ctx context.Context, roleID, permissionID string) error {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM role_permissions WHERE role_id = ? AND permission_id = ?",
		roleID, permissionID,
	)
	if err != nil {
		return fmt.Errorf("revoking permission: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// Permissions returns all permissions granted to a role, ordered by name.
func (r *SQLiteRoleRepository) Permissions(ctx context.Context, roleID string) ([]Permission, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id, p.name, p.resource, p.action, p.description, p.created_at
		 FROM permissions p
		 JOIN role_permissions rp ON rp.permission_id = p.id
		 WHERE rp.role_id = ?
		 ORDER BY p.name ASC`,
		roleID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying role permissions: %w", err)
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
		return nil, fmt.Errorf("iterating role permissions: %w", err)
	}

	if perms == nil {
		perms = []Permission{}
	}
	return perms, nil
}

// scanRole scans a role from a sql.Row or sql.Rows.
func scanRole(s scanner) (*Role, error) {
	var role Role
	var createdAt string

	err := s.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("scanning role: %w", err)
	}

	role.CreatedAt = parseTime(createdAt)
	return &role, nil
}
