package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
)

// seedPasswordBytes is the number of random bytes for the seed admin password.
const seedPasswordBytes = 16

// builtin role names created on first boot.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

// seedPermission describes one catalogue entry created on first boot.
type seedPermission struct {
	resource    string
	action      string
	description string
}

// seedCatalogue is the default permission catalogue. Additional rows can
// be created at runtime through the permission repository; these are just
// the grants the builtin roles need.
var seedCatalogue = []seedPermission{
	{ResourceReplicant, ActionRead, "read replicant values and history"},
	{ResourceReplicant, ActionWrite, "create and update replicants"},
	{ResourceReplicant, ActionAdmin, "delete replicants"},
	{ResourceBundle, ActionRead, "read bundle metadata"},
	{ResourceBundle, ActionWrite, "modify bundle metadata"},
	{ResourceBundle, ActionAdmin, "install and remove bundles"},
	{ResourceAsset, ActionRead, "read asset descriptors"},
	{ResourceAsset, ActionWrite, "upload and replace assets"},
	{ResourceUser, ActionAdmin, "manage users, roles, and grants"},
	{ResourceAudit, ActionRead, "query the audit log"},
}

// seedGrants maps each builtin role to its permission names.
var seedGrants = map[string][]string{
	RoleViewer: {
		"replicant:read", "bundle:read", "asset:read",
	},
	RoleEditor: {
		"replicant:read", "replicant:write",
		"bundle:read", "bundle:write",
		"asset:read", "asset:write",
	},
	RoleAdmin: {
		"replicant:read", "replicant:write", "replicant:admin",
		"bundle:read", "bundle:write", "bundle:admin",
		"asset:read", "asset:write",
		"user:admin", "audit:read",
	},
}

// seedRoleDisplay maps builtin role names to display names.
var seedRoleDisplay = map[string]string{
	RoleViewer: "Viewer",
	RoleEditor: "Editor",
	RoleAdmin:  "Administrator",
}

// SeedAccessControl creates the permission catalogue, the builtin roles
// with their grants, and the initial admin account on first boot.
//
// Seeding is skipped wherever data already exists, so it is safe to call
// on every start. The generated admin password is logged once and must be
// changed immediately. Returns the generated password (empty string if
// user seeding was skipped).
func SeedAccessControl(ctx context.Context, users UserRepository, roles RoleRepository, perms PermissionRepository, logger *slog.Logger) (string, error) {
	if err := seedPermissions(ctx, perms); err != nil {
		return "", err
	}

	adminRole, err := seedRoles(ctx, roles, perms)
	if err != nil {
		return "", err
	}

	count, err := users.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}
	if count > 0 {
		logger.Info("users exist, skipping admin seed")
		return "", nil
	}

	passwordBytes := make([]byte, seedPasswordBytes)
	if _, err := rand.Read(passwordBytes); err != nil {
		return "", fmt.Errorf("generating seed password: %w", err)
	}
	password := hex.EncodeToString(passwordBytes)

	hash, err := HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hashing seed password: %w", err)
	}

	admin := &User{
		Username:     "admin",
		PasswordHash: hash,
		RoleID:       adminRole.ID,
		IsActive:     true,
	}

	if err := users.Create(ctx, admin); err != nil {
		return "", fmt.Errorf("creating seed admin: %w", err)
	}

	logger.Warn("seed admin account created",
		"username", "admin",
		"password", password,
		"action_required", "change this password immediately",
	)

	return password, nil
}

// seedPermissions inserts the default catalogue if the table is empty.
func seedPermissions(ctx context.Context, perms PermissionRepository) error {
	count, err := perms.Count(ctx)
	if err != nil {
		return fmt.Errorf("checking permission count: %w", err)
	}
	if count > 0 {
		return nil
	}

	for _, sp := range seedCatalogue {
		p := &Permission{
			Resource:    sp.resource,
			Action:      sp.action,
			Description: sp.description,
		}
		if err := perms.Create(ctx, p); err != nil {
			return fmt.Errorf("seeding permission %s:%s: %w", sp.resource, sp.action, err)
		}
	}
	return nil
}

// seedRoles creates the builtin roles and their grants where missing,
// returning the admin role.
func seedRoles(ctx context.Context, roles RoleRepository, perms PermissionRepository) (*Role, error) {
	var adminRole *Role

	for _, name := range []string{RoleViewer, RoleEditor, RoleAdmin} {
		role, err := roles.GetByName(ctx, name)
		if err == nil {
			if name == RoleAdmin {
				adminRole = role
			}
			continue
		}
		if !errors.Is(err, ErrRoleNotFound) {
			return nil, fmt.Errorf("looking up role %s: %w", name, err)
		}

		role = &Role{
			Name:        name,
			DisplayName: seedRoleDisplay[name],
		}
		if err := roles.Create(ctx, role); err != nil {
			return nil, fmt.Errorf("seeding role %s: %w", name, err)
		}

		for _, permName := range seedGrants[name] {
			perm, err := perms.GetByName(ctx, permName)
			if err != nil {
				return nil, fmt.Errorf("looking up permission %s for role %s: %w", permName, name, err)
			}
			if err := roles.Grant(ctx, role.ID, perm.ID); err != nil {
				return nil, fmt.Errorf("granting %s to %s: %w", permName, name, err)
			}
		}

		if name == RoleAdmin {
			adminRole = role
		}
	}

	return adminRole, nil
}
