package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// Authorizer decides whether a principal may perform an action on a
// resource kind. It is a pure function of the current role/permission
// tables: no caching, no session state, so grants and revocations take
// effect on the next call.
type Authorizer struct {
	db *sql.DB
}

// NewAuthorizer creates an authorizer backed by the given database.
func NewAuthorizer(db *sql.DB) *Authorizer {
	return &Authorizer{db: db}
}

// Authorize resolves the principal's role to its granted permissions and
// checks for an exact (resource, action) match or an explicit wildcard
// action row.
//
// Every lookup miss is a denial, never an error: a principal with no
// role, a dangling role reference, or a role with no matching grant all
// come back Deny. Only backend failures return a non-nil error.
func (a *Authorizer) Authorize(ctx context.Context, principal Principal, resource, action string) (Decision, error) {
	if principal.RoleID == "" {
		return Deny("no role assigned"), nil
	}

	var count int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM role_permissions rp
		 JOIN permissions p ON p.id = rp.permission_id
		 WHERE rp.role_id = ? AND p.resource = ? AND p.action IN (?, ?)`,
		principal.RoleID, resource, action, ActionWildcard,
	).Scan(&count)
	if err != nil {
		return Decision{}, fmt.Errorf("resolving permissions: %w", err)
	}

	if count == 0 {
		return Deny(fmt.Sprintf("role holds no %s:%s grant", resource, action)), nil
	}

	return Allow, nil
}

// RequirePermission is Authorize for callers that want an error instead
// of a decision. A denial comes back wrapped in ErrDenied so callers can
// branch with errors.Is.
func (a *Authorizer) RequirePermission(ctx context.Context, principal Principal, resource, action string) error {
	decision, err := a.Authorize(ctx, principal, resource, action)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return fmt.Errorf("%w: %s", ErrDenied, decision.Reason)
	}
	return nil
}
