// Package auth provides identity and authorisation for Replicant Core.
//
// The model is database-backed RBAC: a User optionally references one
// Role, a Role holds a set of Permissions through the role_permissions
// grant table, and a Permission is identified semantically by its
// (resource, action) pair. The Authorizer resolves a principal's role to
// its granted permissions and matches (resource, action) exactly; the
// only wildcard is a permission row whose action is the literal "*",
// which is a visible stored grant rather than implicit matching.
//
// Authorisation fails closed: a principal with no role, an unknown role,
// or a role with no matching grant is denied. Session validity and
// credential parsing are the transport layer's concern - everything here
// receives already-authenticated principals.
//
// Supporting pieces: Argon2id password hashing, JWT access tokens,
// bearer session records, OAuth identity links, and first-boot seeding
// of the permission catalogue, builtin roles, and the initial admin.
package auth
