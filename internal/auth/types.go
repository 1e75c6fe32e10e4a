package auth

import (
	"errors"
	"regexp"
	"time"
)

// usernamePattern defines the valid format for usernames:
// alphanumeric, dots, hyphens, underscores, 1-64 characters.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// maxUsernameLength is the maximum allowed username length.
const maxUsernameLength = 64

// IsValidUsername checks if a username meets format requirements.
func IsValidUsername(username string) bool {
	return len(username) <= maxUsernameLength && usernamePattern.MatchString(username)
}

// Protected resource kinds. Permission rows reference these in their
// resource column; the store's guarded operations authorise against them.
const (
	ResourceReplicant = "replicant"
	ResourceBundle    = "bundle"
	ResourceAsset     = "asset"
	ResourceUser      = "user"
	ResourceAudit     = "audit"
)

// Actions a permission can grant on a resource.
const (
	ActionRead  = "read"
	ActionWrite = "write"
	ActionAdmin = "admin"

	// ActionWildcard grants every action on a resource. It only matches
	// as an explicit stored permission row, never by expansion.
	ActionWildcard = "*"
)

// User represents a principal account. PasswordHash is empty for
// OAuth-only accounts; RoleID is empty when no role is assigned, which
// means the user holds no grants at all.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"` // never serialised
	RoleID       string    `json:"role_id,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role is a named bundle of permissions.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is an atomic capability. Name is the unique key, but the
// (Resource, Action) pair is the semantic identity callers authorise by.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is a bearer token issued to a user. Deleted on logout or by
// the expiry sweep.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"` // never serialised
	ExpiresAt time.Time `json:"expires_at"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OAuthProvider links a user to an external identity. The
// (Provider, ProviderID) pair identifies the external account.
type OAuthProvider struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Provider     string     `json:"provider"`
	ProviderID   string     `json:"provider_id"`
	AccessToken  string     `json:"-"` // never serialised
	RefreshToken string     `json:"-"` // never serialised
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Principal is an already-authenticated actor. The transport layer
// resolves credentials to a Principal before calling into the core;
// an empty RoleID denies everything.
type Principal struct {
	UserID string
	RoleID string
}

// Decision is the result of an authorisation check. Reason is set on
// denial and never reveals whether the target resource exists.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the affirmative decision.
var Allow = Decision{Allowed: true}

// Deny builds a denial with the given reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Sentinel errors for identity and authorisation operations.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameExists     = errors.New("username already exists")
	ErrEmailExists        = errors.New("email already exists")
	ErrRoleNotFound       = errors.New("role not found")
	ErrRoleExists         = errors.New("role already exists")
	ErrPermissionNotFound = errors.New("permission not found")
	ErrPermissionExists   = errors.New("permission already exists")
	ErrAlreadyGranted     = errors.New("permission already granted to role")
	ErrGrantNotFound      = errors.New("permission not granted to role")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session has expired")
	ErrOAuthLinkExists    = errors.New("oauth identity already linked")
	ErrOAuthLinkNotFound  = errors.New("oauth link not found")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrDenied             = errors.New("permission denied")
)
