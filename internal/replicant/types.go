package replicant

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Replicant is a single versioned value in the store.
type Replicant struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Schema    string    `json:"schema,omitempty"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryEntry is an immutable record of one accepted write.
type HistoryEntry struct {
	ID          string    `json:"id"`
	ReplicantID string    `json:"replicant_id"`
	Value       string    `json:"value"`
	Revision    int64     `json:"revision"`
	ChangedBy   string    `json:"changed_by,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}

// HistoryQuery controls history pagination. BeforeRevision of zero means
// start from the newest entry.
type HistoryQuery struct {
	Limit          int
	BeforeRevision int64
}

var (
	// ErrNotFound indicates no replicant exists under the given namespace and name.
	ErrNotFound = errors.New("replicant not found")

	// ErrAlreadyExists indicates a create hit an occupied namespace and name.
	ErrAlreadyExists = errors.New("replicant already exists")
)

// ConflictError is returned when a compare-and-swap loses the race. It
// carries the current state so the caller can rebase and retry.
type ConflictError struct {
	ExpectedRevision int64
	CurrentRevision  int64
	CurrentValue     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict: expected %d, current %d", e.ExpectedRevision, e.CurrentRevision)
}

// ValidationError is returned when a value fails its declared schema.
// The store is unchanged when this is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "schema validation failed: " + e.Reason
}

// Namespace and name share the same character set: short, human-chosen
// identifiers safe for logs and URLs.
var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,128}$`)

// ValidateKey reports whether namespace and name are both acceptable keys.
func ValidateKey(namespace, name string) error {
	if !keyPattern.MatchString(namespace) {
		return fmt.Errorf("invalid namespace %q", namespace)
	}
	if !keyPattern.MatchString(name) {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}
