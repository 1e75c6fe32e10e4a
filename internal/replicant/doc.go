// Package replicant implements the versioned, namespaced key-value
// store that holds shared runtime state.
//
// Each replicant is addressed by a (namespace, name) pair and carries a
// monotonically increasing revision. All mutations go through a
// compare-and-swap write keyed on the expected revision; every accepted
// write appends an immutable history row. Values may declare a JSON
// Schema that is enforced on every write.
//
// The Service type composes the store with the authorization engine and
// the audit recorder. Direct repository access skips both and is meant
// for internal callers only.
package replicant
