// Package config loads and validates Replicant Core configuration.
//
// Configuration comes from a YAML file with hardcoded defaults underneath
// and a small set of environment variable overrides on top (database path,
// JWT secret). Validation rejects configurations that would weaken token
// security or break store pagination before the process finishes booting.
package config
