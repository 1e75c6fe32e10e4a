package replicant

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks serialized values against JSON Schemas. Compiled
// schemas are cached by content hash since replicant schemas are
// immutable after creation.
type Validator struct {
	mu    sync.RWMutex
	cache map[[32]byte]*jsonschema.Schema
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{cache: make(map[[32]byte]*jsonschema.Schema)}
}

// Validate checks value against schemaText. An empty schemaText accepts
// any value. A malformed schema or a non-conforming value both surface
// as *ValidationError; the distinction lives in the reason text.
func (v *Validator) Validate(schemaText, value string) error {
	if schemaText == "" {
		return nil
	}

	sch, err := v.compile(schemaText)
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("bad schema: %v", err)}
	}

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(value))
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("value is not valid JSON: %v", err)}
	}

	if err := sch.Validate(inst); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

func (v *Validator) compile(schemaText string) (*jsonschema.Schema, error) {
	key := sha256.Sum256([]byte(schemaText))

	v.mu.RLock()
	sch, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return sch, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaText))
	if err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline://schema.json", doc); err != nil {
		return nil, fmt.Errorf("registering schema: %w", err)
	}
	sch, err = compiler.Compile("inline://schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}

	v.mu.Lock()
	v.cache[key] = sch
	v.mu.Unlock()

	return sch, nil
}
