package replicant

import (
	"errors"
	"testing"
)

const titleSchema = `{
	"type": "object",
	"properties": {
		"text": {"type": "string"},
		"size": {"type": "integer", "minimum": 1}
	},
	"required": ["text"]
}`

func TestValidator_NoSchema(t *testing.T) {
	v := NewValidator()
	if err := v.Validate("", "anything at all, not even JSON"); err != nil {
		t.Errorf("empty schema should accept any value, got %v", err)
	}
}

func TestValidator_Valid(t *testing.T) {
	v := NewValidator()
	if err := v.Validate(titleSchema, `{"text": "Hello", "size": 12}`); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidator_Invalid(t *testing.T) {
	v := NewValidator()

	cases := []string{
		`{"size": 12}`,             // missing required field
		`{"text": 42}`,             // wrong type
		`{"text": "x", "size": 0}`, // below minimum
	}
	for _, value := range cases {
		err := v.Validate(titleSchema, value)
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("Validate(%s) error = %v, want *ValidationError", value, err)
		}
	}
}

func TestValidator_ValueNotJSON(t *testing.T) {
	v := NewValidator()
	err := v.Validate(titleSchema, "not json")
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Errorf("error = %v, want *ValidationError", err)
	}
}

func TestValidator_MalformedSchema(t *testing.T) {
	v := NewValidator()
	err := v.Validate("{not a schema", `{}`)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Errorf("error = %v, want *ValidationError", err)
	}
}

func TestValidator_CachesCompiledSchemas(t *testing.T) {
	v := NewValidator()
	for i := 0; i < 3; i++ {
		if err := v.Validate(titleSchema, `{"text": "x"}`); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
	}
	if len(v.cache) != 1 {
		t.Errorf("cache size = %d, want 1", len(v.cache))
	}
}
