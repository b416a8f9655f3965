package model

import "fmt"

// SchemaError reports an attempt to read or write a field that the
// document's schema does not declare. It is a caller bug, not bad data.
type SchemaError struct {
	Field string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("field %q is not declared in the schema", e.Field)
}

// ValidationError reports a value that failed its registered check.
// It carries the field name and the rejected value so the HTTP layer
// can return both to the client.
type ValidationError struct {
	Field string
	Value any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for field %q: %v", e.Field, e.Value)
}

// PipelineError reports a failed cmsDriver compilation: an out-of-range
// sequence index or a sequence missing an argument that harvesting
// injection requires. No command text is produced alongside it.
type PipelineError struct {
	Index  int
	Reason string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("sequence %d: %s", e.Index, e.Reason)
}
