// Package model holds the schema-validated document substrate and the
// entities built on it: processing requests and their cmsDriver sequence
// configurations.
package model

import (
	"math"
	"sort"
)

// Schema declares the full set of legal fields for a document kind.
// Each field maps to its default value, which also fixes the field's
// type by example.
type Schema map[string]any

// Validator reports whether a candidate value is acceptable. A panic
// inside a validator counts as rejection, never escapes the document.
type Validator func(value any) bool

// NormalizeFunc transforms an incoming value before validation. It runs
// exactly once per Set, so structural cleanup (deduplication, element
// coercion) is not repeated at call sites.
type NormalizeFunc func(field string, value any) (any, error)

// Definition binds a schema to its predicate tables. Each entity kind
// declares one Definition in a single place.
type Definition struct {
	Schema Schema
	// Validators check the whole stored value of a field.
	Validators map[string]Validator
	// Each checks every element of a list-valued field.
	Each      map[string]Validator
	Normalize NormalizeFunc
}

// Document is a generic schema-validated field mapping. It never holds
// a field absent from its schema, and every stored value has passed the
// field's registered checks.
type Document struct {
	def    Definition
	values map[string]any
}

// New returns an empty document: every Get answers the schema default.
func New(def Definition) *Document {
	return &Document{
		def:    def,
		values: make(map[string]any, len(def.Schema)),
	}
}

// Load builds a document from a raw external mapping (deserialized
// JSON). Fields present in raw are assigned through Set; keys the
// schema does not declare are ignored so storage metadata never leaks
// into the document.
func Load(def Definition, raw map[string]any) (*Document, error) {
	d := New(def)
	fields := make([]string, 0, len(def.Schema))
	for field := range def.Schema {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		value, ok := raw[field]
		if !ok {
			continue
		}
		if _, err := d.Set(field, value); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Set assigns a field after normalization, type coercion and
// validation. On failure the previously stored value is untouched.
// It returns the value as stored.
func (d *Document) Set(field string, value any) (any, error) {
	def, ok := d.def.Schema[field]
	if !ok {
		return nil, &SchemaError{Field: field}
	}

	if d.def.Normalize != nil {
		normalized, err := d.def.Normalize(field, value)
		if err != nil {
			return nil, err
		}
		value = normalized
	}

	coerced, ok := coerce(def, value)
	if !ok {
		return nil, &ValidationError{Field: field, Value: value}
	}

	if check, ok := d.def.Each[field]; ok {
		items, isList := coerced.([]any)
		if !isList {
			return nil, &ValidationError{Field: field, Value: coerced}
		}
		for _, item := range items {
			if !accept(check, item) {
				return nil, &ValidationError{Field: field, Value: item}
			}
		}
	}

	if check, ok := d.def.Validators[field]; ok {
		if !accept(check, coerced) {
			return nil, &ValidationError{Field: field, Value: coerced}
		}
	}

	d.values[field] = coerced
	return coerced, nil
}

// Get returns the stored value, or the schema default if the field was
// never assigned.
func (d *Document) Get(field string) (any, error) {
	def, ok := d.def.Schema[field]
	if !ok {
		return nil, &SchemaError{Field: field}
	}
	if value, ok := d.values[field]; ok {
		return value, nil
	}
	return def, nil
}

// Map returns the full field mapping, schema defaults filling unset
// fields. The result is safe to serialize as the document's external
// representation.
func (d *Document) Map() map[string]any {
	out := make(map[string]any, len(d.def.Schema))
	for field, def := range d.def.Schema {
		if value, ok := d.values[field]; ok {
			out[field] = value
			continue
		}
		out[field] = def
	}
	return out
}

func accept(check Validator, value any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return check(value)
}

// coerce nudges value toward the type of the schema default. JSON
// decoding yields float64 for every number, so integer fields accept
// whole floats.
func coerce(def any, value any) (any, bool) {
	switch def.(type) {
	case string:
		s, ok := value.(string)
		return s, ok
	case bool:
		b, ok := value.(bool)
		return b, ok
	case int:
		switch n := value.(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			if n == math.Trunc(n) {
				return int(n), true
			}
		}
		return nil, false
	case float64:
		switch n := value.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		}
		return nil, false
	case []any:
		switch list := value.(type) {
		case []any:
			return list, true
		case []string:
			out := make([]any, len(list))
			for i, item := range list {
				out[i] = item
			}
			return out, true
		case []int:
			out := make([]any, len(list))
			for i, item := range list {
				out[i] = item
			}
			return out, true
		case []map[string]any:
			out := make([]any, len(list))
			for i, item := range list {
				out[i] = item
			}
			return out, true
		}
		return nil, false
	case map[string]any:
		m, ok := value.(map[string]any)
		return m, ok
	}
	return value, true
}
