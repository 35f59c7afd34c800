package saga

import (
	"fmt"
	"sort"
)

// FieldPolicy controls how the reducer applies a delta to one state field.
type FieldPolicy int

const (
	// PolicyReplace overwrites the field with the delta value. Default.
	PolicyReplace FieldPolicy = iota

	// PolicyAppend treats the field as an ordered sequence and appends the
	// delta items, preserving insertion order.
	PolicyAppend

	// PolicyMerge treats the field as a string-keyed map and merges the
	// delta entries, last write wins per key.
	PolicyMerge
)

// String returns the policy name.
func (p FieldPolicy) String() string {
	switch p {
	case PolicyReplace:
		return "replace"
	case PolicyAppend:
		return "append"
	case PolicyMerge:
		return "merge"
	default:
		return fmt.Sprintf("FieldPolicy(%d)", int(p))
	}
}

// Schema declares the fields a workflow state may carry and the reduction
// policy for each. The reducer rejects deltas touching undeclared fields.
//
// Schemas are declared once, statically, alongside the workflow:
//
//	schema := saga.NewSchema().
//	    Replace("topic", "done").
//	    Append("attempts").
//	    Merge("scores")
type Schema struct {
	policies map[string]FieldPolicy
}

// NewSchema creates an empty schema.
func NewSchema() *Schema {
	return &Schema{policies: make(map[string]FieldPolicy)}
}

// Replace declares fields with replace policy.
func (s *Schema) Replace(fields ...string) *Schema {
	for _, f := range fields {
		s.policies[f] = PolicyReplace
	}
	return s
}

// Append declares fields with append policy.
func (s *Schema) Append(fields ...string) *Schema {
	for _, f := range fields {
		s.policies[f] = PolicyAppend
	}
	return s
}

// Merge declares fields with merge policy.
func (s *Schema) Merge(fields ...string) *Schema {
	for _, f := range fields {
		s.policies[f] = PolicyMerge
	}
	return s
}

// PolicyOf returns the declared policy for a field.
func (s *Schema) PolicyOf(field string) (FieldPolicy, bool) {
	p, ok := s.policies[field]
	return p, ok
}

// Fields returns the declared field names in sorted order.
func (s *Schema) Fields() []string {
	out := make([]string, 0, len(s.policies))
	for f := range s.policies {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// State is one immutable snapshot of a workflow's state.
//
// Snapshots are never mutated in place: every reduction yields a new State
// with Version incremented. Field values are shared by reference between
// snapshots; treat them as read-only.
type State struct {
	// WorkflowID identifies the run this state belongs to.
	WorkflowID string

	// Version increases by one per reduction, starting from zero.
	Version uint64

	// Fields holds the user-visible state values keyed by field name.
	Fields map[string]any
}

// Get returns the value of a field.
func (s State) Get(field string) (any, bool) {
	v, ok := s.Fields[field]
	return v, ok
}

// GetString returns a field's value as a string, or "" when absent or not a
// string.
func (s State) GetString(field string) string {
	v, _ := s.Fields[field].(string)
	return v
}

// GetBool returns a field's value as a bool, or false when absent or not a
// bool.
func (s State) GetBool(field string) bool {
	v, _ := s.Fields[field].(bool)
	return v
}

// Delta maps field names to new or incremental values. The meaning of each
// value depends on the field's policy:
//
//   - replace: the new value
//   - append: a []any of items to append, or a single item
//   - merge: a map[string]any of entries to merge
type Delta map[string]any

// Reducer applies deltas to state snapshots under a schema's field policies.
// Reduction is pure: the input snapshot is never modified, and applying the
// same delta to the same snapshot always yields the same result.
type Reducer struct {
	schema *Schema
}

// NewReducer creates a reducer over the given schema.
func NewReducer(schema *Schema) *Reducer {
	return &Reducer{schema: schema}
}

// Apply reduces delta d into snapshot s, returning the next snapshot.
//
// Fields absent from d are carried over by reference. A delta targeting an
// undeclared field, or a merge delta that is not a map, fails with
// ErrSchemaViolation and leaves s unused.
func (r *Reducer) Apply(s State, d Delta) (State, error) {
	next := State{
		WorkflowID: s.WorkflowID,
		Version:    s.Version + 1,
		Fields:     make(map[string]any, len(s.Fields)+len(d)),
	}
	for f, v := range s.Fields {
		next.Fields[f] = v
	}

	// Deterministic application order; matters only for error selection.
	fields := make([]string, 0, len(d))
	for f := range d {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		policy, ok := r.schema.PolicyOf(f)
		if !ok {
			return State{}, fmt.Errorf("%w: field %q not declared", ErrSchemaViolation, f)
		}

		switch policy {
		case PolicyReplace:
			next.Fields[f] = d[f]

		case PolicyAppend:
			appended, err := appendField(next.Fields[f], d[f])
			if err != nil {
				return State{}, fmt.Errorf("%w: field %q: %v", ErrSchemaViolation, f, err)
			}
			next.Fields[f] = appended

		case PolicyMerge:
			merged, err := mergeField(next.Fields[f], d[f])
			if err != nil {
				return State{}, fmt.Errorf("%w: field %q: %v", ErrSchemaViolation, f, err)
			}
			next.Fields[f] = merged
		}
	}
	return next, nil
}

// appendField builds a fresh slice holding current ++ items. The current
// slice is never mutated, so prior snapshots stay intact.
func appendField(current, items any) (any, error) {
	var base []any
	switch cur := current.(type) {
	case nil:
	case []any:
		base = cur
	default:
		return nil, fmt.Errorf("append policy requires a sequence, state holds %T", current)
	}

	var add []any
	switch v := items.(type) {
	case []any:
		add = v
	default:
		add = []any{v}
	}

	out := make([]any, 0, len(base)+len(add))
	out = append(out, base...)
	out = append(out, add...)
	return out, nil
}

func mergeField(current, entries any) (any, error) {
	var base map[string]any
	switch cur := current.(type) {
	case nil:
	case map[string]any:
		base = cur
	default:
		return nil, fmt.Errorf("merge policy requires a map, state holds %T", current)
	}

	add, ok := entries.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("merge delta must be a map, got %T", entries)
	}

	out := make(map[string]any, len(base)+len(add))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out, nil
}
