// Package tracking computes the field-level changes an update applies, so
// hooks can act on what changed.
package tracking

import (
	"reflect"
	"sort"
	"time"
)

// FieldChange represents a change to a single field
type FieldChange struct {
	Field    string
	OldValue interface{}
	NewValue interface{}
}

// ChangeSet is the immutable difference between two plain snapshots of an
// entity. A nil ChangeSet reports no changes.
type ChangeSet struct {
	changes map[string]*FieldChange
}

// Diff compares before and after field by field. Keys missing on one side
// compare against nil.
func Diff(before, after map[string]interface{}) *ChangeSet {
	cs := &ChangeSet{changes: make(map[string]*FieldChange)}
	for field, newValue := range after {
		oldValue, existed := before[field]
		if !existed || !equal(oldValue, newValue) {
			cs.changes[field] = &FieldChange{Field: field, OldValue: copyValue(oldValue), NewValue: copyValue(newValue)}
		}
	}
	for field, oldValue := range before {
		if _, exists := after[field]; !exists && oldValue != nil {
			cs.changes[field] = &FieldChange{Field: field, OldValue: copyValue(oldValue)}
		}
	}
	return cs
}

// equal compares two snapshot values; times compare by instant
func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = copyValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// Changed reports whether field changed
func (cs *ChangeSet) Changed(field string) bool {
	return cs.Change(field) != nil
}

// Change returns the change of field, or nil if it is unchanged
func (cs *ChangeSet) Change(field string) *FieldChange {
	if cs == nil {
		return nil
	}
	return cs.changes[field]
}

// ChangedFields returns the changed field names in sorted order
func (cs *ChangeSet) ChangedFields() []string {
	if cs == nil {
		return nil
	}
	fields := make([]string, 0, len(cs.changes))
	for field := range cs.changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// HasChanges reports whether any field changed
func (cs *ChangeSet) HasChanges() bool {
	return cs != nil && len(cs.changes) > 0
}

// ChangedTo reports whether field changed to value
func (cs *ChangeSet) ChangedTo(field string, value interface{}) bool {
	change := cs.Change(field)
	return change != nil && equal(change.NewValue, value)
}

// ChangedFrom reports whether field changed away from value
func (cs *ChangeSet) ChangedFrom(field string, value interface{}) bool {
	change := cs.Change(field)
	return change != nil && equal(change.OldValue, value)
}

// Data returns the new values of the changed fields
func (cs *ChangeSet) Data() map[string]interface{} {
	out := make(map[string]interface{})
	if cs == nil {
		return out
	}
	for field, change := range cs.changes {
		out[field] = change.NewValue
	}
	return out
}
