package filter

import (
	"strings"

	"github.com/spf13/cast"
)

// Tree is a parsed filter document
type Tree struct {
	root Value
}

// Parse decodes the raw filter text. Empty or malformed text yields an empty
// tree.
func Parse(raw string) Tree {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Tree{}
	}
	v, err := Decode([]byte(raw))
	if err != nil || !v.IsObject() {
		return Tree{}
	}
	return Tree{root: v}
}

// FromValue wraps an already decoded object
func FromValue(v Value) Tree {
	if !v.IsObject() {
		return Tree{}
	}
	return Tree{root: v}
}

// Empty reports whether the tree has no entries
func (t Tree) Empty() bool {
	return len(t.root.keys) == 0
}

// Root returns the top-level object
func (t Tree) Root() Value {
	return t.root
}

// Get returns the entry stored under the first matching name
func (t Tree) Get(names ...string) (Value, bool) {
	for _, n := range names {
		if v, ok := t.root.Get(n); ok {
			return v, true
		}
	}
	return Value{}, false
}

// Has reports whether any of names is present
func (t Tree) Has(names ...string) bool {
	_, ok := t.Get(names...)
	return ok
}

// Field returns the comparison field used by single-row lookups
func (t Tree) Field() string {
	if v, ok := t.Get("field"); ok && v.Kind() == KindScalar {
		if s := strings.TrimSpace(v.Text()); s != "" {
			return s
		}
	}
	return "id"
}

// Search returns the free-text search term
func (t Tree) Search() string {
	if v, ok := t.Get("search"); ok && v.Kind() == KindScalar {
		return strings.TrimSpace(v.Text())
	}
	return ""
}

// WithoutDefaultIncludes reports whether the caller suppressed default includes
func (t Tree) WithoutDefaultIncludes() bool {
	v, ok := t.Get("withoutDefaultInclude", "withoutDefaultIncludes")
	if !ok {
		return false
	}
	if v.Kind() != KindScalar {
		return !v.IsNull()
	}
	b, err := cast.ToBoolE(v.Scalar())
	if err != nil {
		return v.Text() != ""
	}
	return b
}

// WithTrashed reports whether soft-deleted rows are included
func (t Tree) WithTrashed() bool {
	return t.Has("withTrashed")
}

// OnlyTrashed reports whether only soft-deleted rows are returned
func (t Tree) OnlyTrashed() bool {
	return t.Has("onlyTrashed")
}
