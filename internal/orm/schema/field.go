package schema

import (
	"encoding"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Kind classifies the underlying Go type of a field
type Kind int

const (
	KindOther Kind = iota
	KindString
	KindInt32
	KindInt64
	KindInt
	KindUint
	KindFloat
	KindBool
	KindTime
	KindDuration
	KindEnum
	KindBytes
	KindStruct
	KindList
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindDuration:
		return "duration"
	case KindEnum:
		return "enum"
	case KindBytes:
		return "bytes"
	case KindStruct:
		return "struct"
	case KindList:
		return "list"
	default:
		return "other"
	}
}

// IsInteger reports whether the kind holds whole numbers
func (k Kind) IsInteger() bool {
	return k == KindInt32 || k == KindInt64 || k == KindInt || k == KindUint
}

// Capability is a bitset of field handling policies
type Capability uint16

const (
	CapPassword Capability = 1 << iota
	CapJSON
	CapSimpleJSON
	CapRelation
	CapNoTimezone
	CapNotMapped
	CapIgnore
)

var capabilityTags = map[string]Capability{
	"password":   CapPassword,
	"json":       CapJSON,
	"simplejson": CapSimpleJSON,
	"relation":   CapRelation,
	"notz":       CapNoTimezone,
	"notmapped":  CapNotMapped,
	"ignore":     CapIgnore,
}

// Has reports whether all of c are set
func (c Capability) Has(flags Capability) bool {
	return c&flags == flags
}

// Any reports whether at least one of flags is set
func (c Capability) Any(flags Capability) bool {
	return c&flags != 0
}

// RelationKind identifies the cardinality of a relation
type RelationKind int

const (
	BelongsTo RelationKind = iota
	HasOne
	HasMany
	ManyToMany
)

// String returns the tag spelling of the relation kind
func (k RelationKind) String() string {
	switch k {
	case BelongsTo:
		return "belongs_to"
	case HasOne:
		return "has_one"
	case HasMany:
		return "has_many"
	case ManyToMany:
		return "many2many"
	default:
		return "unknown"
	}
}

// Relation describes how a relation field maps onto the store.
//
// ForeignKey is the owner column for BelongsTo, the target column for
// HasOne/HasMany, and the join table column pointing at the owner for
// ManyToMany. References is the join table column pointing at the target.
type Relation struct {
	Kind        RelationKind
	Target      reflect.Type
	Many        bool
	ForeignKey  string
	JoinTable   string
	References  string
	ElemPointer bool
}

// Field is the immutable descriptor of one struct field
type Field struct {
	Name      string
	CamelName string
	GoName    string
	Index     []int
	Type      reflect.Type
	Kind      Kind
	Nullable  bool
	Caps      Capability
	Relation  *Relation
}

// Mapped reports whether the field is backed by a column
func (f *Field) Mapped() bool {
	return !f.Caps.Any(CapRelation | CapNotMapped)
}

// IsRelation reports whether the field holds related entities
func (f *Field) IsRelation() bool {
	return f.Relation != nil
}

// Untagged reports whether the field carries no handling policy
func (f *Field) Untagged() bool {
	return f.Caps&^(CapNoTimezone|CapNotMapped) == 0
}

// IsSystemTimestamp reports whether the field is one of the audit stamps
// maintained by the repository
func (f *Field) IsSystemTimestamp() bool {
	switch f.Name {
	case "created_at", "updated_at", "deleted_at":
		return true
	}
	return false
}

// IsAuditStamp reports whether the field is one of the Base stamp columns
// that only the repository writes
func (f *Field) IsAuditStamp() bool {
	switch f.Name {
	case "created_at", "created_by", "updated_at", "updated_by",
		"deleted_at", "deleted_by", "restored_at", "restored_by":
		return true
	}
	return false
}

var (
	timeType       = reflect.TypeOf(time.Time{})
	durationType   = reflect.TypeOf(time.Duration(0))
	unmarshalerTyp = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// kindOf classifies t after removing one pointer level
func kindOf(t reflect.Type) Kind {
	switch {
	case t == timeType:
		return KindTime
	case t == durationType:
		return KindDuration
	case reflect.PointerTo(t).Implements(unmarshalerTyp) && t.Kind() != reflect.Struct:
		return KindEnum
	}

	switch t.Kind() {
	case reflect.String:
		return KindString
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return KindInt32
	case reflect.Int64:
		return KindInt64
	case reflect.Int:
		return KindInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return KindUint
	case reflect.Float32, reflect.Float64:
		return KindFloat
	case reflect.Bool:
		return KindBool
	case reflect.Struct:
		return KindStruct
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindBytes
		}
		return KindList
	}
	return KindOther
}

// tagOptions is the parsed form of a `repo:"..."` tag
type tagOptions struct {
	caps    Capability
	options map[string]string
}

func parseRepoTag(tag string) (tagOptions, error) {
	opts := tagOptions{options: map[string]string{}}
	if tag == "" {
		return opts, nil
	}

	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if key, value, ok := strings.Cut(part, "="); ok {
			opts.options[strings.TrimSpace(key)] = strings.TrimSpace(value)
			continue
		}
		if part == "-" {
			opts.caps |= CapIgnore
			continue
		}
		c, ok := capabilityTags[part]
		if !ok {
			return opts, fmt.Errorf("unknown repo tag option %q", part)
		}
		opts.caps |= c
	}

	if _, ok := opts.options["kind"]; ok {
		opts.caps |= CapRelation
	}
	return opts, nil
}

func parseRelationKind(s string, many bool) (RelationKind, error) {
	switch s {
	case "":
		if many {
			return HasMany, nil
		}
		return BelongsTo, nil
	case "belongs_to":
		return BelongsTo, nil
	case "has_one":
		return HasOne, nil
	case "has_many":
		return HasMany, nil
	case "many2many", "many_to_many":
		return ManyToMany, nil
	default:
		return 0, fmt.Errorf("unknown relation kind %q", s)
	}
}
