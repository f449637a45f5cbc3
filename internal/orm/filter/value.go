// Package filter compiles loosely typed filter trees into query predicates.
//
// A filter arrives as JSON text. Each top-level key either names an entity
// field or is one of the reserved keys (search, order, field, date,
// withTrashed, onlyTrashed, withoutDefaultInclude). Field entries are either
// a bare value or an object:
//
//	{"name": "Acme"}
//	{"age": {"value": "[1,2,3]"}}
//	{"name": {"operator": "contains", "value": "ac"}}
//	{"score": {"operator": "between", "from": 1, "to": 5}}
//	{"date": {"field": "created_at", "type": "lastMonth"}}
//	{"order": {"field": "name", "way": "desc"}}
//
// Compilation is best effort: malformed fragments are dropped one field at a
// time and never fail the request.
package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Kind tags the variant held by a Value
type Kind int

const (
	KindNull Kind = iota
	KindScalar
	KindList
	KindObject
)

// Value is a decoded JSON node that keeps object key order
type Value struct {
	kind   Kind
	scalar interface{}
	list   []Value
	keys   []string
	fields map[string]Value
	raw    json.RawMessage
}

// Decode parses JSON text into a Value
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("filter: trailing data after JSON value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			v := Value{kind: KindObject, fields: map[string]Value{}}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("filter: object key is %T", keyTok)
				}
				child, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				if _, dup := v.fields[key]; !dup {
					v.keys = append(v.keys, key)
				}
				v.fields[key] = child
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return v.withRaw(), nil
		case '[':
			v := Value{kind: KindList, list: []Value{}}
			for dec.More() {
				child, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				v.list = append(v.list, child)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return v.withRaw(), nil
		}
		return Value{}, fmt.Errorf("filter: unexpected delimiter %v", t)
	case nil:
		return Value{kind: KindNull}, nil
	default:
		return Value{kind: KindScalar, scalar: t}, nil
	}
}

func (v Value) withRaw() Value {
	raw, err := json.Marshal(v)
	if err == nil {
		v.raw = raw
	}
	return v
}

// Kind returns the variant tag
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is JSON null or missing
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsObject reports whether the value is a JSON object
func (v Value) IsObject() bool { return v.kind == KindObject }

// IsList reports whether the value is a JSON array
func (v Value) IsList() bool { return v.kind == KindList }

// Keys returns object keys in document order
func (v Value) Keys() []string { return v.keys }

// List returns the elements of an array
func (v Value) List() []Value { return v.list }

// Get returns the member named key of an object
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	child, ok := v.fields[key]
	return child, ok
}

// Has reports whether an object has key, regardless of its value
func (v Value) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Scalar returns the raw scalar (string, json.Number or bool)
func (v Value) Scalar() interface{} { return v.scalar }

// Text renders the value the way a filter reads it: strings without quotes,
// numbers and booleans as literals, arrays and objects as compact JSON and
// null as the empty string.
func (v Value) Text() string {
	switch v.kind {
	case KindScalar:
		switch s := v.scalar.(type) {
		case string:
			return s
		case json.Number:
			return s.String()
		default:
			return fmt.Sprint(s)
		}
	case KindList, KindObject:
		return string(v.raw)
	}
	return ""
}

// Interface converts the value into plain Go values
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindScalar:
		return v.scalar
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.keys))
		for _, k := range v.keys {
			out[k] = v.fields[k].Interface()
		}
		return out
	}
	return nil
}

// MarshalJSON encodes the value, keeping object key order
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindScalar:
		return json.Marshal(v.scalar)
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := e.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindObject:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			b, err := v.fields[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return []byte("null"), nil
}

// looksLikeArray reports whether text is a JSON array literal
func looksLikeArray(text string) bool {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "[") || !strings.HasSuffix(text, "]") {
		return false
	}
	return json.Valid([]byte(text))
}
