// Package transform converts entities to ordered key/value maps and back.
package transform

import (
	"bytes"
	"encoding/json"
)

// Map is an insertion-ordered string keyed map. Values are scalars, nested
// *Map values for single relations or []*Map for collections.
type Map struct {
	keys   []string
	values map[string]interface{}
}

// NewMap creates an empty map
func NewMap() *Map {
	return &Map{values: make(map[string]interface{})}
}

// Set stores value under key, keeping the original position of existing keys
func (m *Map) Set(key string, value interface{}) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value stored under key
func (m *Map) Get(key string) (interface{}, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present
func (m *Map) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Delete removes key
func (m *Map) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns keys in insertion order
func (m *Map) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Len returns the number of entries
func (m *Map) Len() int {
	return len(m.keys)
}

// ToMap converts the map and every nested map into plain Go maps
func (m *Map) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(m.keys))
	for _, k := range m.keys {
		out[k] = plain(m.values[k])
	}
	return out
}

func plain(v interface{}) interface{} {
	switch t := v.(type) {
	case *Map:
		return t.ToMap()
	case []*Map:
		list := make([]interface{}, len(t))
		for i, e := range t {
			list[i] = e.ToMap()
		}
		return list
	}
	return v
}

// MarshalJSON encodes the map with keys in insertion order
func (m *Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
