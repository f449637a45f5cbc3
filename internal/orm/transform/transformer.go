package transform

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/orm/schema"
	"github.com/conduit-lang/datalayer/internal/security"
	"github.com/conduit-lang/datalayer/internal/tz"
)

// DefaultPasswordMask replaces password values in transformed output
const DefaultPasswordMask = "***"

// DefaultDateLayouts are the inbound datetime layouts tried before falling
// back to generic parsing
var DefaultDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Options configures both directions of the conversion
type Options struct {
	// TimezoneHandling shifts datetime fields between UTC and the caller's offset
	TimezoneHandling bool
	// PasswordMask is emitted in place of password fields
	PasswordMask string
	// DateLayouts are tried, in order, when parsing inbound datetime strings
	DateLayouts []string
	// Hasher hashes inbound password values
	Hasher Hasher
	// Logger receives non-fatal conversion warnings
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.PasswordMask == "" {
		o.PasswordMask = DefaultPasswordMask
	}
	if len(o.DateLayouts) == 0 {
		o.DateLayouts = DefaultDateLayouts
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Hasher == nil {
		o.Hasher = security.BcryptHasher{}
	}
	return o
}

// Transformer converts entities into ordered maps keyed by camelCase names
type Transformer struct {
	registry *schema.Registry
	opts     Options
}

// NewTransformer creates a transformer backed by registry
func NewTransformer(registry *schema.Registry, opts Options) *Transformer {
	if registry == nil {
		registry = schema.Default()
	}
	return &Transformer{registry: registry, opts: opts.withDefaults()}
}

type visitKey struct {
	typ reflect.Type
	id  int64
	ptr uintptr
}

// Transform converts one entity. Each entity already expanded earlier in the
// same call is emitted with scalar fields only, so cyclic graphs terminate.
func (t *Transformer) Transform(entity interface{}, offset time.Duration) (*Map, error) {
	v := reflect.ValueOf(entity)
	if !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return nil, nil
	}
	return t.transform(v, offset, make(map[visitKey]bool))
}

// TransformCollection converts a slice of entities. Cycle tracking starts
// fresh for every element.
func (t *Transformer) TransformCollection(items interface{}, offset time.Duration) ([]*Map, error) {
	v := reflect.ValueOf(items)
	if !v.IsValid() {
		return []*Map{}, nil
	}
	if v.Kind() != reflect.Slice {
		return nil, fmt.Errorf("transform: expected a slice, got %s", v.Type())
	}

	out := make([]*Map, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		m, err := t.Transform(v.Index(i).Interface(), offset)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func keyOf(v reflect.Value) visitKey {
	key := visitKey{typ: v.Type()}
	if rec, ok := v.Addr().Interface().(schema.Entity); ok && rec.Record().ID != 0 {
		key.id = rec.Record().ID
		return key
	}
	key.ptr = v.Addr().Pointer()
	return key
}

func (t *Transformer) transform(v reflect.Value, offset time.Duration, visited map[visitKey]bool) (*Map, error) {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if !v.CanAddr() {
		cp := reflect.New(v.Type())
		cp.Elem().Set(v)
		v = cp.Elem()
	}

	s, err := t.registry.ForType(v.Type())
	if err != nil {
		return nil, err
	}

	key := keyOf(v)
	expand := !visited[key]
	visited[key] = true

	out := NewMap()
	for _, f := range s.Fields {
		if f.Caps.Has(schema.CapIgnore) {
			continue
		}
		fv := v.FieldByIndex(f.Index)

		if f.IsRelation() {
			if !expand {
				continue
			}
			if err := t.relation(out, f, fv, offset, visited); err != nil {
				return nil, err
			}
			continue
		}

		if isNil(fv) {
			out.Set(f.CamelName, nil)
			continue
		}

		switch {
		case f.Caps.Has(schema.CapPassword):
			out.Set(f.CamelName, t.opts.PasswordMask)
		case f.Caps.Has(schema.CapJSON):
			out.Set(f.CamelName, t.decodeJSON(s, f, fv))
		case f.Caps.Has(schema.CapSimpleJSON):
			if decoded, ok := decodeSimpleJSON(fv); ok {
				out.Set(f.CamelName, decoded)
			}
		case f.Name == "translations":
		default:
			out.Set(f.CamelName, t.scalar(f, fv, offset))
		}
	}
	return out, nil
}

func isNil(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}

func (t *Transformer) scalar(f *schema.Field, fv reflect.Value, offset time.Duration) interface{} {
	if fv.Kind() == reflect.Pointer {
		fv = fv.Elem()
	}
	if f.Kind == schema.KindTime {
		ts := fv.Interface().(time.Time)
		if t.opts.TimezoneHandling && !f.Caps.Has(schema.CapNoTimezone) {
			return ts.In(time.FixedZone(tz.Format(offset), int(offset/time.Second)))
		}
		return ts
	}
	return fv.Interface()
}

// decodeJSON emits a stored JSON text as a nested object, or as an array when
// the text is not an object
func (t *Transformer) decodeJSON(s *schema.EntitySchema, f *schema.Field, fv reflect.Value) interface{} {
	text := storedText(fv)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "'", `"`)

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return obj
	}
	var arr []interface{}
	if err := json.Unmarshal([]byte(text), &arr); err == nil {
		return arr
	}

	t.opts.Logger.Warn("stored json field is not valid JSON",
		zap.String("entity", s.Name),
		zap.String("field", f.Name))
	return text
}

func decodeSimpleJSON(fv reflect.Value) (interface{}, bool) {
	text := strings.ReplaceAll(storedText(fv), "'", `"`)
	var out interface{}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, false
	}
	return out, true
}

func storedText(fv reflect.Value) string {
	if fv.Kind() == reflect.Pointer {
		fv = fv.Elem()
	}
	if fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.Uint8 {
		return string(fv.Bytes())
	}
	return fmt.Sprint(fv.Interface())
}

func (t *Transformer) relation(out *Map, f *schema.Field, fv reflect.Value, offset time.Duration, visited map[visitKey]bool) error {
	if isNil(fv) {
		return nil
	}

	if !f.Relation.Many {
		if f.Name == "translations" {
			return nil
		}
		m, err := t.transform(fv, offset, visited)
		if err != nil {
			return err
		}
		if m != nil {
			out.Set(f.CamelName, m)
		}
		return nil
	}

	list := make([]*Map, 0, fv.Len())
	for i := 0; i < fv.Len(); i++ {
		m, err := t.transform(fv.Index(i), offset, visited)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		if f.Name == "translations" {
			if locale, ok := m.Get("locale"); ok && locale != nil {
				out.Set(fmt.Sprint(locale), m)
			}
			continue
		}
		list = append(list, m)
	}

	if f.Name != "translations" {
		out.Set(f.CamelName, list)
	}
	return nil
}
