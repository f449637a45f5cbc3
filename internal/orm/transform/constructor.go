package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/orm/schema"
	"github.com/conduit-lang/datalayer/internal/tz"
)

// ErrConstruct wraps every failure to build an entity from inbound data
var ErrConstruct = errors.New("cannot construct entity")

// RelationsKey carries pending relation IDs keyed by relation name
const RelationsKey = "relations"

// Constructor populates entities from decoded key/value payloads
type Constructor struct {
	registry *schema.Registry
	opts     Options
}

// NewConstructor creates a constructor backed by registry
func NewConstructor(registry *schema.Registry, opts Options) *Constructor {
	if registry == nil {
		registry = schema.Default()
	}
	return &Constructor{registry: registry, opts: opts.withDefaults()}
}

// Construct fills target, a pointer to an entity, from data. offset is the
// caller's timezone used to normalize datetime values to UTC.
func (c *Constructor) Construct(data map[string]interface{}, target interface{}, offset time.Duration) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("%w: target must be a non-nil pointer, got %T", ErrConstruct, target)
	}
	s, err := c.registry.ForType(v.Type())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConstruct, err)
	}
	return c.construct(data, s, v, offset)
}

// Fields returns the fields of s addressed by the keys of data, in key order
func (c *Constructor) Fields(data map[string]interface{}, s *schema.EntitySchema) []*schema.Field {
	var out []*schema.Field
	seen := map[string]bool{}
	for _, key := range sortedKeys(data) {
		f, ok := s.Field(key)
		if !ok || seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		out = append(out, f)
	}
	return out
}

func sortedKeys(data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Constructor) construct(data map[string]interface{}, s *schema.EntitySchema, ptr reflect.Value, offset time.Duration) error {
	entity, _ := ptr.Interface().(schema.Entity)

	for _, key := range sortedKeys(data) {
		value := data[key]

		f, ok := s.Field(key)
		if !ok {
			if key == RelationsKey && entity != nil {
				c.collectRelations(s, entity.Record(), value)
			}
			continue
		}

		fv := schema.FieldValue(ptr, f)

		if str, isStr := value.(string); isStr && str == "" {
			if !f.IsRelation() {
				fv.Set(reflect.Zero(fv.Type()))
			}
			continue
		}

		if value == nil && !f.IsRelation() {
			fv.Set(reflect.Zero(fv.Type()))
			continue
		}

		if f.IsRelation() {
			if entity != nil {
				c.relation(entity.Record(), f, fv, key, value)
			}
			continue
		}

		if nested, isMap := value.(map[string]interface{}); isMap && f.Kind != schema.KindList && !f.Caps.Any(schema.CapJSON|schema.CapSimpleJSON) {
			if err := c.nested(nested, f, fv, offset); err != nil {
				return err
			}
			continue
		}

		var err error
		switch {
		case f.Caps.Has(schema.CapPassword):
			err = c.password(f, fv, value)
		case f.Caps.Any(schema.CapJSON | schema.CapSimpleJSON):
			err = c.embedded(f, fv, value)
		default:
			err = c.scalar(s, f, fv, value, offset)
		}
		if err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrConstruct, f.Name, err)
		}
	}
	return nil
}

// nested builds a struct field from a nested payload object
func (c *Constructor) nested(data map[string]interface{}, f *schema.Field, fv reflect.Value, offset time.Duration) error {
	t := fv.Type()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if _, err := c.registry.ForType(t); err != nil {
		if err := schema.Assign(fv, data); err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrConstruct, f.Name, err)
		}
		return nil
	}

	ptr := reflect.New(t)
	s, _ := c.registry.ForType(t)
	if err := c.construct(data, s, ptr, offset); err != nil {
		return err
	}
	if fv.Kind() == reflect.Pointer {
		fv.Set(ptr)
	} else {
		fv.Set(ptr.Elem())
	}
	return nil
}

func (c *Constructor) password(f *schema.Field, fv reflect.Value, value interface{}) error {
	plain, err := cast.ToStringE(value)
	if err != nil {
		return err
	}
	if plain == c.opts.PasswordMask {
		return nil
	}
	hashed, err := c.opts.Hasher.Hash(plain)
	if err != nil {
		return err
	}
	return schema.Assign(fv, hashed)
}

var lineBreaks = strings.NewReplacer("\r\n", "", "\n", "", "\r", "")

// embedded stores a JSON payload as flattened text with single quotes
func (c *Constructor) embedded(f *schema.Field, fv reflect.Value, value interface{}) error {
	text, isStr := value.(string)
	if !isStr {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		text = string(raw)
	}
	text = strings.ReplaceAll(lineBreaks.Replace(text), `"`, "'")
	return schema.Assign(fv, text)
}

func (c *Constructor) scalar(s *schema.EntitySchema, f *schema.Field, fv reflect.Value, value interface{}, offset time.Duration) error {
	switch f.Kind {
	case schema.KindString:
		if str, ok := value.(string); ok {
			return schema.Assign(fv, str)
		}
		return schema.Assign(fv, cast.ToString(value))

	case schema.KindEnum:
		return assignEnum(fv, value)

	case schema.KindTime:
		ts, err := c.parseTime(value)
		if err != nil {
			return err
		}
		switch {
		case c.opts.TimezoneHandling && !f.IsSystemTimestamp() && !f.Caps.Has(schema.CapNoTimezone):
			ts = tz.ToUTC(ts, offset)
		default:
			ts = ts.UTC()
		}
		return schema.Assign(fv, ts)

	case schema.KindDuration:
		d, err := parseDuration(value)
		if err != nil {
			c.opts.Logger.Warn("invalid duration value ignored",
				zap.String("entity", s.Name),
				zap.String("field", f.Name),
				zap.Any("value", value),
				zap.Error(err))
			return nil
		}
		return schema.Assign(fv, d)
	}

	return schema.Assign(fv, value)
}

func (c *Constructor) parseTime(value interface{}) (time.Time, error) {
	switch t := value.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		return *t, nil
	case string:
		for _, layout := range c.opts.DateLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
		return cast.ToTimeE(t)
	}
	return cast.ToTimeE(value)
}

// parseDuration accepts Go duration strings, "hh:mm[:ss]" clock strings and
// nanosecond counts
func parseDuration(value interface{}) (time.Duration, error) {
	str, ok := value.(string)
	if !ok {
		return cast.ToDurationE(value)
	}
	if d, err := time.ParseDuration(str); err == nil {
		return d, nil
	}

	parts := strings.Split(str, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid duration %q", str)
	}
	var total time.Duration
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	for i, p := range parts {
		n, err := strconv.ParseFloat(p, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", str)
		}
		total += time.Duration(n * float64(units[i]))
	}
	return total, nil
}

func assignEnum(fv reflect.Value, value interface{}) error {
	target := fv
	if target.Kind() == reflect.Pointer {
		elem := reflect.New(target.Type().Elem())
		if err := assignEnum(elem.Elem(), value); err != nil {
			return err
		}
		target.Set(elem)
		return nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Type().AssignableTo(target.Type()) {
			target.Set(rv)
			return nil
		}
		switch target.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			target.SetInt(cast.ToInt64(value))
			return nil
		}
	}
	return schema.Assign(target, value)
}

// relation collects referenced IDs for synchronization. Typed lists sent
// under a snake_case key are also decoded onto the field.
func (c *Constructor) relation(rec *schema.Base, f *schema.Field, fv reflect.Value, key string, value interface{}) {
	rec.AddPending(f.Name, idsOf(value)...)

	if strings.Contains(key, "_") && f.Relation.Many {
		if list, ok := value.([]interface{}); ok && len(list) > 0 {
			if _, isObj := list[0].(map[string]interface{}); isObj {
				if err := schema.Assign(fv, list); err != nil {
					c.opts.Logger.Warn("typed relation list not assigned",
						zap.String("field", f.Name),
						zap.Error(err))
				}
			}
		}
	}
}

func (c *Constructor) collectRelations(s *schema.EntitySchema, rec *schema.Base, value interface{}) {
	rels, ok := value.(map[string]interface{})
	if !ok {
		return
	}
	for _, name := range sortedKeys(rels) {
		f, ok := s.Relation(name)
		if !ok {
			continue
		}
		rec.AddPending(f.Name, idsOf(rels[name])...)
	}
}

// idsOf extracts IDs from a number, a numeric string, an object with an id
// member, or a list of any of those
func idsOf(value interface{}) []int64 {
	switch v := value.(type) {
	case nil:
		return nil
	case []interface{}:
		ids := make([]int64, 0, len(v))
		for _, item := range v {
			ids = append(ids, idsOf(item)...)
		}
		return ids
	case map[string]interface{}:
		if id, ok := v["id"]; ok {
			return idsOf(id)
		}
		return nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice {
		ids := make([]int64, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ids = append(ids, idsOf(rv.Index(i).Interface())...)
		}
		return ids
	}

	id, err := cast.ToInt64E(value)
	if err != nil || id == 0 {
		return nil
	}
	return []int64{id}
}
