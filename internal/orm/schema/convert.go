package schema

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cast"
)

var marshalerTyp = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()

// Assign stores v into dst, converting between driver values, decoded JSON
// values and the field's Go type. A nil v stores the zero value.
func Assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	src := reflect.ValueOf(v)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}

	if dst.Kind() == reflect.Pointer {
		if src.Kind() == reflect.Pointer {
			if src.IsNil() {
				dst.Set(reflect.Zero(dst.Type()))
				return nil
			}
			v = src.Elem().Interface()
		}
		elem := reflect.New(dst.Type().Elem())
		if err := Assign(elem.Elem(), v); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}
	if src.Kind() == reflect.Pointer {
		if src.IsNil() {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		return Assign(dst, src.Elem().Interface())
	}

	if b, ok := v.([]byte); ok && dst.Kind() != reflect.Slice {
		v = string(b)
	}

	switch dst.Type() {
	case timeType:
		t, err := cast.ToTimeE(v)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	case durationType:
		d, err := cast.ToDurationE(v)
		if err != nil {
			return err
		}
		dst.SetInt(int64(d))
		return nil
	}

	if dst.CanAddr() && dst.Addr().Type().Implements(unmarshalerTyp) {
		text, err := cast.ToStringE(v)
		if err != nil {
			return err
		}
		return dst.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(text))
	}

	switch dst.Kind() {
	case reflect.String:
		s, err := cast.ToStringE(v)
		if err != nil {
			return err
		}
		dst.SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := cast.ToInt64E(v)
		if err != nil {
			return err
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := cast.ToUint64E(v)
		if err != nil {
			return err
		}
		dst.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := cast.ToFloat64E(v)
		if err != nil {
			return err
		}
		dst.SetFloat(n)
	case reflect.Bool:
		b, err := cast.ToBoolE(v)
		if err != nil {
			return err
		}
		dst.SetBool(b)
	default:
		// Lists, maps and structs go through JSON so decoded payloads and
		// stored text both land in the declared type.
		var raw []byte
		if s, ok := v.(string); ok {
			raw = []byte(s)
		} else {
			var err error
			if raw, err = json.Marshal(v); err != nil {
				return err
			}
		}
		target := reflect.New(dst.Type())
		if err := json.Unmarshal(raw, target.Interface()); err != nil {
			return fmt.Errorf("cannot convert %T to %s: %w", v, dst.Type(), err)
		}
		dst.Set(target.Elem())
	}
	return nil
}

// ColumnValue converts a field value to the value handed to the driver
func ColumnValue(v reflect.Value) (any, error) {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}

	switch v.Type() {
	case timeType:
		return v.Interface().(time.Time).UTC(), nil
	case durationType:
		return v.Int(), nil
	}
	if v.Type().Implements(marshalerTyp) {
		text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return nil, err
		}
		return string(text), nil
	}

	switch v.Kind() {
	case reflect.String:
		return v.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes(), nil
		}
	}

	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// FieldValue returns the addressable value of f inside the entity pointed to by ptr
func FieldValue(ptr reflect.Value, f *Field) reflect.Value {
	return reflect.Indirect(ptr).FieldByIndex(f.Index)
}
