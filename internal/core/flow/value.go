// Package flow provides value definitions for open-ended node properties
// and flow metadata.
package flow

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// Kind identifies the variant held by a Value
type Kind uint8

const (
	// KindNull is the zero Kind
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged variant used for properties and metadata.
// The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	obj  map[string]Value
	arr  []Value
}

// Null returns the null value
func Null() Value { return Value{} }

// String returns a string value
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool returns a boolean value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Object returns an object value. A nil map yields an empty object.
func Object(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindObject, obj: m}
}

// Array returns an array value
func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

// Kind reports the variant held by v
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string and whether v holds one
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber returns the number and whether v holds one
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsBool returns the boolean and whether v holds one
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsObject returns the object entries and whether v holds an object.
// The returned map is shared with v.
func (v Value) AsObject() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// AsArray returns the array items and whether v holds an array.
// The returned slice is shared with v.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// ValueOf converts a decoded native value into a Value. Every integer and
// float kind becomes a number.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t.Clone(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			val, err := ValueOf(item)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			obj[k] = val
		}
		return Object(obj), nil
	case map[any]any:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			key, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("object key %v is %T, want string", k, k)
			}
			val, err := ValueOf(item)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", key, err)
			}
			obj[key] = val
		}
		return Object(obj), nil
	case []any:
		arr := make([]Value, len(t))
		for i, item := range t {
			val, err := ValueOf(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = val
		}
		return Array(arr...), nil
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Number(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Number(float64(rv.Uint())), nil
	case reflect.Float32:
		return Number(rv.Float()), nil
	case reflect.Slice, reflect.Array:
		arr := make([]Value, rv.Len())
		for i := range arr {
			val, err := ValueOf(rv.Index(i).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = val
		}
		return Array(arr...), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// MustValueOf is ValueOf for literals known to be valid
func MustValueOf(x any) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

// Interface converts v to plain Go values (nil, string, float64, bool,
// map[string]any, []any)
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Interface()
		}
		return out
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// Clone returns a deep copy of v
func (v Value) Clone() Value {
	switch v.kind {
	case KindObject:
		obj := make(map[string]Value, len(v.obj))
		for k, item := range v.obj {
			obj[k] = item.Clone()
		}
		return Value{kind: KindObject, obj: obj}
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i, item := range v.arr {
			arr[i] = item.Clone()
		}
		return Value{kind: KindArray, arr: arr}
	default:
		return v
	}
}

// Equal reports deep equality. NaN numbers are equal to each other.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num || (math.IsNaN(v.num) && math.IsNaN(o.num))
	case KindBool:
		return v.b == o.b
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, item := range v.obj {
			other, ok := o.obj[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v as compact JSON
func (v Value) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(data)
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	val, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// ValuesOf converts a native map into a Value map
func ValuesOf(m map[string]any) (map[string]Value, error) {
	out := make(map[string]Value, len(m))
	for k, item := range m {
		val, err := ValueOf(item)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

// NativeValues converts a Value map into plain Go values
func NativeValues(m map[string]Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, item := range m {
		out[k] = item.Interface()
	}
	return out
}

func cloneValues(m map[string]Value) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, item := range m {
		out[k] = item.Clone()
	}
	return out
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
