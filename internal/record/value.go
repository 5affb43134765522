package record

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"unicode/utf16"
)

// Value is a sealed interface over the scalar kinds a form field may hold.
// Only String, Number and Bool implement it.
type Value interface {
	scalar() // Sealed

	// Text returns the value as it would be shown to a user.
	Text() string
}

// String is a text field value.
type String string

func (String) scalar() {}

// Text implements Value.
func (s String) Text() string { return string(s) }

// Number is a numeric field value stored as its decimal literal.
// Construct with NewNumber, NumberFromInt or NumberFromFloat.
type Number string

func (Number) scalar() {}

// Text implements Value.
func (n Number) Text() string { return string(n) }

// MarshalJSON emits the literal unquoted.
func (n Number) MarshalJSON() ([]byte, error) {
	if _, err := NewNumber(string(n)); err != nil {
		return nil, err
	}
	return []byte(n), nil
}

// Bool is a checkbox-style field value.
type Bool bool

func (Bool) scalar() {}

// Text implements Value.
func (b Bool) Text() string { return strconv.FormatBool(bool(b)) }

// NewNumber validates a decimal literal.
func NewNumber(lit string) (Number, error) {
	if !json.Valid([]byte(lit)) {
		return "", fmt.Errorf("invalid number literal %q", lit)
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return "", fmt.Errorf("invalid number literal %q: %w", lit, err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("number %q out of range", lit)
	}
	return Number(lit), nil
}

// NumberFromInt builds a Number from an integer.
func NumberFromInt(n int64) Number {
	return Number(strconv.FormatInt(n, 10))
}

// NumberFromFloat builds a Number from a finite float.
func NumberFromFloat(f float64) (Number, error) {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("number %v out of range", f)
	}
	return Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// ValueFromAny converts a Go scalar into a Value.
func ValueFromAny(v any) (Value, error) {
	switch val := v.(type) {
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case json.Number:
		return NewNumber(string(val))
	case int:
		return NumberFromInt(int64(val)), nil
	case int32:
		return NumberFromInt(int64(val)), nil
	case int64:
		return NumberFromInt(val), nil
	case uint:
		return Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint64:
		return Number(strconv.FormatUint(val, 10)), nil
	case float32:
		return NumberFromFloat(float64(val))
	case float64:
		return NumberFromFloat(val)
	case nil:
		return nil, fmt.Errorf("null is not a scalar value")
	default:
		return nil, fmt.Errorf("unsupported field value type %T", v)
	}
}

// ValueToAny converts a Value back to a plain Go scalar. Integral numbers
// become int64, others float64.
func ValueToAny(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Bool:
		return bool(val)
	case Number:
		if i, err := strconv.ParseInt(string(val), 10, 64); err == nil {
			return i
		}
		f, _ := strconv.ParseFloat(string(val), 64)
		return f
	default:
		return nil
	}
}

// EqualValues reports whether two values have the same kind and literal.
func EqualValues(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

// Data maps field names to scalar values. Use SortedKeys for deterministic
// iteration.
type Data map[string]Value

// DataFromMap converts a generic map (decoded JSON or YAML) into Data.
func DataFromMap(m map[string]any) (Data, error) {
	d := make(Data, len(m))
	for k, v := range m {
		val, err := ValueFromAny(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		d[k] = val
	}
	return d, nil
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
func (d Data) SortedKeys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// Clone returns a shallow copy; values are immutable scalars.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Equal reports whether both maps hold the same fields with equal values.
func (d Data) Equal(other Data) bool {
	if len(d) != len(other) {
		return false
	}
	for k, v := range d {
		ov, ok := other[k]
		if !ok || !EqualValues(v, ov) {
			return false
		}
	}
	return true
}

// ToMap converts Data to a plain map, e.g. for schema validation.
func (d Data) ToMap() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = ValueToAny(v)
	}
	return out
}

// UnmarshalJSON decodes a flat JSON object of scalars.
func (d *Data) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*d = make(Data, len(raw))
	for k, v := range raw {
		val, err := unmarshalValue(v)
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		(*d)[k] = val
	}
	return nil
}

// UnmarshalValue decodes a single JSON scalar.
func UnmarshalValue(data []byte) (Value, error) {
	return unmarshalValue(data)
}

func unmarshalValue(data []byte) (Value, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil
	case 'n':
		return nil, fmt.Errorf("null is not a scalar value")
	case '{', '[':
		return nil, fmt.Errorf("nested values are not allowed in step data")
	default:
		return NewNumber(string(data))
	}
}

// compareKeysRFC8785 orders strings by UTF-16 code units as RFC 8785
// requires. Go's native string comparison is UTF-8 and differs for
// characters outside the BMP.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}
