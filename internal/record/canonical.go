package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON.
// This is the only serialization used for digests.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units
//  2. No HTML escaping
//  3. Strings are NFC normalized
//  4. null is rejected
//  5. Timestamps are UTC RFC 3339 with nanoseconds
func MarshalCanonical(v any) ([]byte, error) {
	return marshalCanonical(v)
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	case String:
		return marshalCanonicalString(string(val))
	case Number:
		if _, err := NewNumber(string(val)); err != nil {
			return nil, err
		}
		return []byte(val), nil
	case Bool:
		return []byte(strconv.FormatBool(bool(val))), nil
	case Data:
		obj := make(map[string]any, len(val))
		for k, elem := range val {
			if elem == nil {
				return nil, fmt.Errorf("field %q: null is forbidden", k)
			}
			obj[k] = elem
		}
		return marshalCanonicalObject(obj)
	case string:
		return marshalCanonicalString(val)
	case int:
		return []byte(strconv.Itoa(val)), nil
	case int64:
		return []byte(strconv.FormatInt(val, 10)), nil
	case bool:
		return []byte(strconv.FormatBool(val)), nil
	case time.Time:
		return marshalCanonicalString(val.UTC().Format(time.RFC3339Nano))
	case []any:
		return marshalCanonicalArray(val)
	case map[string]any:
		return marshalCanonicalObject(val)
	case StepRecord:
		return marshalCanonical(val.canonical())
	case []StepRecord:
		arr := make([]any, len(val))
		for i, r := range val {
			arr[i] = r.canonical()
		}
		return marshalCanonicalArray(arr)
	case Resolution:
		c, err := val.canonical()
		if err != nil {
			return nil, err
		}
		return marshalCanonical(c)
	case ResolutionMap:
		c, err := val.canonical()
		if err != nil {
			return nil, err
		}
		return marshalCanonicalObject(c)
	case ConflictDescriptor:
		return marshalCanonical(val.canonical())
	case SyncRequest:
		c, err := val.canonical()
		if err != nil {
			return nil, err
		}
		return marshalCanonicalObject(c)
	case float32, float64:
		return nil, fmt.Errorf("raw floats are forbidden in canonical JSON, use Number: %v", val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func (r StepRecord) canonical() map[string]any {
	data := r.Data
	if data == nil {
		data = Data{}
	}
	return map[string]any{
		"step":           r.Step,
		"data":           data,
		"schema_version": r.SchemaVersion,
		"updated_at":     r.UpdatedAt,
	}
}

func (r Resolution) canonical() (any, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Mode != ModeMerge {
		return string(r.Mode), nil
	}
	fields := make(map[string]any, len(r.Fields))
	for k, side := range r.Fields {
		fields[k] = string(side)
	}
	return map[string]any{"mode": string(ModeMerge), "fields": fields}, nil
}

func (m ResolutionMap) canonical() (map[string]any, error) {
	out := make(map[string]any, len(m))
	for step, res := range m {
		c, err := res.canonical()
		if err != nil {
			return nil, fmt.Errorf("resolution for step %d: %w", step, err)
		}
		out[strconv.Itoa(step)] = c
	}
	return out, nil
}

func (c ConflictDescriptor) canonical() any {
	if c.WholeRecord() {
		return c.Step
	}
	fields := make([]any, len(c.Fields))
	for i, f := range c.Fields {
		m := map[string]any{"name": f.Name}
		if f.Server != nil {
			m["server"] = f.Server
		}
		if f.Client != nil {
			m["client"] = f.Client
		}
		fields[i] = m
	}
	return map[string]any{"step": c.Step, "fields": fields}
}

func (r SyncRequest) canonical() (map[string]any, error) {
	steps := make([]any, len(r.Steps))
	for i, s := range r.Steps {
		steps[i] = s.canonical()
	}
	out := map[string]any{"steps": steps}
	if len(r.Resolution) > 0 {
		res, err := r.Resolution.canonical()
		if err != nil {
			return nil, err
		}
		out["resolution"] = res
	}
	return out, nil
}

// marshalCanonicalString produces a canonical JSON string: NFC normalized,
// no HTML escaping, U+2028/U+2029 left literal.
func marshalCanonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	result := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return unescapeLineSeparators(result), nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes emitted by
// encoding/json back into literal characters. An escape preceded by an odd
// number of backslashes is literal text and is left alone.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+5 < len(data) && data[i+1] == 'u' &&
			data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
			(data[i+5] == '8' || data[i+5] == '9') {
			slashes := 0
			for j := len(out) - 1; j >= 0 && out[j] == '\\'; j-- {
				slashes++
			}
			if slashes%2 == 0 {
				if data[i+5] == '8' {
					out = append(out, "\u2028"...)
				} else {
					out = append(out, "\u2029"...)
				}
				i += 5
				continue
			}
		}
		out = append(out, data[i])
	}
	return out
}

func marshalCanonicalArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := marshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalCanonicalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalCanonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')

		vb, err := marshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
