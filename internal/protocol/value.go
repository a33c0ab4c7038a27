package protocol

import (
	"encoding/json"
	"strconv"
)

// Value is a single task parameter: an arbitrary JSON value (null, bool,
// number, string, array, object) preserved byte-for-byte across the wire.
// Keeping the raw bytes avoids float64 round-tripping of large integers and
// lets EnvString render primitives without quoting artifacts.
type Value struct {
	raw json.RawMessage
}

// NewValue builds a Value from any JSON-marshalable Go value.
func NewValue(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}
	return Value{raw: raw}, nil
}

// MustValue is NewValue for literals in tests and seeds; panics on failure.
func MustValue(v any) Value {
	val, err := NewValue(v)
	if err != nil {
		panic(err)
	}
	return val
}

// MarshalJSON returns the raw bytes unchanged ("null" for the zero Value).
func (v Value) MarshalJSON() ([]byte, error) {
	if v.raw == nil {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON stores a copy of the raw bytes.
func (v *Value) UnmarshalJSON(data []byte) error {
	v.raw = append(json.RawMessage(nil), data...)
	return nil
}

// EnvString renders the value for injection into a subprocess environment.
// Strings are unquoted, booleans and numbers use their literal form, null is
// the empty string, and arrays/objects stay JSON-encoded.
func (v Value) EnvString() string {
	if v.raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err == nil {
		return s
	}
	var b bool
	if err := json.Unmarshal(v.raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	var f float64
	if err := json.Unmarshal(v.raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if string(v.raw) == "null" {
		return ""
	}
	return string(v.raw)
}

// ValueMap is a string-keyed map of dynamic values, the shape of a task's
// parameter block.
type ValueMap map[string]Value

// Merge returns a copy of m with overrides applied on top. Neither input is
// modified. A nil receiver with nil overrides yields nil.
func (m ValueMap) Merge(overrides ValueMap) ValueMap {
	if len(m) == 0 && len(overrides) == 0 {
		return nil
	}
	out := make(ValueMap, len(m)+len(overrides))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
