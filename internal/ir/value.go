package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface for response and payload values.
// Only Null, String, Int, Bool, List and Record implement it.
type Value interface {
	value()
}

// Null is an unset response.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// String is a string or identifier value.
type String string

func (String) value() {}

// Int is an integer value.
type Int int64

func (Int) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// List is a multiple or ordered cardinality value.
type List []Value

func (List) value() {}

// Record is a keyed value. Use SortedKeys for deterministic iteration.
type Record map[string]Value

func (Record) value() {}

// Strings builds a List of String values.
func Strings(vals ...string) List {
	out := make(List, len(vals))
	for i, v := range vals {
		out[i] = String(v)
	}
	return out
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
func (r Record) SortedKeys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}

// MarshalJSON writes the record with sorted keys.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := MarshalValue(r[k])
		if err != nil {
			return nil, fmt.Errorf("record[%q]: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON writes the list elements in order.
func (l List) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := MarshalValue(elem)
		if err != nil {
			return nil, fmt.Errorf("list[%d]: %w", i, err)
		}
		buf.Write(eb)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler, rejecting floats.
func (r *Record) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}
	v, err := DecodeValue(data)
	if err != nil {
		return err
	}
	rec, ok := v.(Record)
	if !ok {
		return fmt.Errorf("expected object, got %T", v)
	}
	*r = rec
	return nil
}

// UnmarshalJSON implements json.Unmarshaler, rejecting floats.
func (l *List) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}
	v, err := DecodeValue(data)
	if err != nil {
		return err
	}
	list, ok := v.(List)
	if !ok {
		return fmt.Errorf("expected array, got %T", v)
	}
	*l = list
	return nil
}

// MarshalValue serializes a Value to JSON. A nil Value encodes as null.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case List:
		return val.MarshalJSON()
	case Record:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown value type: %T", v)
	}
}

// DecodeValue parses JSON into a Value. Floats are rejected; null becomes Null.
func DecodeValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}

// FromAny converts decoded JSON, YAML or Go literals into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		return Int(int64(val)), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not allowed: %s (send decimals as strings)", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are not allowed: %v (send decimals as strings)", val)
	case []any:
		out := make(List, len(val))
		for i, elem := range val {
			ev, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	case []string:
		return Strings(val...), nil
	case map[string]any:
		out := make(Record, len(val))
		for k, elem := range val {
			ev, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = ev
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// RecordFromMap converts a generic map (for example decoded YAML) into a Record.
func RecordFromMap(m map[string]any) (Record, error) {
	if m == nil {
		return Record{}, nil
	}
	v, err := FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.(Record), nil
}

// ToAny converts a Value back to plain Go values (for golden snapshots and CLI output).
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case Record:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}

// Equal reports whether two values are identical after canonicalization.
// A nil Value equals Null.
func Equal(a, b Value) bool {
	ab, errA := MarshalCanonical(a)
	bb, errB := MarshalCanonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// IsNull reports whether v carries no response.
func IsNull(v Value) bool {
	switch val := v.(type) {
	case nil, Null:
		return true
	case List:
		return len(val) == 0
	case String:
		return val == ""
	default:
		return false
	}
}
