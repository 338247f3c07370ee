// Package reading defines the canonical record every sensor source
// produces and the normalizer that turns line-oriented "key: value"
// status text into one.
//
// A [Reading] is an ordered mapping from field name to [Value]. Field
// order is preserved for JSON output so payloads are stable across
// polls; equality ignores order, so two readings with the same fields
// and values are the same reading regardless of how they were built.
package reading

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the dynamic type held by a [Value].
type Kind uint8

// Value kinds.
const (
	KindString Kind = iota
	KindFloat
	KindInt
)

// Value is a single typed field value. Values are comparable with ==.
type Value struct {
	kind Kind
	str  string
	num  float64
	i    int64
}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Float returns a floating-point value.
func Float(f float64) Value { return Value{kind: KindFloat, num: f} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Kind reports the value's dynamic type.
func (v Value) Kind() Kind { return v.kind }

// Float64 returns the value as a float and whether it is numeric. String
// values that parse as numbers count as numeric.
func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.num, true
	case KindInt:
		return float64(v.i), true
	default:
		f, err := strconv.ParseFloat(v.str, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
}

// String renders the value for logs and text output.
func (v Value) String() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	default:
		return v.str
	}
}

// MarshalJSON encodes strings as JSON strings and numbers as JSON numbers.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindFloat:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("reading: unsupported float value %v", v.num)
		}
		return []byte(strconv.FormatFloat(v.num, 'f', -1, 64)), nil
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	default:
		return json.Marshal(v.str)
	}
}

// Reading is the canonical normalized record of one sensor poll. The
// zero value is an empty reading ready to use.
type Reading struct {
	keys   []string
	values map[string]Value
}

// Field is one name/value pair, used to build readings literally.
type Field struct {
	Name  string
	Value Value
}

// New builds a reading from fields in order. A repeated name overwrites
// the earlier value but keeps its original position.
func New(fields ...Field) Reading {
	var r Reading
	for _, f := range fields {
		r.Set(f.Name, f.Value)
	}
	return r
}

// Error builds the error-object reading {"error": msg}.
func Error(msg string) Reading {
	return New(Field{Name: "error", Value: String(msg)})
}

// Set stores v under name, appending name if it is new.
func (r *Reading) Set(name string, v Value) {
	if r.values == nil {
		r.values = make(map[string]Value)
	}
	if _, ok := r.values[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.values[name] = v
}

// Get returns the value stored under name.
func (r Reading) Get(name string) (Value, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Len returns the number of fields.
func (r Reading) Len() int { return len(r.keys) }

// Keys returns the field names in insertion order.
func (r Reading) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Fields returns the name/value pairs in insertion order.
func (r Reading) Fields() []Field {
	out := make([]Field, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, Field{Name: k, Value: r.values[k]})
	}
	return out
}

// Equal reports whether r and other hold the same field names with the
// same values. Field order is not significant.
func (r Reading) Equal(other Reading) bool {
	if len(r.keys) != len(other.keys) {
		return false
	}
	for k, v := range r.values {
		ov, ok := other.values[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of r.
func (r Reading) Clone() Reading {
	var c Reading
	for _, k := range r.keys {
		c.Set(k, r.values[k])
	}
	return c
}

// MarshalJSON encodes the reading as a JSON object in field order.
func (r Reading) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		val, err := r.values[k].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat JSON object, preserving key order.
// Integral numbers become [KindInt], other numbers [KindFloat], strings
// [KindString]. Nested values are rejected.
func (r *Reading) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("reading: expected JSON object")
	}

	*r = Reading{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("reading: expected field name, got %v", tok)
		}

		tok, err = dec.Token()
		if err != nil {
			return err
		}
		switch v := tok.(type) {
		case string:
			r.Set(name, String(v))
		case json.Number:
			if i, err := v.Int64(); err == nil {
				r.Set(name, Int(i))
			} else if f, err := v.Float64(); err == nil {
				r.Set(name, Float(f))
			} else {
				return fmt.Errorf("reading: field %s: %w", name, err)
			}
		default:
			return fmt.Errorf("reading: field %s: unsupported value %v", name, tok)
		}
	}

	_, err = dec.Token()
	return err
}
