package kv

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the variants of Value.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindMap
)

// Value is the tagged union stored against every key: a String, a 64-bit
// signed Integer, or a Map of string to Value. It is the unit of storage and
// the unit of the wire protocol — its JSON form is the bare scalar or object,
// never a tagged envelope.
type Value struct {
	Kind Kind
	Str  string
	Int  int64
	Map  map[string]Value
}

func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Integer(i int64) Value { return Value{Kind: KindInteger, Int: i} }
func Map(m map[string]Value) Value {
	if m == nil {
		m = make(map[string]Value)
	}
	return Value{Kind: KindMap, Map: m}
}

// MarshalJSON renders the Value as the bare JSON scalar/object it represents,
// not as {"kind":...,"str":...}.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindInteger:
		return json.Marshal(v.Int)
	case KindMap:
		return json.Marshal(v.Map)
	default:
		return nil, fmt.Errorf("kv: unknown value kind %d", v.Kind)
	}
}

// UnmarshalJSON infers the Kind from the shape of the incoming JSON: a
// string, a JSON number (must be integral), or an object.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	val, err := fromInterface(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func fromInterface(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case string:
		return String(t), nil
	case float64:
		i := int64(t)
		if float64(i) != t {
			return Value{}, fmt.Errorf("kv: value %v is not a 64-bit integer", t)
		}
		return Integer(i), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, rv := range t {
			cv, err := fromInterface(rv)
			if err != nil {
				return Value{}, err
			}
			m[k] = cv
		}
		return Map(m), nil
	case nil:
		return Value{}, fmt.Errorf("kv: null is not a valid value")
	default:
		return Value{}, fmt.Errorf("kv: unsupported value type %T", raw)
	}
}

// Equal reports whether two values are structurally identical. Used by
// tests and by idempotent-retry comparisons.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == other.Str
	case KindInteger:
		return v.Int == other.Int
	case KindMap:
		if len(v.Map) != len(other.Map) {
			return false
		}
		for k, mv := range v.Map {
			ov, ok := other.Map[k]
			if !ok || !mv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}
