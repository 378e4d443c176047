package store

import (
	"encoding/json"
	"sort"
	"strings"
)

// Attrs is a set of named scalar values (strings, integers, booleans) used
// both as cache keys and as cached metadata. JSON decoding turns integers
// into float64; the accessors below absorb that.
type Attrs map[string]interface{}

// GetStr returns the string value for name.
func (a Attrs) GetStr(name string) (string, bool) {
	v, ok := a[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt returns the integer value for name.
func (a Attrs) GetInt(name string) (uint64, bool) {
	switch v := a[name].(type) {
	case uint64:
		return v, true
	case int64:
		return uint64(v), true
	case int:
		return uint64(v), true
	case float64:
		return uint64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

// GetBool returns the boolean value for name.
func (a Attrs) GetBool(name string) (bool, bool) {
	v, ok := a[name].(bool)
	return v, ok
}

// Clone returns a shallow copy of the attribute set.
func (a Attrs) Clone() Attrs {
	clone := make(Attrs, len(a))
	for k, v := range a {
		clone[k] = v
	}
	return clone
}

// CanonicalKey renders the attribute set as a deterministic string usable as
// a map key: keys sorted, values JSON-encoded. Integer values are rendered
// without a fractional part so that an attribute set survives a JSON
// round-trip with its key intact.
func (a Attrs) CanonicalKey() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		switch v := a[k].(type) {
		case float64:
			if v == float64(uint64(v)) {
				enc, _ := json.Marshal(uint64(v))
				b.Write(enc)
				break
			}
			enc, _ := json.Marshal(v)
			b.Write(enc)
		default:
			enc, _ := json.Marshal(v)
			b.Write(enc)
		}
	}
	return b.String()
}
