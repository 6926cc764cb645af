package domain

import (
	"math"

	"github.com/mitchellh/copystructure"
)

// Kind classifies an attribute value for encoding.
type Kind int

const (
	KindScalar Kind = iota
	KindObject
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindSequence:
		return "sequence"
	default:
		return "scalar"
	}
}

// KindOf reports which of the three value kinds v is.
func KindOf(v any) Kind {
	switch v.(type) {
	case *Object:
		return KindObject
	case []any:
		return KindSequence
	default:
		return KindScalar
	}
}

// CopyValue deep-copies an attribute value. Nested objects are cloned.
func CopyValue(v any) any {
	switch t := v.(type) {
	case *Object:
		if t == nil {
			return (*Object)(nil)
		}
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CopyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]any:
		cp, err := copystructure.Copy(t)
		if err != nil {
			// maps hold literal values only, which always copy
			panic(err)
		}
		return cp
	default:
		return v
	}
}

// Equal compares two objects on their persisted, visible attributes:
// transient and hidden items are ignored.
func Equal(a, b *Object) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ClassName() != b.ClassName() || a.Category() != b.Category() {
		return false
	}
	schema := a.Schema()
	for _, name := range schema.Names() {
		it, _ := schema.Item(name)
		if it.Transient || it.Hidden {
			continue
		}
		if !valuesEqual(a.values[name], b.values[name]) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two attribute values the way Equal does. Numbers
// compare by value whatever their Go type.
func ValuesEqual(x, y any) bool { return valuesEqual(x, y) }

func valuesEqual(x, y any) bool {
	x, y = normalizeScalar(x), normalizeScalar(y)
	switch xv := x.(type) {
	case *Object:
		yv, ok := y.(*Object)
		return ok && Equal(xv, yv)
	case []any:
		yv, ok := y.([]any)
		if !ok || len(xv) != len(yv) {
			return false
		}
		for i := range xv {
			if !valuesEqual(xv[i], yv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		yv, ok := y.(map[string]any)
		if !ok || len(xv) != len(yv) {
			return false
		}
		for k, e := range xv {
			other, ok := yv[k]
			if !ok || !valuesEqual(e, other) {
				return false
			}
		}
		return true
	}
	if xf, ok := asFloat(x); ok {
		yf, ok := asFloat(y)
		return ok && (xf == yf || (math.IsNaN(xf) && math.IsNaN(yf)))
	}
	return x == y
}

func asFloat(v any) (float64, bool) {
	switch t := normalizeScalar(v).(type) {
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
