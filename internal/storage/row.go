package storage

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Row is a set of named column values. Supported values are int64, float64,
// string and bool; other integer widths are normalised to int64 by Clone.
// Unsigned values above math.MaxInt64 saturate at math.MaxInt64.
//
// Rows handed to the engine are copied, and rows handed back are copies, so a
// stored row is never mutated in place.
type Row map[string]any

// Clone returns a deep copy of the row with integer values normalised.
// Cloning a nil row returns nil.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for col, v := range r {
		out[col] = normalize(v)
	}
	return out
}

// Int returns the column as an int64.
func (r Row) Int(col string) (int64, bool) {
	v, ok := normalize(r[col]).(int64)
	return v, ok
}

// MustInt returns the column as an int64, or zero when it is missing or of
// another type.
func (r Row) MustInt(col string) int64 {
	v, _ := r.Int(col)
	return v
}

// Text returns the column as a string.
func (r Row) Text(col string) (string, bool) {
	v, ok := r[col].(string)
	return v, ok
}

// Bool returns the column as a bool.
func (r Row) Bool(col string) (bool, bool) {
	v, ok := r[col].(bool)
	return v, ok
}

// With returns a copy of the row with col set to v.
func (r Row) With(col string, v any) Row {
	out := r.Clone()
	if out == nil {
		out = make(Row, 1)
	}
	out[col] = normalize(v)
	return out
}

// Equal reports whether both rows hold the same columns and values.
func (r Row) Equal(other Row) bool {
	if len(r) != len(other) {
		return false
	}
	for col, v := range r {
		ov, ok := other[col]
		if !ok {
			return false
		}
		if c, ok := compareValues(v, ov); !ok || c != 0 {
			return false
		}
	}
	return true
}

// String renders the row with sorted column names, e.g. {balance=500 name=bob}.
func (r Row) String() string {
	if r == nil {
		return "<nil>"
	}
	cols := make([]string, 0, len(r))
	for col := range r {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var b strings.Builder
	b.WriteByte('{')
	for i, col := range cols {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", col, r[col])
	}
	b.WriteByte('}')
	return b.String()
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint:
		return clampUint(uint64(n))
	case uint64:
		return clampUint(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// clampUint converts n to int64, saturating at math.MaxInt64 rather than
// wrapping to a negative value.
func clampUint(n uint64) int64 {
	if n > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(n)
}

// compareValues orders two column values. The second result is false when
// the values are not comparable (different kinds, or unordered kinds).
// Booleans compare as equal or not equal only; the ordering result for
// unequal booleans is 1.
func compareValues(a, b any) (int, bool) {
	a, b = normalize(a), normalize(b)
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y), true
		case float64:
			return cmpOrdered(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmpOrdered(x, y), true
		case int64:
			return cmpOrdered(x, float64(y)), true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			if x == y {
				return 0, true
			}
			return 1, true
		}
	case nil:
		if b == nil {
			return 0, true
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
