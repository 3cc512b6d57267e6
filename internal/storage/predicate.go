package storage

import (
	"fmt"
	"strings"
)

// IDColumn is the pseudo column that addresses Key.ID in a predicate.
const IDColumn = "id"

// Op is a comparison operator used in predicate conditions.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

// String returns the SQL spelling of the operator.
func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return "?"
	}
}

// Cond is a single column comparison.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

// Eq builds the condition column = v.
func Eq(column string, v any) Cond { return Cond{Column: column, Op: OpEq, Value: normalize(v)} }

// Ne builds the condition column != v.
func Ne(column string, v any) Cond { return Cond{Column: column, Op: OpNe, Value: normalize(v)} }

// Lt builds the condition column < v.
func Lt(column string, v any) Cond { return Cond{Column: column, Op: OpLt, Value: normalize(v)} }

// Le builds the condition column <= v.
func Le(column string, v any) Cond { return Cond{Column: column, Op: OpLe, Value: normalize(v)} }

// Gt builds the condition column > v.
func Gt(column string, v any) Cond { return Cond{Column: column, Op: OpGt, Value: normalize(v)} }

// Ge builds the condition column >= v.
func Ge(column string, v any) Cond { return Cond{Column: column, Op: OpGe, Value: normalize(v)} }

// Matches reports whether the condition holds for the row stored under key.
// A missing column or an incomparable value never matches.
func (c Cond) Matches(key Key, row Row) bool {
	var v any
	if c.Column == IDColumn {
		v = key.ID
	} else {
		var ok bool
		if v, ok = row[c.Column]; !ok {
			return false
		}
	}

	cmp, ok := compareValues(v, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	}
	if _, isBool := v.(bool); isBool {
		return false
	}
	switch c.Op {
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

// Predicate selects rows of one table whose values satisfy every condition.
// A predicate without conditions selects the whole table.
type Predicate struct {
	Table string
	Conds []Cond
}

// Where builds a predicate over table.
func Where(table string, conds ...Cond) Predicate {
	return Predicate{Table: table, Conds: conds}
}

// Matches reports whether the row stored under key satisfies the predicate.
// A nil row (absent or deleted) never matches.
func (p Predicate) Matches(key Key, row Row) bool {
	if key.Table != p.Table || row == nil {
		return false
	}
	for _, c := range p.Conds {
		if !c.Matches(key, row) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether any of the given images of key matches.
func (p Predicate) MatchesAny(key Key, images ...Row) bool {
	for _, img := range images {
		if p.Matches(key, img) {
			return true
		}
	}
	return false
}

// String renders the predicate in a SQL-like form, e.g.
// "employees WHERE birthday = 1990-05-01".
func (p Predicate) String() string {
	if len(p.Conds) == 0 {
		return p.Table
	}
	parts := make([]string, len(p.Conds))
	for i, c := range p.Conds {
		parts[i] = fmt.Sprintf("%s %s %v", c.Column, c.Op, c.Value)
	}
	return p.Table + " WHERE " + strings.Join(parts, " AND ")
}
