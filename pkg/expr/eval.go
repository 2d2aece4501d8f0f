package expr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tri is a three-valued boolean. Any comparison with a missing value yields
// Null, which propagates through groups following Kleene logic.
type Tri int

const (
	False Tri = iota
	True
	Null
)

func (t Tri) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "null"
	}
}

// AsBool collapses a three-valued result for row selection: Null counts as
// false but callers interested in diagnostics should test for Null first.
func (t Tri) AsBool() bool {
	return t == True
}

func not(t Tri) Tri {
	switch t {
	case True:
		return False
	case False:
		return True
	default:
		return Null
	}
}

// Row is a single table row keyed by column name. A missing key or a nil
// value both denote the bottom value.
type Row map[string]any

// Evaluate computes the formula over a row. The only error cases are a
// malformed formula (unknown operator, operator/type mismatch, missing
// comparison value); missing row values never error, they yield Null.
func Evaluate(f *Formula, row Row) (Tri, error) {
	if f == nil {
		return True, nil
	}
	if f.IsGroup() {
		return evalGroup(f, row)
	}
	return evalLeaf(f, row)
}

func evalGroup(f *Formula, row Row) (Tri, error) {
	// Kleene three-valued logic: AND of {true, null} is null, OR of
	// {true, null} is true.
	var result Tri
	if f.Connector == ConnectorAnd {
		result = True
	} else {
		result = False
	}
	for i := range f.Rules {
		sub, err := Evaluate(&f.Rules[i], row)
		if err != nil {
			return Null, err
		}
		if f.Connector == ConnectorAnd {
			if sub == False {
				result = False
				break
			}
			if sub == Null {
				result = Null
			}
		} else {
			if sub == True {
				result = True
				break
			}
			if sub == Null {
				result = Null
			}
		}
	}
	if f.Not {
		result = not(result)
	}
	return result, nil
}

func evalLeaf(f *Formula, row Row) (Tri, error) {
	cell, present := row[f.Field]
	if cell == nil {
		present = false
	}

	switch f.Operator {
	case OpIsNull:
		if present {
			return False, nil
		}
		return True, nil
	case OpIsNotNull:
		if present {
			return True, nil
		}
		return False, nil
	}

	// Every remaining operator is null-propagating.
	if !present {
		return Null, nil
	}

	switch f.Operator {
	case OpEqual, OpNotEqual:
		want, err := coerce(f.Type, f.value(0))
		if err != nil {
			return Null, err
		}
		got, err := coerce(f.Type, cell)
		if err != nil {
			return Null, err
		}
		res := boolTri(equal(got, want))
		if f.Operator == OpNotEqual {
			res = not(res)
		}
		return res, nil

	case OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		if !ordered(f.Type) {
			return Null, fmt.Errorf("operator %s not defined for type %s", f.Operator, f.Type)
		}
		cmp, err := compare(f.Type, cell, f.value(0))
		if err != nil {
			return Null, err
		}
		switch f.Operator {
		case OpLess:
			return boolTri(cmp < 0), nil
		case OpLessOrEqual:
			return boolTri(cmp <= 0), nil
		case OpGreater:
			return boolTri(cmp > 0), nil
		default:
			return boolTri(cmp >= 0), nil
		}

	case OpBetween, OpNotBetween:
		if !ordered(f.Type) {
			return Null, fmt.Errorf("operator %s not defined for type %s", f.Operator, f.Type)
		}
		if len(f.Values) < 2 {
			return Null, fmt.Errorf("operator %s requires two values", f.Operator)
		}
		low, err := compare(f.Type, cell, f.value(0))
		if err != nil {
			return Null, err
		}
		high, err := compare(f.Type, cell, f.value(1))
		if err != nil {
			return Null, err
		}
		// Inclusive on both ends.
		res := boolTri(low >= 0 && high <= 0)
		if f.Operator == OpNotBetween {
			res = not(res)
		}
		return res, nil

	case OpBeginsWith, OpNotBeginsWith, OpContains, OpNotContains, OpEndsWith, OpNotEndsWith:
		s, err := asString(cell)
		if err != nil {
			return Null, err
		}
		sub, err := asString(f.value(0))
		if err != nil {
			return Null, err
		}
		var match bool
		switch f.Operator {
		case OpBeginsWith, OpNotBeginsWith:
			match = strings.HasPrefix(s, sub)
		case OpContains, OpNotContains:
			match = strings.Contains(s, sub)
		default:
			match = strings.HasSuffix(s, sub)
		}
		res := boolTri(match)
		if strings.HasPrefix(f.Operator, "not_") {
			res = not(res)
		}
		return res, nil

	case OpIsEmpty, OpIsNotEmpty:
		s, err := asString(cell)
		if err != nil {
			return Null, err
		}
		res := boolTri(s == "")
		if f.Operator == OpIsNotEmpty {
			res = not(res)
		}
		return res, nil
	}

	return Null, fmt.Errorf("unknown operator %q", f.Operator)
}

func (f *Formula) value(i int) any {
	if i >= len(f.Values) {
		return nil
	}
	return f.Values[i]
}

func boolTri(b bool) Tri {
	if b {
		return True
	}
	return False
}

func ordered(dataType string) bool {
	switch dataType {
	case "integer", "double", "datetime":
		return true
	}
	return false
}

func equal(a, b any) bool {
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok && bok {
		return at.Equal(bt)
	}
	return a == b
}

// coerce normalises a cell or comparison value to the canonical Go type for
// the declared column type: int64, float64, string, bool or time.Time.
// Values arriving from JSON may be float64 or string spellings.
func coerce(dataType string, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("missing comparison value")
	}
	switch dataType {
	case "integer":
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case float64:
			return int64(n), nil
		case string:
			parsed, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid integer %q", n)
			}
			return parsed, nil
		}
	case "double":
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		case string:
			parsed, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid double %q", n)
			}
			return parsed, nil
		}
	case "string":
		if s, ok := v.(string); ok {
			return s, nil
		}
	case "boolean":
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("invalid boolean %q", b)
			}
			return parsed, nil
		}
	case "datetime":
		switch d := v.(type) {
		case time.Time:
			return d, nil
		case string:
			parsed, err := ParseDatetime(d)
			if err != nil {
				return nil, err
			}
			return parsed, nil
		}
	default:
		return nil, fmt.Errorf("unknown data type %q", dataType)
	}
	return nil, fmt.Errorf("value %v (%T) does not fit type %s", v, v, dataType)
}

func compare(dataType string, a, b any) (int, error) {
	ca, err := coerce(dataType, a)
	if err != nil {
		return 0, err
	}
	cb, err := coerce(dataType, b)
	if err != nil {
		return 0, err
	}
	switch dataType {
	case "integer":
		return cmpOrdered(ca.(int64), cb.(int64)), nil
	case "double":
		return cmpOrdered(ca.(float64), cb.(float64)), nil
	case "datetime":
		ta, tb := ca.(time.Time), cb.(time.Time)
		if ta.Before(tb) {
			return -1, nil
		}
		if ta.After(tb) {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("type %s has no total order", dataType)
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

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

// ParseDatetime accepts the formats stored in table cells.
func ParseDatetime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}
