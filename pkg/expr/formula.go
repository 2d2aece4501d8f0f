package expr

import (
	"encoding/json"
	"fmt"
)

// Connector joins the rules of a formula group.
type Connector string

const (
	ConnectorAnd Connector = "AND"
	ConnectorOr  Connector = "OR"
)

// Operator names form a closed set. Each operator applies to a subset of the
// column data types; Evaluate rejects anything outside the table below.
const (
	OpEqual          = "equal"
	OpNotEqual       = "not_equal"
	OpLess           = "less"
	OpLessOrEqual    = "less_or_equal"
	OpGreater        = "greater"
	OpGreaterOrEqual = "greater_or_equal"
	OpBetween        = "between"
	OpNotBetween     = "not_between"
	OpBeginsWith     = "begins_with"
	OpNotBeginsWith  = "not_begins_with"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpEndsWith       = "ends_with"
	OpNotEndsWith    = "not_ends_with"
	OpIsEmpty        = "is_empty"
	OpIsNotEmpty     = "is_not_empty"
	OpIsNull         = "is_null"
	OpIsNotNull      = "is_not_null"
)

// Formula is a tree of groups and leaves. A group node carries a connector,
// an optional negation and a list of child rules; a leaf node carries a
// field reference, the field's data type, an operator and zero, one or two
// comparison values (two for the between operators).
type Formula struct {
	// Group fields.
	Connector Connector `json:"condition,omitempty"`
	Not       bool      `json:"not,omitempty"`
	Rules     []Formula `json:"rules,omitempty"`

	// Leaf fields.
	Field    string `json:"field,omitempty"`
	Type     string `json:"type,omitempty"`
	Operator string `json:"operator,omitempty"`
	Values   []any  `json:"value,omitempty"`
}

// IsGroup reports whether the node is a group rather than a leaf.
func (f *Formula) IsGroup() bool {
	return f.Connector != ""
}

// Fields returns the set of column names the formula references.
func (f *Formula) Fields() []string {
	seen := make(map[string]struct{})
	var walk func(node *Formula)
	walk = func(node *Formula) {
		if node.IsGroup() {
			for i := range node.Rules {
				walk(&node.Rules[i])
			}
			return
		}
		seen[node.Field] = struct{}{}
	}
	walk(f)
	fields := make([]string, 0, len(seen))
	for name := range seen {
		fields = append(fields, name)
	}
	return fields
}

// RenameField rewrites every leaf referencing old to refer to updated,
// reporting whether any leaf changed. Used when a column is renamed;
// conditions reference columns by name.
func (f *Formula) RenameField(old, updated string) bool {
	if f.IsGroup() {
		changed := false
		for i := range f.Rules {
			if f.Rules[i].RenameField(old, updated) {
				changed = true
			}
		}
		return changed
	}
	if f.Field == old {
		f.Field = updated
		return true
	}
	return false
}

// Clone returns a deep copy of the formula.
func (f *Formula) Clone() *Formula {
	if f == nil {
		return nil
	}
	out := *f
	if f.Rules != nil {
		out.Rules = make([]Formula, len(f.Rules))
		for i := range f.Rules {
			out.Rules[i] = *f.Rules[i].Clone()
		}
	}
	if f.Values != nil {
		out.Values = append([]any(nil), f.Values...)
	}
	return &out
}

// rawFormula mirrors the wire shape. The value key may hold a scalar or a
// two-element array (between operators), so it needs custom decoding.
type rawFormula struct {
	Condition string            `json:"condition"`
	Not       bool              `json:"not"`
	Rules     []json.RawMessage `json:"rules"`
	Field     string            `json:"field"`
	Type      string            `json:"type"`
	Operator  string            `json:"operator"`
	Value     json.RawMessage   `json:"value"`
}

// UnmarshalJSON decodes the querybuilder-style JSON representation. A node
// with a "condition" key is a group; anything else is a leaf.
func (f *Formula) UnmarshalJSON(data []byte) error {
	var raw rawFormula
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Condition != "" {
		conn := Connector(raw.Condition)
		if conn != ConnectorAnd && conn != ConnectorOr {
			return fmt.Errorf("unknown formula connector %q", raw.Condition)
		}
		f.Connector = conn
		f.Not = raw.Not
		f.Rules = make([]Formula, len(raw.Rules))
		for i, rule := range raw.Rules {
			if err := json.Unmarshal(rule, &f.Rules[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if raw.Field == "" || raw.Operator == "" {
		return fmt.Errorf("formula leaf requires field and operator")
	}
	f.Field = raw.Field
	f.Type = raw.Type
	f.Operator = raw.Operator
	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		return nil
	}
	if raw.Value[0] == '[' {
		var vals []any
		if err := json.Unmarshal(raw.Value, &vals); err != nil {
			return err
		}
		f.Values = vals
		return nil
	}
	var val any
	if err := json.Unmarshal(raw.Value, &val); err != nil {
		return err
	}
	f.Values = []any{val}
	return nil
}

// MarshalJSON emits the same wire shape UnmarshalJSON accepts.
func (f Formula) MarshalJSON() ([]byte, error) {
	if f.IsGroup() {
		return json.Marshal(struct {
			Condition Connector `json:"condition"`
			Not       bool      `json:"not"`
			Rules     []Formula `json:"rules"`
		}{f.Connector, f.Not, f.Rules})
	}
	var value any
	switch len(f.Values) {
	case 0:
		value = nil
	case 1:
		value = f.Values[0]
	default:
		value = f.Values
	}
	return json.Marshal(struct {
		Field    string `json:"field"`
		Type     string `json:"type"`
		Operator string `json:"operator"`
		Value    any    `json:"value,omitempty"`
	}{f.Field, f.Type, f.Operator, value})
}

// Leaf builds a single-rule formula, mostly for tests and derived filters.
func Leaf(field, dataType, operator string, values ...any) *Formula {
	return &Formula{Field: field, Type: dataType, Operator: operator, Values: values}
}

// And groups rules under an AND connector.
func And(rules ...Formula) *Formula {
	return &Formula{Connector: ConnectorAnd, Rules: rules}
}

// Or groups rules under an OR connector.
func Or(rules ...Formula) *Formula {
	return &Formula{Connector: ConnectorOr, Rules: rules}
}
