package expr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateLeafOperators(t *testing.T) {
	row := Row{
		"score": int64(7),
		"name":  "Ann Smith",
		"ratio": 0.5,
		"ok":    true,
		"blank": "",
	}

	tests := []struct {
		name    string
		formula *Formula
		want    Tri
	}{
		{"equal integer", Leaf("score", "integer", OpEqual, 7), True},
		{"equal integer from JSON float", Leaf("score", "integer", OpEqual, float64(7)), True},
		{"not equal", Leaf("score", "integer", OpNotEqual, 7), False},
		{"less", Leaf("score", "integer", OpLess, 10), True},
		{"greater or equal", Leaf("score", "integer", OpGreaterOrEqual, 8), False},
		{"between inclusive low", Leaf("score", "integer", OpBetween, 7, 10), True},
		{"between inclusive high", Leaf("score", "integer", OpBetween, 1, 7), True},
		{"not between", Leaf("score", "integer", OpNotBetween, 8, 10), True},
		{"double compare", Leaf("ratio", "double", OpLess, 0.75), True},
		{"string equal", Leaf("name", "string", OpEqual, "Ann Smith"), True},
		{"begins with", Leaf("name", "string", OpBeginsWith, "Ann"), True},
		{"not begins with", Leaf("name", "string", OpNotBeginsWith, "Ann"), False},
		{"contains", Leaf("name", "string", OpContains, "n Sm"), True},
		{"ends with", Leaf("name", "string", OpEndsWith, "Smith"), True},
		{"is empty", Leaf("blank", "string", OpIsEmpty), True},
		{"is not empty", Leaf("name", "string", OpIsNotEmpty), True},
		{"boolean equal", Leaf("ok", "boolean", OpEqual, true), True},
		{"is null on present", Leaf("score", "integer", OpIsNull), False},
		{"is not null on present", Leaf("score", "integer", OpIsNotNull), True},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(tc.formula, row)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateMissingValueYieldsNull(t *testing.T) {
	row := Row{"present": int64(1), "nilval": nil}

	for _, field := range []string{"absent", "nilval"} {
		got, err := Evaluate(Leaf(field, "integer", OpEqual, 1), row)
		require.NoError(t, err)
		assert.Equal(t, Null, got, "field %s", field)

		got, err = Evaluate(Leaf(field, "integer", OpIsNull), row)
		require.NoError(t, err)
		assert.Equal(t, True, got, "field %s", field)
	}
}

func TestEvaluateKleeneGroups(t *testing.T) {
	// row has a, lacks b.
	row := Row{"a": int64(1)}
	trueLeaf := *Leaf("a", "integer", OpEqual, 1)
	falseLeaf := *Leaf("a", "integer", OpEqual, 2)
	nullLeaf := *Leaf("b", "integer", OpEqual, 1)

	tests := []struct {
		name    string
		formula *Formula
		want    Tri
	}{
		{"and true null", And(trueLeaf, nullLeaf), Null},
		{"and false null", And(falseLeaf, nullLeaf), False},
		{"or true null", Or(trueLeaf, nullLeaf), True},
		{"or false null", Or(falseLeaf, nullLeaf), Null},
		{"and all true", And(trueLeaf, trueLeaf), True},
		{"or all false", Or(falseLeaf, falseLeaf), False},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(tc.formula, row)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("negated group", func(t *testing.T) {
		neg := And(trueLeaf, nullLeaf)
		neg.Not = true
		got, err := Evaluate(neg, row)
		require.NoError(t, err)
		assert.Equal(t, Null, got, "negation of null stays null")
	})

	t.Run("nil formula selects everything", func(t *testing.T) {
		got, err := Evaluate(nil, row)
		require.NoError(t, err)
		assert.Equal(t, True, got)
	})
}

func TestEvaluateMalformed(t *testing.T) {
	row := Row{"a": "text", "n": int64(1)}

	_, err := Evaluate(Leaf("a", "string", OpLess, "b"), row)
	assert.Error(t, err, "strings have no order")

	_, err = Evaluate(Leaf("n", "integer", OpBetween, 1), row)
	assert.Error(t, err, "between needs two values")

	_, err = Evaluate(Leaf("n", "integer", "bogus", 1), row)
	assert.Error(t, err)

	_, err = Evaluate(Leaf("n", "integer", OpEqual, "xyz"), row)
	assert.Error(t, err, "uncoercible comparison value")
}

func TestAsBoolCollapsesNull(t *testing.T) {
	assert.True(t, True.AsBool())
	assert.False(t, False.AsBool())
	assert.False(t, Null.AsBool())
}

func TestFormulaJSONRoundTrip(t *testing.T) {
	src := `{
	  "condition": "AND",
	  "not": false,
	  "rules": [
	    {"field": "score", "type": "integer", "operator": "between", "value": [5, 10]},
	    {"condition": "OR", "rules": [
	      {"field": "name", "type": "string", "operator": "begins_with", "value": "A"},
	      {"field": "name", "type": "string", "operator": "is_empty"}
	    ]}
	  ]
	}`
	var f Formula
	require.NoError(t, json.Unmarshal([]byte(src), &f))
	require.True(t, f.IsGroup())
	require.Len(t, f.Rules, 2)
	assert.Equal(t, []any{float64(5), float64(10)}, f.Rules[0].Values)
	assert.ElementsMatch(t, []string{"score", "name"}, f.Fields())

	out, err := json.Marshal(f)
	require.NoError(t, err)
	var back Formula
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, f, back)
}

func TestFormulaUnmarshalRejectsMalformed(t *testing.T) {
	var f Formula
	assert.Error(t, json.Unmarshal([]byte(`{"condition": "XOR", "rules": []}`), &f))
	assert.Error(t, json.Unmarshal([]byte(`{"field": "a"}`), &f), "leaf without operator")
}

func TestRenameField(t *testing.T) {
	f := And(
		*Leaf("old", "integer", OpEqual, 1),
		*Or(*Leaf("other", "string", OpIsEmpty), *Leaf("old", "integer", OpIsNull)),
	)
	changed := f.RenameField("old", "new")
	assert.True(t, changed)
	assert.ElementsMatch(t, []string{"new", "other"}, f.Fields())

	assert.False(t, f.RenameField("old", "newer"), "no leaf left referencing old")
}

func TestClone(t *testing.T) {
	f := And(*Leaf("a", "integer", OpBetween, 1, 2))
	c := f.Clone()
	c.Rules[0].Values[0] = 99
	c.Rules[0].Field = "b"
	assert.Equal(t, 1, f.Rules[0].Values[0])
	assert.Equal(t, "a", f.Rules[0].Field)
}
