package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusLadder(t *testing.T) {
	tests := []struct {
		from, to string
		allowed  bool
	}{
		{RunStatusPreparing, RunStatusExecuting, true},
		{RunStatusPreparing, RunStatusDone, true},
		{RunStatusPreparing, RunStatusErrorPrefix + "boom", true},
		{RunStatusExecuting, RunStatusDone, true},
		{RunStatusExecuting, RunStatusErrorPrefix + "boom", true},

		// Monotonic: never backwards, never sideways at the top.
		{RunStatusExecuting, RunStatusPreparing, false},
		{RunStatusDone, RunStatusExecuting, false},
		{RunStatusDone, RunStatusErrorPrefix + "late", false},
		{RunStatusErrorPrefix + "boom", RunStatusDone, false},
		{RunStatusPreparing, RunStatusPreparing, false},

		// Unknown statuses never transition.
		{"weird", RunStatusDone, false},
		{RunStatusPreparing, "weird", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.allowed, CanTransitionRunStatus(tc.from, tc.to),
			"%q -> %q", tc.from, tc.to)
	}
}

func TestActionTypeSets(t *testing.T) {
	assert.True(t, ValidActionType(PersonalizedText))
	assert.False(t, ValidActionType("mystery"))

	assert.True(t, PersonalizedText.IsOutbound())
	assert.True(t, ZipOperation.IsOutbound())
	assert.False(t, Survey.IsOutbound())
	assert.False(t, TodoList.IsOutbound())

	assert.True(t, PersonalizedText.IsPersonalized())
	assert.False(t, EmailReport.IsPersonalized())
	assert.False(t, JSONReport.IsPersonalized())
}

func TestValidateColumnName(t *testing.T) {
	assert.NoError(t, ValidateColumnName("Final grade"))
	assert.Error(t, ValidateColumnName(""))
	assert.Error(t, ValidateColumnName("   "))
	assert.Error(t, ValidateColumnName("x{{y"))
	assert.Error(t, ValidateColumnName("a %} b"))
}

func TestColumnCategories(t *testing.T) {
	open := Column{Name: "free"}
	assert.True(t, open.InCategories("anything"))

	restricted := Column{Name: "grade", Categories: []string{"pass", "fail"}}
	assert.True(t, restricted.InCategories("pass"))
	assert.False(t, restricted.InCategories("maybe"))
}

func TestCronTupleSpec(t *testing.T) {
	c := CronTuple{Minute: "30", Hour: "6", DayOfMonth: "*", Month: "*", DayOfWeek: "1"}
	assert.Equal(t, "30 6 * * 1", c.Spec())
}
