package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmail/rowmail/pkg/expr"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/service"
	"github.com/rowmail/rowmail/pkg/storage"
)

func TestCloneAction(t *testing.T) {
	st := storage.NewMockStore()
	wfID, actionID := seedCourse(t, st)
	svc := service.NewActionService(st)

	// Mark the source as executed so the clone has history to shed.
	action, err := st.GetAction(actionID)
	require.NoError(t, err)
	action.LastExecutedLog = 17
	require.NoError(t, st.UpdateAction(action))
	_, err = st.SaveBinding(models.Binding{
		ActionID: actionID, ColumnName: "name", ConditionName: "high", Position: 1,
	})
	require.NoError(t, err)

	clone, err := svc.CloneAction("teacher@uni.edu", actionID)
	require.NoError(t, err)
	assert.Equal(t, "Copy of weekly mail", clone.Name)
	assert.NotEqual(t, actionID, clone.ID)
	assert.Zero(t, clone.LastExecutedLog)
	assert.Nil(t, clone.AllFalseRows)

	stored, err := st.GetAction(clone.ID)
	require.NoError(t, err)
	assert.Equal(t, action.Text, stored.Text)
	require.Len(t, stored.Conditions, 1)
	assert.Equal(t, "high", stored.Conditions[0].Name)
	require.Len(t, stored.Bindings, 1)
	assert.Equal(t, "high", stored.Bindings[0].ConditionName)

	// Cloning again stacks the prefix.
	again, err := svc.CloneAction("teacher@uni.edu", actionID)
	require.NoError(t, err)
	assert.Equal(t, "Copy of Copy of weekly mail", again.Name)

	clones, err := st.ListLogs(wfID, models.EventActionClone, 0, 0)
	require.NoError(t, err)
	assert.Len(t, clones, 2)
}

func TestCloneConditionRejectsFilter(t *testing.T) {
	st := storage.NewMockStore()
	_, actionID := seedCourse(t, st)
	svc := service.NewActionService(st)

	filterFormula := expr.Leaf("email", "string", expr.OpIsNotNull, nil)
	filterID, err := st.SaveCondition(models.Condition{
		ActionID: actionID, Name: "only staff", IsFilter: true, Formula: filterFormula,
	})
	require.NoError(t, err)

	_, err = svc.CloneCondition("teacher@uni.edu", actionID, filterID)
	assert.True(t, models.IsValidation(err))

	action, err := st.GetAction(actionID)
	require.NoError(t, err)
	var highID int64
	for _, c := range action.Conditions {
		if c.Name == "high" {
			highID = c.ID
		}
	}
	clone, err := svc.CloneCondition("teacher@uni.edu", actionID, highID)
	require.NoError(t, err)
	assert.Equal(t, "Copy of high", clone.Name)
}

func TestCloneColumn(t *testing.T) {
	st := storage.NewMockStore()
	wfID, _ := seedCourse(t, st)
	svc := service.NewActionService(st)

	clone, err := svc.CloneColumn("teacher@uni.edu", wfID, "email")
	require.NoError(t, err)
	assert.Equal(t, "Copy of email", clone.Name)
	assert.False(t, clone.IsKey, "a clone never inherits key status")
	assert.Equal(t, 4, clone.Position)

	acc := tableAccessor(st)
	_, row, err := acc.LookupRow(wfID, "email", "ann@uni.edu")
	require.NoError(t, err)
	assert.Equal(t, "ann@uni.edu", row["Copy of email"])

	_, err = svc.CloneColumn("teacher@uni.edu", wfID, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCloneWorkflow(t *testing.T) {
	st := storage.NewMockStore()
	wfID, actionID := seedCourse(t, st)
	svc := service.NewActionService(st)

	_, err := st.SaveView(models.View{
		WorkflowID: wfID, Name: "passing", Columns: []string{"email", "score"},
	})
	require.NoError(t, err)
	at := time.Now().Add(time.Hour)
	_, err = st.SaveScheduledOp(models.ScheduledOp{
		WorkflowID: wfID, ActionID: actionID, Name: "left behind",
		OpType: models.PersonalizedText, Status: models.SchedulePending,
		Enabled: true, ExecuteAt: &at,
	})
	require.NoError(t, err)

	clone, err := svc.CloneWorkflow("teacher@uni.edu", wfID)
	require.NoError(t, err)
	assert.Equal(t, "Copy of course", clone.Name)
	assert.NotEqual(t, wfID, clone.ID)

	full, err := st.GetWorkflow(clone.ID)
	require.NoError(t, err)
	assert.Len(t, full.Columns, 3)
	assert.Equal(t, 3, full.NRows)
	assert.Equal(t, "Logic", full.Attributes["course_name"])

	actions, err := st.ListActions(clone.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "weekly mail", actions[0].Name)
	assert.Len(t, actions[0].Conditions, 1)

	views, err := st.GetViews(clone.ID)
	require.NoError(t, err)
	assert.Len(t, views, 1)

	// Schedules and run history stay with the source.
	ops, err := st.ListScheduledOps(clone.ID)
	require.NoError(t, err)
	assert.Empty(t, ops)
	logs, err := st.ListLogs(clone.ID, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.EventWorkflowClone, logs[0].Event)
}
