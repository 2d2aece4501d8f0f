package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmail/rowmail/pkg/expr"
	"github.com/rowmail/rowmail/pkg/models"
)

var noopFormula = expr.Formula{Field: "email", Type: "string", Operator: expr.OpIsNotNull}

func TestMockStoreTransactionSnapshot(t *testing.T) {
	st := NewMockStore()
	wfID, err := st.SaveWorkflow(models.Workflow{Name: "base"})
	require.NoError(t, err)

	t.Run("rollback discards writes", func(t *testing.T) {
		tx, err := st.Begin()
		require.NoError(t, err)
		_, err = tx.SaveColumn(models.Column{WorkflowID: wfID, Name: "temp", Type: models.StringType, Position: 1})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		cols, err := st.GetColumns(wfID)
		require.NoError(t, err)
		assert.Empty(t, cols)
	})

	t.Run("commit publishes writes", func(t *testing.T) {
		tx, err := st.Begin()
		require.NoError(t, err)
		_, err = tx.SaveColumn(models.Column{WorkflowID: wfID, Name: "kept", Type: models.StringType, Position: 1})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		cols, err := st.GetColumns(wfID)
		require.NoError(t, err)
		require.Len(t, cols, 1)
		assert.Equal(t, "kept", cols[0].Name)
	})

	t.Run("base store invisible changes until commit", func(t *testing.T) {
		tx, err := st.Begin()
		require.NoError(t, err)
		_, err = tx.AppendRow(wfID, map[string]any{"kept": "x"})
		require.NoError(t, err)

		n, err := st.RowCount(wfID)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		require.NoError(t, tx.Commit())

		n, err = st.RowCount(wfID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestMockStoreNameUniqueness(t *testing.T) {
	st := NewMockStore()
	wfID, err := st.SaveWorkflow(models.Workflow{Name: "course"})
	require.NoError(t, err)

	_, err = st.SaveWorkflow(models.Workflow{Name: "course"})
	assert.Error(t, err, "duplicate workflow name")

	_, err = st.SaveColumn(models.Column{WorkflowID: wfID, Name: "email", Type: models.StringType, Position: 1})
	require.NoError(t, err)
	_, err = st.SaveColumn(models.Column{WorkflowID: wfID, Name: "email", Type: models.StringType, Position: 2})
	assert.Error(t, err, "duplicate column name")

	actionID, err := st.SaveAction(models.Action{WorkflowID: wfID, Name: "welcome", Type: models.PersonalizedText})
	require.NoError(t, err)
	_, err = st.SaveAction(models.Action{WorkflowID: wfID, Name: "welcome", Type: models.PersonalizedText})
	assert.Error(t, err, "duplicate action name")

	// One filter per action.
	_, err = st.SaveCondition(models.Condition{ActionID: actionID, Name: "f1", IsFilter: true, Formula: &noopFormula})
	require.NoError(t, err)
	_, err = st.SaveCondition(models.Condition{ActionID: actionID, Name: "f2", IsFilter: true, Formula: &noopFormula})
	assert.Error(t, err, "second filter rejected")
}

func TestMockStoreLogStatusLadder(t *testing.T) {
	st := NewMockStore()
	id, err := st.AppendLog(models.LogEntry{
		User: "t@uni.edu", Event: models.EventActionRunEmail, Status: models.RunStatusPreparing,
	})
	require.NoError(t, err)

	require.NoError(t, st.UpdateLogStatus(id, models.RunStatusExecuting))
	require.NoError(t, st.UpdateLogStatus(id, models.RunStatusDone))
	assert.Error(t, st.UpdateLogStatus(id, models.RunStatusExecuting), "ladder is monotonic")

	entry, err := st.GetLog(id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusDone, entry.Status)
}

func TestMockStoreClaimDueOps(t *testing.T) {
	st := NewMockStore()
	wfID, err := st.SaveWorkflow(models.Workflow{Name: "w"})
	require.NoError(t, err)

	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due, err := st.SaveScheduledOp(models.ScheduledOp{
		WorkflowID: wfID, Name: "due", OpType: models.PersonalizedText,
		Status: models.SchedulePending, Enabled: true, ExecuteAt: &past,
	})
	require.NoError(t, err)
	_, err = st.SaveScheduledOp(models.ScheduledOp{
		WorkflowID: wfID, Name: "later", OpType: models.PersonalizedText,
		Status: models.SchedulePending, Enabled: true, ExecuteAt: &future,
	})
	require.NoError(t, err)
	_, err = st.SaveScheduledOp(models.ScheduledOp{
		WorkflowID: wfID, Name: "disabled", OpType: models.PersonalizedText,
		Status: models.SchedulePending, Enabled: false, ExecuteAt: &past,
	})
	require.NoError(t, err)

	claimed, err := st.ClaimDueOps(now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due, claimed[0].ID)
	assert.Equal(t, models.ScheduleExecuting, claimed[0].Status)

	// A second claim finds nothing: the entry already flipped.
	claimed, err = st.ClaimDueOps(now)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestMockStoreNotFound(t *testing.T) {
	st := NewMockStore()
	_, err := st.GetWorkflow(42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetAction(42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetLog(42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetToken("a@b.c", "canvas")
	assert.ErrorIs(t, err, ErrNotFound)
}
