package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_storage "github.com/rowmail/rowmail/internal/storage"
	"github.com/rowmail/rowmail/internal/testutil"
	"github.com/rowmail/rowmail/pkg/expr"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
)

func setupStore(t *testing.T) *internal_storage.PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	td := testutil.SetupTestDB(t)
	t.Cleanup(func() { td.Teardown(t) })

	st, err := internal_storage.NewPostgresStore(td.ConnStr)
	require.NoError(t, err)
	return st
}

func TestPostgresWorkflowRoundTrip(t *testing.T) {
	st := setupStore(t)

	wfID, err := st.SaveWorkflow(models.Workflow{
		Name:       "course",
		KeyColumn:  "email",
		Attributes: map[string]string{"course_name": "Logic"},
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	})
	require.NoError(t, err)

	cols := []models.Column{
		{WorkflowID: wfID, Name: "email", Type: models.StringType, Position: 1, IsKey: true},
		{WorkflowID: wfID, Name: "score", Type: models.IntegerType, Position: 2},
	}
	for _, c := range cols {
		_, err := st.SaveColumn(c)
		require.NoError(t, err)
	}
	_, err = st.AppendRow(wfID, map[string]any{"email": "ann@uni.edu", "score": int64(9)})
	require.NoError(t, err)
	_, err = st.AppendRow(wfID, map[string]any{"email": "bob@uni.edu", "score": int64(4)})
	require.NoError(t, err)

	wf, err := st.GetWorkflow(wfID)
	require.NoError(t, err)
	assert.Equal(t, "course", wf.Name)
	assert.Equal(t, "Logic", wf.Attributes["course_name"])
	require.Len(t, wf.Columns, 2)
	assert.Equal(t, 2, wf.NRows)

	// JSONB round trip keeps integer values typed.
	cur, err := st.ScanRows(wfID)
	require.NoError(t, err)
	defer cur.Close()
	pos, row, ok, err := cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, pos)
	assert.Equal(t, "ann@uni.edu", row["email"])
	assert.Equal(t, int64(9), row["score"])

	_, err = st.GetWorkflow(wfID + 1000)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgresRowMutations(t *testing.T) {
	st := setupStore(t)

	wfID, err := st.SaveWorkflow(models.Workflow{Name: "w", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	require.NoError(t, err)
	for i, name := range []string{"email", "grade"} {
		_, err := st.SaveColumn(models.Column{
			WorkflowID: wfID, Name: name, Type: models.StringType, Position: i + 1,
		})
		require.NoError(t, err)
	}
	pos, err := st.AppendRow(wfID, map[string]any{"email": "ann@uni.edu", "grade": "B"})
	require.NoError(t, err)

	// Updates merge; nil values remove the key.
	require.NoError(t, st.UpdateRowValues(wfID, pos, map[string]any{"grade": "A", "email": nil}))
	cur, err := st.ScanRows(wfID)
	require.NoError(t, err)
	defer cur.Close()
	_, row, ok, err := cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", row["grade"])
	_, present := row["email"]
	assert.False(t, present)

	require.NoError(t, st.RenameRowKey(wfID, "grade", "final_grade"))
	n, err := st.RowCount(wfID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, st.DeleteRows(wfID))
	n, err = st.RowCount(wfID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPostgresActionWithChildren(t *testing.T) {
	st := setupStore(t)

	wfID, err := st.SaveWorkflow(models.Workflow{Name: "w", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	require.NoError(t, err)
	_, err = st.SaveColumn(models.Column{WorkflowID: wfID, Name: "score", Type: models.IntegerType, Position: 1})
	require.NoError(t, err)

	actionID, err := st.SaveAction(models.Action{
		WorkflowID: wfID, Name: "mail", Type: models.PersonalizedText,
		Text: "hello", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = st.SaveCondition(models.Condition{
		ActionID: actionID, Name: "high",
		Formula: expr.Leaf("score", "integer", expr.OpGreaterOrEqual, 5),
	})
	require.NoError(t, err)
	_, err = st.SaveBinding(models.Binding{
		ActionID: actionID, ColumnName: "score", Position: 1,
	})
	require.NoError(t, err)

	a, err := st.GetAction(actionID)
	require.NoError(t, err)
	assert.Equal(t, "mail", a.Name)
	require.Len(t, a.Conditions, 1)
	assert.Equal(t, "high", a.Conditions[0].Name)
	require.NotNil(t, a.Conditions[0].Formula)
	assert.Equal(t, "score", a.Conditions[0].Formula.Field)
	require.Len(t, a.Bindings, 1)
}

func TestPostgresTransactionRollback(t *testing.T) {
	st := setupStore(t)

	wfID, err := st.SaveWorkflow(models.Workflow{Name: "w", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	require.NoError(t, err)

	tx, err := st.Begin()
	require.NoError(t, err)
	_, err = tx.SaveColumn(models.Column{WorkflowID: wfID, Name: "temp", Type: models.StringType, Position: 1})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	cols, err := st.GetColumns(wfID)
	require.NoError(t, err)
	assert.Empty(t, cols)

	tx, err = st.Begin()
	require.NoError(t, err)
	_, err = tx.SaveColumn(models.Column{WorkflowID: wfID, Name: "kept", Type: models.StringType, Position: 1})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	cols, err = st.GetColumns(wfID)
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "kept", cols[0].Name)
}

func TestPostgresClaimDueOps(t *testing.T) {
	st := setupStore(t)

	wfID, err := st.SaveWorkflow(models.Workflow{Name: "w", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	require.NoError(t, err)
	actionID, err := st.SaveAction(models.Action{
		WorkflowID: wfID, Name: "mail", Type: models.PersonalizedText,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	due, err := st.SaveScheduledOp(models.ScheduledOp{
		WorkflowID: wfID, ActionID: actionID, Name: "due",
		OpType: models.PersonalizedText, Status: models.SchedulePending,
		Enabled: true, ExecuteAt: &past,
		Payload:   map[string]any{"user": "t@uni.edu"},
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	_, err = st.SaveScheduledOp(models.ScheduledOp{
		WorkflowID: wfID, ActionID: actionID, Name: "later",
		OpType: models.PersonalizedText, Status: models.SchedulePending,
		Enabled: true, ExecuteAt: &future,
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	claimed, err := st.ClaimDueOps(now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due, claimed[0].ID)
	assert.Equal(t, models.ScheduleExecuting, claimed[0].Status)

	claimed, err = st.ClaimDueOps(now)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestPostgresLogLadderAndTokens(t *testing.T) {
	st := setupStore(t)

	wfID, err := st.SaveWorkflow(models.Workflow{Name: "w", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	require.NoError(t, err)

	id, err := st.AppendLog(models.LogEntry{
		CreatedAt: time.Now(), User: "t@uni.edu", WorkflowID: wfID,
		Event: models.EventActionRunEmail, Status: models.RunStatusPreparing,
		Payload: map[string]any{"subject": "s"},
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateLogStatus(id, models.RunStatusExecuting))
	require.NoError(t, st.UpdateLogStatus(id, models.RunStatusDone))
	assert.Error(t, st.UpdateLogStatus(id, models.RunStatusExecuting))

	entries, err := st.ListLogs(wfID, models.EventActionRunEmail, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s", entries[0].Payload["subject"])

	// Token upsert keyed by user and instance.
	require.NoError(t, st.SaveToken(models.OAuthToken{
		User: "t@uni.edu", Instance: "canvas",
		AccessToken: "a1", RefreshToken: "r1", Expiry: time.Now().Add(time.Hour),
	}))
	require.NoError(t, st.SaveToken(models.OAuthToken{
		User: "t@uni.edu", Instance: "canvas",
		AccessToken: "a2", RefreshToken: "r2", Expiry: time.Now().Add(time.Hour),
	}))
	tok, err := st.GetToken("t@uni.edu", "canvas")
	require.NoError(t, err)
	assert.Equal(t, "a2", tok.AccessToken)

	_, err = st.GetToken("t@uni.edu", "moodle")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
