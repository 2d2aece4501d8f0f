package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/service"
	"github.com/rowmail/rowmail/pkg/storage"
)

func newScheduler(t *testing.T, st storage.Store, sink service.Sink) *service.Scheduler {
	t.Helper()
	_, runs := startDispatcher(t, st, sink)
	return service.NewScheduler(st, runs, &testLogger{}, time.Second)
}

func runPayload() map[string]any {
	return map[string]any{
		"item_column": "email",
		"subject":     "scheduled mail",
		"user":        "teacher@uni.edu",
	}
}

func TestSchedulerCreateValidation(t *testing.T) {
	st := storage.NewMockStore()
	wfID, actionID := seedCourse(t, st)
	sched := newScheduler(t, st, &fakeSink{})
	at := time.Now().Add(time.Hour)

	t.Run("valid one-shot", func(t *testing.T) {
		op, err := sched.Create("teacher@uni.edu", models.ScheduledOp{
			WorkflowID: wfID, ActionID: actionID, Name: "weekly",
			OpType: models.PersonalizedText, Enabled: true,
			ExecuteAt: &at, Payload: runPayload(),
		})
		require.NoError(t, err)
		assert.Equal(t, models.SchedulePending, op.Status)
		assert.NotZero(t, op.ID)
	})

	t.Run("type mismatch", func(t *testing.T) {
		_, err := sched.Create("teacher@uni.edu", models.ScheduledOp{
			WorkflowID: wfID, ActionID: actionID, Name: "bad type",
			OpType: models.PersonalizedJSON, Enabled: true,
			ExecuteAt: &at, Payload: runPayload(),
		})
		assert.True(t, models.IsValidation(err))
	})

	t.Run("missing trigger", func(t *testing.T) {
		_, err := sched.Create("teacher@uni.edu", models.ScheduledOp{
			WorkflowID: wfID, ActionID: actionID, Name: "no trigger",
			OpType: models.PersonalizedText, Enabled: true, Payload: runPayload(),
		})
		assert.True(t, models.IsValidation(err))
	})

	t.Run("missing run params", func(t *testing.T) {
		_, err := sched.Create("teacher@uni.edu", models.ScheduledOp{
			WorkflowID: wfID, ActionID: actionID, Name: "no params",
			OpType: models.PersonalizedText, Enabled: true, ExecuteAt: &at,
			Payload: map[string]any{"user": "teacher@uni.edu"},
		})
		assert.True(t, models.IsValidation(err))
	})

	t.Run("cron resolves first firing", func(t *testing.T) {
		op, err := sched.Create("teacher@uni.edu", models.ScheduledOp{
			WorkflowID: wfID, ActionID: actionID, Name: "recurring",
			OpType: models.PersonalizedText, Enabled: true,
			Cron:    &models.CronTuple{Minute: "0", Hour: "6", DayOfMonth: "*", Month: "*", DayOfWeek: "*"},
			Payload: runPayload(),
		})
		require.NoError(t, err)
		require.NotNil(t, op.ExecuteAt)
		assert.True(t, op.ExecuteAt.After(time.Now()))
	})

	t.Run("invalid cron", func(t *testing.T) {
		_, err := sched.Create("teacher@uni.edu", models.ScheduledOp{
			WorkflowID: wfID, ActionID: actionID, Name: "broken cron",
			OpType: models.PersonalizedText, Enabled: true,
			Cron:    &models.CronTuple{Minute: "nope", Hour: "*", DayOfMonth: "*", Month: "*", DayOfWeek: "*"},
			Payload: runPayload(),
		})
		assert.True(t, models.IsValidation(err))
	})
}

func TestSchedulerTickFiresOneShot(t *testing.T) {
	st := storage.NewMockStore()
	wfID, actionID := seedCourse(t, st)
	sink := &fakeSink{}
	sched := newScheduler(t, st, sink)

	past := time.Now().Add(-time.Minute)
	op, err := sched.Create("teacher@uni.edu", models.ScheduledOp{
		WorkflowID: wfID, ActionID: actionID, Name: "due now",
		OpType: models.PersonalizedText, Enabled: true,
		ExecuteAt: &past, Payload: runPayload(),
	})
	require.NoError(t, err)

	sched.Tick(context.Background(), time.Now())

	assert.Len(t, sink.delivered(), 3)
	stored, err := st.GetScheduledOp(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleDone, stored.Status)
	assert.Empty(t, stored.LastError)

	// Already fired; a second tick is a no-op.
	sched.Tick(context.Background(), time.Now())
	assert.Len(t, sink.delivered(), 3)
}

func TestSchedulerTickRecordsFailure(t *testing.T) {
	st := storage.NewMockStore()
	wfID, actionID := seedCourse(t, st)
	action, err := st.GetAction(actionID)
	require.NoError(t, err)
	action.Text = "{{ broken_reference }}"
	require.NoError(t, st.UpdateAction(action))

	sched := newScheduler(t, st, &fakeSink{})
	past := time.Now().Add(-time.Minute)
	op, err := sched.Create("teacher@uni.edu", models.ScheduledOp{
		WorkflowID: wfID, ActionID: actionID, Name: "will fail",
		OpType: models.PersonalizedText, Enabled: true,
		ExecuteAt: &past, Payload: runPayload(),
	})
	require.NoError(t, err)

	sched.Tick(context.Background(), time.Now())

	stored, err := st.GetScheduledOp(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleDoneError, stored.Status)
	assert.Contains(t, stored.LastError, "template error")
}

func TestSchedulerRecurringRearms(t *testing.T) {
	st := storage.NewMockStore()
	wfID, actionID := seedCourse(t, st)
	sink := &fakeSink{}
	sched := newScheduler(t, st, sink)

	op, err := sched.Create("teacher@uni.edu", models.ScheduledOp{
		WorkflowID: wfID, ActionID: actionID, Name: "hourly",
		OpType: models.PersonalizedText, Enabled: true,
		Cron:    &models.CronTuple{Minute: "0", Hour: "*", DayOfMonth: "*", Month: "*", DayOfWeek: "*"},
		Payload: runPayload(),
	})
	require.NoError(t, err)

	// Force the entry due and fire it.
	past := time.Now().Add(-time.Minute)
	op.ExecuteAt = &past
	require.NoError(t, st.UpdateScheduledOp(op))
	sched.Tick(context.Background(), time.Now())

	assert.Len(t, sink.delivered(), 3)
	stored, err := st.GetScheduledOp(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SchedulePending, stored.Status, "recurring entries re-arm")
	require.NotNil(t, stored.ExecuteAt)
	assert.True(t, stored.ExecuteAt.After(time.Now()))
}

func TestSchedulerRecurringFailureDoesNotRearm(t *testing.T) {
	st := storage.NewMockStore()
	wfID, actionID := seedCourse(t, st)
	action, err := st.GetAction(actionID)
	require.NoError(t, err)
	action.Text = "{{ broken_reference }}"
	require.NoError(t, st.UpdateAction(action))

	sched := newScheduler(t, st, &fakeSink{})
	op, err := sched.Create("teacher@uni.edu", models.ScheduledOp{
		WorkflowID: wfID, ActionID: actionID, Name: "hourly broken",
		OpType: models.PersonalizedText, Enabled: true,
		Cron:    &models.CronTuple{Minute: "0", Hour: "*", DayOfMonth: "*", Month: "*", DayOfWeek: "*"},
		Payload: runPayload(),
	})
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	op.ExecuteAt = &past
	require.NoError(t, st.UpdateScheduledOp(op))
	sched.Tick(context.Background(), time.Now())

	stored, err := st.GetScheduledOp(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleDoneError, stored.Status, "only successful runs re-queue")
	assert.Contains(t, stored.LastError, "template error")
}

func TestSchedulerUpdateAndDelete(t *testing.T) {
	st := storage.NewMockStore()
	wfID, actionID := seedCourse(t, st)
	sched := newScheduler(t, st, &fakeSink{})
	at := time.Now().Add(time.Hour)

	op, err := sched.Create("teacher@uni.edu", models.ScheduledOp{
		WorkflowID: wfID, ActionID: actionID, Name: "editable",
		OpType: models.PersonalizedText, Enabled: true,
		ExecuteAt: &at, Payload: runPayload(),
	})
	require.NoError(t, err)

	op.Name = "renamed"
	require.NoError(t, sched.Update("teacher@uni.edu", op))
	stored, err := st.GetScheduledOp(op.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", stored.Name)

	// Executing entries are immutable.
	stored.Status = models.ScheduleExecuting
	require.NoError(t, st.UpdateScheduledOp(stored))
	err = sched.Update("teacher@uni.edu", stored)
	assert.True(t, models.IsValidation(err))

	stored.Status = models.SchedulePending
	require.NoError(t, st.UpdateScheduledOp(stored))
	require.NoError(t, sched.Delete("teacher@uni.edu", op.ID))
	_, err = st.GetScheduledOp(op.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
