package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
)

// cronParser accepts the five-field crontab syntax of the cron tuple.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler owns scheduled operations: their lifecycle, the ticker that
// claims due entries and the hand-off to the run service. Recurring entries
// re-arm themselves after each successful firing.
type Scheduler struct {
	store    storage.Store
	runs     *RunService
	auditor  *Auditor
	logger   Logger
	interval time.Duration
}

func NewScheduler(store storage.Store, runs *RunService, logger Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{
		store:    store,
		runs:     runs,
		auditor:  NewAuditor(store),
		logger:   logger,
		interval: interval,
	}
}

// Create validates and persists a scheduled operation. The entry is born in
// the creating state and flips to pending once the trigger is resolved.
func (s *Scheduler) Create(user string, op models.ScheduledOp) (models.ScheduledOp, error) {
	if err := s.validate(&op); err != nil {
		return models.ScheduledOp{}, err
	}
	op.Status = models.SchedulePending
	op.CreatedAt = time.Now()
	op.UpdatedAt = op.CreatedAt
	id, err := s.store.SaveScheduledOp(op)
	if err != nil {
		return models.ScheduledOp{}, err
	}
	op.ID = id
	s.auditor.Record(user, op.WorkflowID, models.EventScheduleCreate, map[string]any{
		"name": op.Name, "operation": string(op.OpType),
	})
	return op, nil
}

// Update rewrites a pending scheduled operation. Executing entries cannot
// be edited.
func (s *Scheduler) Update(user string, op models.ScheduledOp) error {
	current, err := s.store.GetScheduledOp(op.ID)
	if err != nil {
		return err
	}
	if current.Status == models.ScheduleExecuting {
		return models.NewValidationError("scheduled operation %q is executing", current.Name)
	}
	if err := s.validate(&op); err != nil {
		return err
	}
	op.Status = models.SchedulePending
	op.UpdatedAt = time.Now()
	if err := s.store.UpdateScheduledOp(op); err != nil {
		return err
	}
	s.auditor.Record(user, op.WorkflowID, models.EventScheduleEdit, map[string]any{
		"name": op.Name,
	})
	return nil
}

// Delete removes a scheduled operation.
func (s *Scheduler) Delete(user string, id int64) error {
	op, err := s.store.GetScheduledOp(id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteScheduledOp(id); err != nil {
		return err
	}
	s.auditor.Record(user, op.WorkflowID, models.EventScheduleDelete, map[string]any{
		"name": op.Name,
	})
	return nil
}

// validate checks the trigger and the action binding, resolving the first
// firing time of recurring entries.
func (s *Scheduler) validate(op *models.ScheduledOp) error {
	if op.Name == "" {
		return models.NewValidationError("schedule name cannot be empty")
	}
	action, err := s.store.GetAction(op.ActionID)
	if err != nil {
		return err
	}
	if action.Type != op.OpType {
		return models.NewValidationError(
			"operation type %q does not match action type %q", op.OpType, action.Type)
	}
	if !op.OpType.IsOutbound() || op.OpType == models.ZipOperation {
		return models.NewValidationError("action type %q cannot be scheduled", op.OpType)
	}
	if err := validateRunParams(op.OpType, op.Payload); err != nil {
		return err
	}
	if op.ExecuteAt == nil && op.Cron == nil {
		return models.NewValidationError("schedule requires an execution time or a cron tuple")
	}
	if op.Cron != nil {
		next, err := s.nextFiring(op, time.Now())
		if err != nil {
			return err
		}
		op.ExecuteAt = &next
	}
	return nil
}

// nextFiring resolves the next firing instant of a recurring entry in the
// owner's timezone, falling back to the server zone.
func (s *Scheduler) nextFiring(op *models.ScheduledOp, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(op.Cron.Spec())
	if err != nil {
		return time.Time{}, models.NewValidationError("invalid cron tuple: %v", err)
	}
	loc := time.Local
	if tz, ok := op.Payload["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, models.NewValidationError("unknown timezone %q", tz)
		}
		loc = parsed
	}
	return sched.Next(now.In(loc)), nil
}

// Start runs the claim loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Infof("Scheduler started, tick every %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("Scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick claims every due entry and fires it. Exposed for tests and for the
// CLI's run-once mode.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.ClaimDueOps(now)
	if err != nil {
		s.logger.Errorf("Failed to claim due schedules: %v", err)
		return
	}
	for _, op := range due {
		s.fire(ctx, op, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, op models.ScheduledOp, now time.Time) {
	s.logger.Infof("Firing scheduled operation %q (id %d)", op.Name, op.ID)
	user, _ := op.Payload["user"].(string)

	logID, err := s.runs.Run(ctx, user, op.ActionID, op.Payload)
	if err == nil {
		err = s.runs.dispatcher.Wait(logID)
	}

	op.LastError = ""
	switch {
	case err != nil:
		// A failed firing parks the entry, recurring or not; the operator
		// re-enables it after fixing the cause.
		op.Status = models.ScheduleDoneError
		op.LastError = err.Error()
		s.logger.Errorf("Scheduled operation %q failed: %v", op.Name, err)
	case op.Recurring():
		// Re-arm after a successful run: back to pending at the next
		// firing time.
		next, cronErr := s.nextFiring(&op, now)
		if cronErr != nil {
			s.logger.Errorf("Failed to re-arm %q: %v", op.Name, cronErr)
			op.Status = models.ScheduleDoneError
			op.LastError = cronErr.Error()
		} else {
			op.Status = models.SchedulePending
			op.ExecuteAt = &next
		}
	default:
		op.Status = models.ScheduleDone
	}
	op.UpdatedAt = time.Now()
	if err := s.store.UpdateScheduledOp(op); err != nil {
		s.logger.Errorf("Failed to update schedule %q: %v", op.Name, err)
	}
}
