package models

import (
	"fmt"
	"time"
)

// ScheduledStatus tracks the lifecycle of a scheduled operation.
type ScheduledStatus string

const (
	ScheduleCreating  ScheduledStatus = "creating"
	SchedulePending   ScheduledStatus = "pending"
	ScheduleExecuting ScheduledStatus = "executing"
	ScheduleDone      ScheduledStatus = "done"
	ScheduleDoneError ScheduledStatus = "done_error"
)

// CronTuple is a crontab-style trigger: minute, hour, day of month, month,
// day of week. Each field accepts the usual crontab syntax.
type CronTuple struct {
	Minute     string `json:"minute"`
	Hour       string `json:"hour"`
	DayOfMonth string `json:"day_of_month"`
	Month      string `json:"month"`
	DayOfWeek  string `json:"day_of_week"`
}

// Spec renders the tuple as a five-field crontab expression.
func (c CronTuple) Spec() string {
	return fmt.Sprintf("%s %s %s %s %s",
		c.Minute, c.Hour, c.DayOfMonth, c.Month, c.DayOfWeek)
}

// ScheduledOp is a future or recurring invocation of an action. Either
// ExecuteAt (one-shot) or Cron (recurring) is set. The payload is the same
// run payload an interactive run would carry. Names are unique per workflow.
type ScheduledOp struct {
	ID         int64           `json:"id" db:"id"`
	WorkflowID int64           `json:"workflow_id" db:"workflow_id"`
	ActionID   int64           `json:"action_id" db:"action_id"`
	Name       string          `json:"name" db:"name"`
	OpType     ActionType      `json:"operation_type" db:"operation_type"`
	Status     ScheduledStatus `json:"status" db:"status"`
	Enabled    bool            `json:"enabled" db:"enabled"`

	ExecuteAt *time.Time `json:"execute_at,omitempty" db:"execute_at"`
	Cron      *CronTuple `json:"cron,omitempty"`

	Payload   map[string]any `json:"payload"`
	LastError string         `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Recurring reports whether the operation re-queues itself after each run.
func (s *ScheduledOp) Recurring() bool {
	return s.Cron != nil
}
