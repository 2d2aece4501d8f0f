package storage

import (
	"errors"
	"time"

	"github.com/rowmail/rowmail/pkg/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// RowCursor is a lazy, non-restartable walk over a workflow's rows in
// position order. Re-reading requires a new cursor.
type RowCursor interface {
	// Next returns the next row. ok is false once the cursor is exhausted.
	Next() (position int, values map[string]any, ok bool, err error)
	Close() error
}

// Store defines the persistence operations of the action execution core.
// Begin returns a transaction-scoped store; every multi-step edit (clone,
// import, rubric level edit, track-column provisioning) runs inside one and
// rolls back on any step's failure.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflows.
	SaveWorkflow(w models.Workflow) (int64, error)
	GetWorkflow(id int64) (models.Workflow, error)
	ListWorkflows() ([]models.Workflow, error)
	UpdateWorkflow(w models.Workflow) error
	DeleteWorkflow(id int64) error

	// Columns, ordered by position.
	SaveColumn(c models.Column) (int64, error)
	GetColumns(workflowID int64) ([]models.Column, error)
	UpdateColumn(c models.Column) error
	DeleteColumn(workflowID int64, name string) error

	// Actions with their conditions, bindings and rubric cells.
	SaveAction(a models.Action) (int64, error)
	GetAction(id int64) (models.Action, error)
	GetActionByName(workflowID int64, name string) (models.Action, error)
	ListActions(workflowID int64) ([]models.Action, error)
	UpdateAction(a models.Action) error
	DeleteAction(id int64) error

	SaveCondition(c models.Condition) (int64, error)
	UpdateCondition(c models.Condition) error
	DeleteCondition(id int64) error

	SaveBinding(b models.Binding) (int64, error)
	DeleteBinding(id int64) error

	SaveRubricCell(c models.RubricCell) (int64, error)
	UpdateRubricCell(c models.RubricCell) error

	// Views.
	SaveView(v models.View) (int64, error)
	GetViews(workflowID int64) ([]models.View, error)
	UpdateView(v models.View) error
	DeleteView(id int64) error

	// Table rows. Values are keyed by column name; a missing key is the
	// bottom value.
	RowCount(workflowID int64) (int, error)
	ScanRows(workflowID int64) (RowCursor, error)
	AppendRow(workflowID int64, values map[string]any) (int, error)
	UpdateRowValues(workflowID int64, position int, values map[string]any) error
	RenameRowKey(workflowID int64, oldName, newName string) error
	DeleteRowKey(workflowID int64, name string) error
	DeleteRows(workflowID int64) error
	CopyRows(srcWorkflowID, dstWorkflowID int64) error

	// Scheduled operations.
	SaveScheduledOp(op models.ScheduledOp) (int64, error)
	GetScheduledOp(id int64) (models.ScheduledOp, error)
	ListScheduledOps(workflowID int64) ([]models.ScheduledOp, error)
	UpdateScheduledOp(op models.ScheduledOp) error
	DeleteScheduledOp(id int64) error
	// ClaimDueOps atomically flips enabled pending entries whose trigger
	// time is due to executing and returns them.
	ClaimDueOps(now time.Time) ([]models.ScheduledOp, error)

	// Append-only log. Mutation is restricted to the governing run entry:
	// UpdateLogStatus walks its status ladder and AnnotateLog merges run
	// outcome figures into its payload.
	AppendLog(entry models.LogEntry) (int64, error)
	GetLog(id int64) (models.LogEntry, error)
	UpdateLogStatus(id int64, status string) error
	AnnotateLog(id int64, updates map[string]any) error
	ListLogs(workflowID int64, event string, offset, limit int) ([]models.LogEntry, error)

	// OAuth tokens, keyed by (principal, instance).
	SaveToken(t models.OAuthToken) error
	GetToken(user, instance string) (models.OAuthToken, error)
}
