package service

import (
	"time"

	"github.com/rowmail/rowmail/internal/log"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
)

// Auditor appends entries to the append-only log. Every significant
// operation records exactly one entry; runs additionally get a governing
// entry whose status walks the run ladder.
type Auditor struct {
	store storage.Store
}

func NewAuditor(store storage.Store) *Auditor {
	return &Auditor{store: store}
}

// Record appends one audit entry and returns its id.
func (a *Auditor) Record(user string, workflowID int64, event string, payload map[string]any) (int64, error) {
	id, err := a.store.AppendLog(models.LogEntry{
		CreatedAt:  time.Now(),
		User:       user,
		WorkflowID: workflowID,
		Event:      event,
		Payload:    payload,
	})
	if err != nil {
		log.GetLogger().Errorf("Failed to append %s log entry: %v", event, err)
		return 0, err
	}
	return id, nil
}

// OpenRun appends the governing entry of a run in the Preparing state.
func (a *Auditor) OpenRun(user string, workflowID int64, event string, payload map[string]any) (int64, error) {
	return a.store.AppendLog(models.LogEntry{
		CreatedAt:  time.Now(),
		User:       user,
		WorkflowID: workflowID,
		Event:      event,
		Status:     models.RunStatusPreparing,
		Payload:    payload,
	})
}

// MarkExecuting moves the governing entry from Preparing to Executing.
func (a *Auditor) MarkExecuting(logID int64) error {
	return a.store.UpdateLogStatus(logID, models.RunStatusExecuting)
}

// AnnotateRun merges run outcome figures (objects sent, filter presence)
// into the governing entry's payload.
func (a *Auditor) AnnotateRun(logID int64, updates map[string]any) error {
	return a.store.AnnotateLog(logID, updates)
}

// CloseRun finishes the governing entry: success or an error terminal state.
// The ladder is monotonic, so a second close is rejected by the store.
func (a *Auditor) CloseRun(logID int64, runErr error) error {
	status := models.RunStatusDone
	if runErr != nil {
		status = models.RunStatusErrorPrefix + runErr.Error()
	}
	return a.store.UpdateLogStatus(logID, status)
}
