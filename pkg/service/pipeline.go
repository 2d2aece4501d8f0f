package service

import (
	"context"

	"github.com/rowmail/rowmail/internal/log"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
)

// RunService turns a run request into a queued dispatch: parameters are
// validated, the governing log entry opens in Preparing, and the job goes
// to the dispatcher. Zip runs complete synchronously since the caller
// downloads the archive.
type RunService struct {
	store      storage.Store
	dispatcher *Dispatcher
	auditor    *Auditor
}

func NewRunService(store storage.Store, dispatcher *Dispatcher) *RunService {
	return &RunService{
		store:      store,
		dispatcher: dispatcher,
		auditor:    NewAuditor(store),
	}
}

// Run queues an outbound action. It returns the id of the governing log
// entry, which the caller can poll or wait on. Nothing is dispatched if
// validation fails; the log stays untouched.
func (s *RunService) Run(ctx context.Context, user string, actionID int64, payload map[string]any) (int64, error) {
	action, err := s.store.GetAction(actionID)
	if err != nil {
		return 0, err
	}
	if !action.Type.IsOutbound() {
		return 0, models.NewValidationError(
			"action %q collects data; enable serving instead of running it", action.Name)
	}
	if action.Type == models.ZipOperation {
		return 0, models.NewValidationError(
			"zip actions run synchronously; request the archive download")
	}
	if err := validateRunParams(action.Type, payload); err != nil {
		return 0, err
	}

	logID, err := s.auditor.OpenRun(user, action.WorkflowID, RunEvent(action.Type), auditablePayload(payload))
	if err != nil {
		return 0, err
	}

	job := &RunJob{
		Ctx:      ctx,
		User:     user,
		ActionID: actionID,
		LogID:    logID,
		Payload:  payload,
	}
	if err := s.dispatcher.Submit(job); err != nil {
		// The governing entry exists; close it so it does not dangle in
		// Preparing forever.
		if closeErr := s.auditor.CloseRun(logID, err); closeErr != nil {
			log.GetLogger().Errorf("Failed to close undispatchable run %d: %v", logID, closeErr)
		}
		return 0, err
	}
	return logID, nil
}

// RunZip validates and executes a zip action synchronously, walking the
// governing entry through the full ladder before returning the archive.
func (s *RunService) RunZip(user string, actionID int64, payload map[string]any) (string, []byte, error) {
	action, err := s.store.GetAction(actionID)
	if err != nil {
		return "", nil, err
	}
	if action.Type != models.ZipOperation {
		return "", nil, models.NewValidationError("action %q is not a zip action", action.Name)
	}
	if err := validateRunParams(action.Type, payload); err != nil {
		return "", nil, err
	}

	logID, err := s.auditor.OpenRun(user, action.WorkflowID, models.EventActionZip, auditablePayload(payload))
	if err != nil {
		return "", nil, err
	}
	if err := s.auditor.MarkExecuting(logID); err != nil {
		return "", nil, err
	}

	name, data, packed, err := BuildZip(s.store, action, payload)
	if err == nil {
		if annErr := s.auditor.AnnotateRun(logID, map[string]any{
			"objects_sent":   packed,
			"filter_present": action.Filter() != nil,
		}); annErr != nil {
			log.GetLogger().Errorf("Failed to annotate zip run %d: %v", logID, annErr)
		}
	}
	if closeErr := s.auditor.CloseRun(logID, err); closeErr != nil {
		log.GetLogger().Errorf("Failed to close zip run %d: %v", logID, closeErr)
	}
	if err != nil {
		return "", nil, err
	}

	action.LastExecutedLog = logID
	if err := s.store.UpdateAction(action); err != nil {
		log.GetLogger().Errorf("Failed to record last run of action %d: %v", action.ID, err)
	}
	s.auditor.Record(user, action.WorkflowID, models.EventActionDownload, map[string]any{
		"action": action.Name, "file": name, "size": len(data),
	})
	return name, data, nil
}

// auditablePayload copies the run payload for the log, dropping credentials.
func auditablePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "token" {
			continue
		}
		out[k] = v
	}
	return out
}
