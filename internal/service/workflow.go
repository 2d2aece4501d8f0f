package service

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/rowmail/rowmail/internal/log"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
	"github.com/rowmail/rowmail/pkg/table"
)

// WorkflowService owns the workflow lifecycle: creation, attributes,
// sharing, the key column and teardown.
type WorkflowService struct {
	store storage.Store
	table *table.Accessor
}

func NewWorkflowService(store storage.Store) *WorkflowService {
	return &WorkflowService{store: store, table: table.NewAccessor(store)}
}

func (s *WorkflowService) CreateWorkflow(user, name string) (id int64, err error) {
	if name == "" {
		return 0, errors.New("workflow name cannot be empty")
	}
	if len(name) > 100 {
		return 0, errors.New("workflow name too long (max 100 characters)")
	}
	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				log.GetLogger().Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			log.GetLogger().Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	wf := models.Workflow{
		Name:       name,
		Attributes: map[string]string{},
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	id, err = txStore.SaveWorkflow(wf)
	if err != nil {
		return 0, err
	}
	if _, err = txStore.AppendLog(models.LogEntry{
		CreatedAt:  time.Now(),
		User:       user,
		WorkflowID: id,
		Event:      models.EventWorkflowCreate,
		Payload:    map[string]any{"name": name},
	}); err != nil {
		return 0, err
	}
	log.GetLogger().Infof("Created workflow '%s' with ID %d", name, id)
	return id, nil
}

func (s *WorkflowService) GetWorkflow(id int64) (models.Workflow, error) {
	return s.store.GetWorkflow(id)
}

func (s *WorkflowService) ListWorkflows() ([]models.Workflow, error) {
	return s.store.ListWorkflows()
}

// SetAttribute creates or updates one template attribute.
func (s *WorkflowService) SetAttribute(user string, id int64, name, value string) error {
	wf, err := s.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	event := models.EventWorkflowAttributeCreate
	if _, exists := wf.Attributes[name]; exists {
		event = models.EventWorkflowAttributeUpdate
	}
	wf.Attributes[name] = value
	wf.UpdatedAt = time.Now()
	if err := s.store.UpdateWorkflow(wf); err != nil {
		return err
	}
	return s.record(user, id, event, map[string]any{"attribute": name})
}

// DeleteAttribute removes one template attribute. Action templates naming
// it will fail validation on their next save.
func (s *WorkflowService) DeleteAttribute(user string, id int64, name string) error {
	wf, err := s.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	if _, exists := wf.Attributes[name]; !exists {
		return storage.ErrNotFound
	}
	delete(wf.Attributes, name)
	wf.UpdatedAt = time.Now()
	if err := s.store.UpdateWorkflow(wf); err != nil {
		return err
	}
	return s.record(user, id, models.EventWorkflowAttributeDelete, map[string]any{"attribute": name})
}

// Share grants another user access to the workflow.
func (s *WorkflowService) Share(user string, id int64, email string) error {
	wf, err := s.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	for _, existing := range wf.SharedWith {
		if existing == email {
			return nil
		}
	}
	wf.SharedWith = append(wf.SharedWith, email)
	wf.UpdatedAt = time.Now()
	if err := s.store.UpdateWorkflow(wf); err != nil {
		return err
	}
	return s.record(user, id, models.EventWorkflowShareAdd, map[string]any{"email": email})
}

// Unshare revokes a user's access.
func (s *WorkflowService) Unshare(user string, id int64, email string) error {
	wf, err := s.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	kept := wf.SharedWith[:0]
	for _, existing := range wf.SharedWith {
		if existing != email {
			kept = append(kept, existing)
		}
	}
	wf.SharedWith = kept
	wf.UpdatedAt = time.Now()
	if err := s.store.UpdateWorkflow(wf); err != nil {
		return err
	}
	return s.record(user, id, models.EventWorkflowShareDelete, map[string]any{"email": email})
}

// SetKeyColumn marks a column as the learner key after checking uniqueness
// of its stored values, and caches the content hash for staleness checks.
func (s *WorkflowService) SetKeyColumn(user string, id int64, name string) (err error) {
	wf, err := s.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	col, ok := wf.ColumnByName(name)
	if !ok {
		return storage.ErrNotFound
	}
	if err := s.checkUnique(id, name); err != nil {
		return err
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				log.GetLogger().Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			log.GetLogger().Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	col.IsKey = true
	if err = txStore.UpdateColumn(*col); err != nil {
		return err
	}
	hash, err := s.table.ColumnHash(id, name)
	if err != nil {
		return err
	}
	wf.KeyColumn = name
	wf.KeyColumnHash = hash
	wf.UpdatedAt = time.Now()
	wf.Columns = nil
	if err = txStore.UpdateWorkflow(wf); err != nil {
		return err
	}
	if _, err = txStore.AppendLog(models.LogEntry{
		CreatedAt:  time.Now(),
		User:       user,
		WorkflowID: id,
		Event:      models.EventColumnEdit,
		Payload:    map[string]any{"column": name, "is_key": true},
	}); err != nil {
		return err
	}
	return nil
}

// checkUnique verifies every present value of the column occurs once.
func (s *WorkflowService) checkUnique(workflowID int64, name string) error {
	cur, err := s.store.ScanRows(workflowID)
	if err != nil {
		return err
	}
	defer cur.Close()
	seen := make(map[string]bool)
	for {
		_, row, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		v, present := row[name]
		if !present || v == nil {
			continue
		}
		key := valueKey(v)
		if seen[key] {
			return &models.KeyNotUniqueError{Column: name}
		}
		seen[key] = true
	}
}

// FlushData drops all rows while keeping the schema and actions.
func (s *WorkflowService) FlushData(user string, id int64) (err error) {
	wf, err := s.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				log.GetLogger().Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			log.GetLogger().Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if err = txStore.DeleteRows(id); err != nil {
		return err
	}
	wf.KeyColumnHash = ""
	wf.UpdatedAt = time.Now()
	wf.Columns = nil
	if err = txStore.UpdateWorkflow(wf); err != nil {
		return err
	}
	if _, err = txStore.AppendLog(models.LogEntry{
		CreatedAt:  time.Now(),
		User:       user,
		WorkflowID: id,
		Event:      models.EventWorkflowDataFlush,
		Payload:    map[string]any{"name": wf.Name},
	}); err != nil {
		return err
	}
	log.GetLogger().Infof("Flushed data of workflow '%s'", wf.Name)
	return nil
}

// DeleteWorkflow tears down the workflow and everything it owns.
func (s *WorkflowService) DeleteWorkflow(user string, id int64) error {
	wf, err := s.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteWorkflow(id); err != nil {
		return err
	}
	log.GetLogger().Infof("Deleted workflow '%s' (ID %d)", wf.Name, id)
	return nil
}

func (s *WorkflowService) record(user string, workflowID int64, event string, payload map[string]any) error {
	_, err := s.store.AppendLog(models.LogEntry{
		CreatedAt:  time.Now(),
		User:       user,
		WorkflowID: workflowID,
		Event:      event,
		Payload:    payload,
	})
	return err
}

func valueKey(v any) string {
	return fmt.Sprint(v)
}
