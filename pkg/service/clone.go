package service

import (
	"time"

	"github.com/rowmail/rowmail/internal/log"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
	"github.com/rowmail/rowmail/pkg/table"
)

// copyName prepends "Copy of " as many times as needed to clear the
// namespace the exists predicate describes.
func copyName(name string, exists func(string) bool) string {
	for exists(name) {
		name = "Copy of " + name
	}
	return name
}

// CloneAction duplicates an action inside its workflow: conditions,
// bindings and rubric cells included, with every cross-reference remapped
// by name. The whole clone is one transaction.
func (s *ActionService) CloneAction(user string, actionID int64) (_ models.Action, err error) {
	src, err := s.store.GetAction(actionID)
	if err != nil {
		return models.Action{}, err
	}
	siblings, err := s.store.ListActions(src.WorkflowID)
	if err != nil {
		return models.Action{}, err
	}
	taken := make(map[string]bool, len(siblings))
	for _, a := range siblings {
		taken[a.Name] = true
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Action{}, err
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

	clone := src
	clone.ID = 0
	clone.Name = copyName(src.Name, func(n string) bool { return taken[n] })
	clone.LastExecutedLog = 0
	clone.AllFalseRows = nil
	clone.CreatedAt = time.Now()
	clone.UpdatedAt = clone.CreatedAt
	clone.Conditions, clone.Bindings, clone.RubricCells = nil, nil, nil

	newID, err := txStore.SaveAction(clone)
	if err != nil {
		return models.Action{}, err
	}
	clone.ID = newID

	for _, cond := range src.Conditions {
		cp := cond.Clone()
		cp.ActionID = newID
		if _, err = txStore.SaveCondition(cp); err != nil {
			return models.Action{}, err
		}
	}
	// Bindings reference conditions by name, so they carry over untouched.
	for _, b := range src.Bindings {
		b.ID = 0
		b.ActionID = newID
		if _, err = txStore.SaveBinding(b); err != nil {
			return models.Action{}, err
		}
	}
	for _, cell := range src.RubricCells {
		cell.ID = 0
		cell.ActionID = newID
		if _, err = txStore.SaveRubricCell(cell); err != nil {
			return models.Action{}, err
		}
	}

	if _, err = txStore.AppendLog(models.LogEntry{
		CreatedAt:  time.Now(),
		User:       user,
		WorkflowID: src.WorkflowID,
		Event:      models.EventActionClone,
		Payload:    map[string]any{"source": src.Name, "clone": clone.Name},
	}); err != nil {
		return models.Action{}, err
	}
	return clone, nil
}

// CloneCondition duplicates a non-filter condition within its action.
func (s *ActionService) CloneCondition(user string, actionID, conditionID int64) (models.Condition, error) {
	a, err := s.store.GetAction(actionID)
	if err != nil {
		return models.Condition{}, err
	}
	var src *models.Condition
	taken := make(map[string]bool)
	for i, c := range a.Conditions {
		if c.ID == conditionID {
			src = &a.Conditions[i]
		}
		taken[c.Name] = true
	}
	if src == nil {
		return models.Condition{}, storage.ErrNotFound
	}
	if src.IsFilter {
		return models.Condition{}, models.NewValidationError("a filter cannot be cloned")
	}
	clone := src.Clone()
	clone.Name = copyName(src.Name, func(n string) bool { return taken[n] })
	id, err := s.store.SaveCondition(clone)
	if err != nil {
		return models.Condition{}, err
	}
	clone.ID = id
	s.auditor.Record(user, a.WorkflowID, models.EventConditionClone, map[string]any{
		"action": a.Name, "source": src.Name, "clone": clone.Name,
	})
	return clone, nil
}

// CloneColumn duplicates a column with its stored values.
func (s *ActionService) CloneColumn(user string, workflowID int64, name string) (_ models.Column, err error) {
	cols, err := s.store.GetColumns(workflowID)
	if err != nil {
		return models.Column{}, err
	}
	var src *models.Column
	taken := make(map[string]bool, len(cols))
	for i, c := range cols {
		if c.Name == name {
			src = &cols[i]
		}
		taken[c.Name] = true
	}
	if src == nil {
		return models.Column{}, storage.ErrNotFound
	}

	clone := *src
	clone.ID = 0
	clone.IsKey = false
	clone.Name = copyName(src.Name, func(n string) bool { return taken[n] })
	clone.Position = len(cols) + 1

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Column{}, err
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

	id, err := txStore.SaveColumn(clone)
	if err != nil {
		return models.Column{}, err
	}
	clone.ID = id

	n, err := txStore.RowCount(workflowID)
	if err != nil {
		return models.Column{}, err
	}
	cur, err := txStore.ScanRows(workflowID)
	if err != nil {
		return models.Column{}, err
	}
	defer cur.Close()
	for pos := 1; pos <= n; pos++ {
		_, row, ok, nextErr := cur.Next()
		if nextErr != nil {
			err = nextErr
			return models.Column{}, err
		}
		if !ok {
			break
		}
		if v, present := row[src.Name]; present {
			if err = txStore.UpdateRowValues(workflowID, pos, map[string]any{clone.Name: v}); err != nil {
				return models.Column{}, err
			}
		}
	}
	if _, err = txStore.AppendLog(models.LogEntry{
		CreatedAt:  time.Now(),
		User:       user,
		WorkflowID: workflowID,
		Event:      models.EventColumnClone,
		Payload:    map[string]any{"source": src.Name, "clone": clone.Name},
	}); err != nil {
		return models.Column{}, err
	}
	return clone, nil
}

// CloneView duplicates a view within its workflow.
func (s *ActionService) CloneView(user string, viewID int64, workflowID int64) (models.View, error) {
	views, err := s.store.GetViews(workflowID)
	if err != nil {
		return models.View{}, err
	}
	var src *models.View
	taken := make(map[string]bool, len(views))
	for i, v := range views {
		if v.ID == viewID {
			src = &views[i]
		}
		taken[v.Name] = true
	}
	if src == nil {
		return models.View{}, storage.ErrNotFound
	}
	clone := *src
	clone.ID = 0
	clone.Name = copyName(src.Name, func(n string) bool { return taken[n] })
	clone.Columns = append([]string(nil), src.Columns...)
	clone.Filter = src.Filter.Clone()
	id, err := s.store.SaveView(clone)
	if err != nil {
		return models.View{}, err
	}
	clone.ID = id
	s.auditor.Record(user, workflowID, models.EventViewClone, map[string]any{
		"source": src.Name, "clone": clone.Name,
	})
	return clone, nil
}

// CloneWorkflow duplicates a workflow wholesale: table, actions with their
// owned entities, and views. Scheduled operations and logs stay behind.
func (s *ActionService) CloneWorkflow(user string, workflowID int64) (_ models.Workflow, err error) {
	src, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return models.Workflow{}, err
	}
	all, err := s.store.ListWorkflows()
	if err != nil {
		return models.Workflow{}, err
	}
	taken := make(map[string]bool, len(all))
	for _, w := range all {
		taken[w.Name] = true
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Workflow{}, err
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

	clone := src
	clone.ID = 0
	clone.Name = copyName(src.Name, func(n string) bool { return taken[n] })
	clone.Columns = nil
	clone.CreatedAt = time.Now()
	clone.UpdatedAt = clone.CreatedAt
	clone.Attributes = make(map[string]string, len(src.Attributes))
	for k, v := range src.Attributes {
		clone.Attributes[k] = v
	}
	clone.SharedWith = append([]string(nil), src.SharedWith...)

	newID, err := txStore.SaveWorkflow(clone)
	if err != nil {
		return models.Workflow{}, err
	}
	clone.ID = newID

	if err = table.CopyTable(txStore, workflowID, newID); err != nil {
		return models.Workflow{}, err
	}

	actions, err := txStore.ListActions(workflowID)
	if err != nil {
		return models.Workflow{}, err
	}
	for _, a := range actions {
		cp := a
		cp.ID = 0
		cp.WorkflowID = newID
		cp.LastExecutedLog = 0
		cp.AllFalseRows = nil
		cp.Conditions, cp.Bindings, cp.RubricCells = nil, nil, nil
		aid, saveErr := txStore.SaveAction(cp)
		if saveErr != nil {
			err = saveErr
			return models.Workflow{}, err
		}
		for _, cond := range a.Conditions {
			cc := cond.Clone()
			cc.ActionID = aid
			if _, err = txStore.SaveCondition(cc); err != nil {
				return models.Workflow{}, err
			}
		}
		for _, b := range a.Bindings {
			b.ID = 0
			b.ActionID = aid
			if _, err = txStore.SaveBinding(b); err != nil {
				return models.Workflow{}, err
			}
		}
		for _, cell := range a.RubricCells {
			cell.ID = 0
			cell.ActionID = aid
			if _, err = txStore.SaveRubricCell(cell); err != nil {
				return models.Workflow{}, err
			}
		}
	}

	views, err := txStore.GetViews(workflowID)
	if err != nil {
		return models.Workflow{}, err
	}
	for _, v := range views {
		v.ID = 0
		v.WorkflowID = newID
		if _, err = txStore.SaveView(v); err != nil {
			return models.Workflow{}, err
		}
	}

	if _, err = txStore.AppendLog(models.LogEntry{
		CreatedAt:  time.Now(),
		User:       user,
		WorkflowID: newID,
		Event:      models.EventWorkflowClone,
		Payload:    map[string]any{"source": src.Name, "clone": clone.Name},
	}); err != nil {
		return models.Workflow{}, err
	}
	log.GetLogger().Infof("Cloned workflow '%s' into '%s' (ID %d)", src.Name, clone.Name, newID)
	return clone, nil
}
