package service

import (
	"time"

	"github.com/rowmail/rowmail/internal/log"
	"github.com/rowmail/rowmail/pkg/expr"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
	"github.com/rowmail/rowmail/pkg/table"
)

// ActionService owns the lifecycle of actions and their conditions,
// bindings and rubric cells. Template text is validated on every save so a
// run can only fail on data, never on an unreferencable name introduced
// through the editor.
type ActionService struct {
	store   storage.Store
	table   *table.Accessor
	auditor *Auditor
}

func NewActionService(store storage.Store) *ActionService {
	return &ActionService{
		store:   store,
		table:   table.NewAccessor(store),
		auditor: NewAuditor(store),
	}
}

// CreateAction validates and persists a new action.
func (s *ActionService) CreateAction(user string, a models.Action) (models.Action, error) {
	if a.Name == "" {
		return models.Action{}, models.NewValidationError("action name cannot be empty")
	}
	if !models.ValidActionType(a.Type) {
		return models.Action{}, models.NewValidationError("unknown action type %q", a.Type)
	}
	if err := s.validateText(a.WorkflowID, &a); err != nil {
		return models.Action{}, err
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	id, err := s.store.SaveAction(a)
	if err != nil {
		return models.Action{}, err
	}
	a.ID = id
	s.auditor.Record(user, a.WorkflowID, models.EventActionCreate, map[string]any{
		"action": a.Name, "type": string(a.Type),
	})
	log.GetLogger().Infof("Created action '%s' with ID %d", a.Name, id)
	return a, nil
}

// UpdateAction persists edits to an action's own fields. A save that changes
// nothing is dropped without touching storage or the audit log.
func (s *ActionService) UpdateAction(user string, a models.Action) error {
	current, err := s.store.GetAction(a.ID)
	if err != nil {
		return err
	}
	if current.Name == a.Name && current.Description == a.Description &&
		current.Text == a.Text && current.TargetURL == a.TargetURL &&
		current.Shuffle == a.Shuffle &&
		equalTimePtr(current.ActiveFrom, a.ActiveFrom) &&
		equalTimePtr(current.ActiveTo, a.ActiveTo) {
		return nil
	}
	a.Conditions = current.Conditions
	if err := s.validateText(a.WorkflowID, &a); err != nil {
		return err
	}
	a.UpdatedAt = time.Now()
	if err := s.store.UpdateAction(a); err != nil {
		return err
	}
	s.auditor.Record(user, a.WorkflowID, models.EventActionUpdate, map[string]any{
		"action": a.Name,
	})
	return nil
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// DeleteAction removes an action and everything it owns.
func (s *ActionService) DeleteAction(user string, actionID int64) error {
	a, err := s.store.GetAction(actionID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAction(actionID); err != nil {
		return err
	}
	s.auditor.Record(user, a.WorkflowID, models.EventActionDelete, map[string]any{
		"action": a.Name,
	})
	return nil
}

// SetServeEnabled toggles the learner-facing serve switch of a survey or
// todo list action.
func (s *ActionService) SetServeEnabled(user string, actionID int64, enabled bool) error {
	a, err := s.store.GetAction(actionID)
	if err != nil {
		return err
	}
	if a.Type.IsOutbound() {
		return models.NewValidationError("action %q is not a served action", a.Name)
	}
	if a.ServeEnabled == enabled {
		return nil
	}
	a.ServeEnabled = enabled
	a.UpdatedAt = time.Now()
	if err := s.store.UpdateAction(a); err != nil {
		return err
	}
	s.auditor.Record(user, a.WorkflowID, models.EventActionServeToggled, map[string]any{
		"action": a.Name, "enabled": enabled,
	})
	return nil
}

// validateText checks every template reference against the workflow's
// attributes and columns and the action's non-filter conditions.
func (s *ActionService) validateText(workflowID int64, a *models.Action) error {
	if a.Text == "" {
		return nil
	}
	values, conditions, err := expr.TemplateNames(a.Text)
	if err != nil {
		return err
	}
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(wf.Columns)+len(wf.Attributes))
	for name := range wf.Attributes {
		known[name] = true
	}
	for _, c := range wf.Columns {
		known[c.Name] = true
	}
	for _, name := range values {
		if !known[name] {
			return models.NewValidationError("template references unknown name %q", name)
		}
	}
	for _, name := range conditions {
		if _, ok := a.ConditionByName(name); !ok {
			return models.NewValidationError("template references unknown condition %q", name)
		}
	}
	return nil
}

// CreateCondition saves a condition, refreshes its selected-row count and
// invalidates the action's all-false cache.
func (s *ActionService) CreateCondition(user string, c models.Condition) (models.Condition, error) {
	a, err := s.store.GetAction(c.ActionID)
	if err != nil {
		return models.Condition{}, err
	}
	if !c.IsFilter && c.Name == "" {
		return models.Condition{}, models.NewValidationError("condition name cannot be empty")
	}
	if c.Formula == nil {
		return models.Condition{}, models.NewValidationError("condition requires a formula")
	}
	count, err := s.selectedCount(a.WorkflowID, c.Formula)
	if err != nil {
		return models.Condition{}, err
	}
	c.SelectedCount = count
	id, err := s.store.SaveCondition(c)
	if err != nil {
		return models.Condition{}, err
	}
	c.ID = id
	if err := s.invalidateAllFalse(a); err != nil {
		return models.Condition{}, err
	}
	s.auditor.Record(user, a.WorkflowID, models.EventConditionCreate, map[string]any{
		"action": a.Name, "condition": c.Name, "selected": count,
	})
	return c, nil
}

// UpdateCondition rewrites a condition's formula, refreshing derived state.
func (s *ActionService) UpdateCondition(user string, c models.Condition) error {
	a, err := s.store.GetAction(c.ActionID)
	if err != nil {
		return err
	}
	count, err := s.selectedCount(a.WorkflowID, c.Formula)
	if err != nil {
		return err
	}
	c.SelectedCount = count
	if err := s.store.UpdateCondition(c); err != nil {
		return err
	}
	if err := s.invalidateAllFalse(a); err != nil {
		return err
	}
	s.auditor.Record(user, a.WorkflowID, models.EventConditionUpdate, map[string]any{
		"action": a.Name, "condition": c.Name, "selected": count,
	})
	return nil
}

// DeleteCondition removes a condition. Template text still naming it will
// fail validation on the next save and rendering on the next run.
func (s *ActionService) DeleteCondition(user string, actionID, conditionID int64) error {
	a, err := s.store.GetAction(actionID)
	if err != nil {
		return err
	}
	var name string
	for _, c := range a.Conditions {
		if c.ID == conditionID {
			name = c.Name
		}
	}
	if err := s.store.DeleteCondition(conditionID); err != nil {
		return err
	}
	if err := s.invalidateAllFalse(a); err != nil {
		return err
	}
	s.auditor.Record(user, a.WorkflowID, models.EventConditionDelete, map[string]any{
		"action": a.Name, "condition": name,
	})
	return nil
}

// selectedCount counts the rows a formula selects (true only, nulls count
// as not selected).
func (s *ActionService) selectedCount(workflowID int64, f *expr.Formula) (int, error) {
	cur, err := s.store.ScanRows(workflowID)
	if err != nil {
		return 0, err
	}
	defer cur.Close()
	count := 0
	for {
		_, row, ok, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return count, nil
		}
		verdict, err := expr.Evaluate(f, row)
		if err != nil {
			return 0, err
		}
		if verdict.AsBool() {
			count++
		}
	}
}

// invalidateAllFalse marks the action's all-false row cache stale.
func (s *ActionService) invalidateAllFalse(a models.Action) error {
	a.AllFalseRows = nil
	return s.store.UpdateAction(a)
}

// RowsAllFalse returns the positions of rows for which every non-filter
// condition of the action evaluates to false or null, computing and caching
// the set when stale. Used for the pre-run quality warning.
func (s *ActionService) RowsAllFalse(actionID int64) ([]int, error) {
	a, err := s.store.GetAction(actionID)
	if err != nil {
		return nil, err
	}
	if a.AllFalseRows != nil {
		return a.AllFalseRows, nil
	}
	conditions := a.NonFilterConditions()
	positions := []int{}
	if len(conditions) > 0 {
		cur, err := s.store.ScanRows(a.WorkflowID)
		if err != nil {
			return nil, err
		}
		defer cur.Close()
		for {
			pos, row, ok, err := cur.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			anyTrue := false
			for _, c := range conditions {
				verdict, err := expr.Evaluate(c.Formula, row)
				if err != nil {
					return nil, err
				}
				if verdict.AsBool() {
					anyTrue = true
					break
				}
			}
			if !anyTrue {
				positions = append(positions, pos)
			}
		}
	}
	a.AllFalseRows = positions
	if err := s.store.UpdateAction(a); err != nil {
		return nil, err
	}
	return positions, nil
}

// AddBinding attaches a column to a survey, todo list or rubric action. For
// surveys the binding is a question; the audit event differs per type.
func (s *ActionService) AddBinding(user string, b models.Binding) (models.Binding, error) {
	a, err := s.store.GetAction(b.ActionID)
	if err != nil {
		return models.Binding{}, err
	}
	cols, err := s.store.GetColumns(a.WorkflowID)
	if err != nil {
		return models.Binding{}, err
	}
	found := false
	for _, c := range cols {
		if c.Name == b.ColumnName {
			found = true
			break
		}
	}
	if !found {
		return models.Binding{}, models.NewValidationError("unknown column %q", b.ColumnName)
	}
	if b.ConditionName != "" {
		if _, ok := a.ConditionByName(b.ConditionName); !ok {
			return models.Binding{}, models.NewValidationError("unknown condition %q", b.ConditionName)
		}
	}
	b.Position = len(a.Bindings) + 1
	id, err := s.store.SaveBinding(b)
	if err != nil {
		return models.Binding{}, err
	}
	b.ID = id
	event := models.EventQuestionAdd
	if a.Type == models.TodoList {
		event = models.EventTodoItemAdd
	}
	if a.Type == models.RubricText {
		event = models.EventRubricCriterionAdd
	}
	s.auditor.Record(user, a.WorkflowID, event, map[string]any{
		"action": a.Name, "column": b.ColumnName,
	})
	return b, nil
}

// RemoveBinding detaches a column from the action.
func (s *ActionService) RemoveBinding(user string, actionID, bindingID int64) error {
	a, err := s.store.GetAction(actionID)
	if err != nil {
		return err
	}
	var column string
	for _, b := range a.Bindings {
		if b.ID == bindingID {
			column = b.ColumnName
		}
	}
	if err := s.store.DeleteBinding(bindingID); err != nil {
		return err
	}
	event := models.EventQuestionRemove
	if a.Type == models.RubricText {
		event = models.EventRubricCriterionDelete
	}
	s.auditor.Record(user, a.WorkflowID, event, map[string]any{
		"action": a.Name, "column": column,
	})
	return nil
}

// ToggleBindingChanges flips whether learner submissions may overwrite an
// already present value for the bound column.
func (s *ActionService) ToggleBindingChanges(user string, actionID, bindingID int64) error {
	a, err := s.store.GetAction(actionID)
	if err != nil {
		return err
	}
	for _, b := range a.Bindings {
		if b.ID != bindingID {
			continue
		}
		if err := s.store.DeleteBinding(b.ID); err != nil {
			return err
		}
		b.ChangesAllowed = !b.ChangesAllowed
		if _, err := s.store.SaveBinding(b); err != nil {
			return err
		}
		event := models.EventQuestionToggleChanges
		if a.Type == models.TodoList {
			event = models.EventTodoItemToggleChanges
		}
		s.auditor.Record(user, a.WorkflowID, event, map[string]any{
			"action": a.Name, "column": b.ColumnName, "changes_allowed": b.ChangesAllowed,
		})
		return nil
	}
	return storage.ErrNotFound
}

// EditRubricCell rewrites the description and feedback of one
// (criterion, level) pair.
func (s *ActionService) EditRubricCell(user string, cell models.RubricCell) error {
	a, err := s.store.GetAction(cell.ActionID)
	if err != nil {
		return err
	}
	if a.Type != models.RubricText {
		return models.NewValidationError("action %q is not a rubric", a.Name)
	}
	if cell.ID == 0 {
		if _, err := s.store.SaveRubricCell(cell); err != nil {
			return err
		}
	} else if err := s.store.UpdateRubricCell(cell); err != nil {
		return err
	}
	s.auditor.Record(user, a.WorkflowID, models.EventRubricCellEdit, map[string]any{
		"action": a.Name, "column": cell.ColumnName, "loa": cell.LOAIndex,
	})
	return nil
}

// EditRubricLOA replaces the shared level-of-attainment set. Every criterion
// column of the rubric gets the new category list in one transaction; rubric
// criteria must keep identical level sets.
func (s *ActionService) EditRubricLOA(user string, actionID int64, levels []string) (err error) {
	a, err := s.store.GetAction(actionID)
	if err != nil {
		return err
	}
	if a.Type != models.RubricText {
		return models.NewValidationError("action %q is not a rubric", a.Name)
	}
	if len(levels) == 0 {
		return models.NewValidationError("a rubric needs at least one level of attainment")
	}
	cols, err := s.store.GetColumns(a.WorkflowID)
	if err != nil {
		return err
	}
	byName := make(map[string]models.Column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
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

	for _, b := range a.Bindings {
		col, ok := byName[b.ColumnName]
		if !ok {
			return models.NewValidationError("criterion column %q no longer exists", b.ColumnName)
		}
		col.Categories = append([]string(nil), levels...)
		if err = txStore.UpdateColumn(col); err != nil {
			return err
		}
	}
	s.auditor.Record(user, a.WorkflowID, models.EventRubricLOAEdit, map[string]any{
		"action": a.Name, "levels": levels,
	})
	return nil
}
