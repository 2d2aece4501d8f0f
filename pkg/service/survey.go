package service

import (
	"math/rand"
	"time"

	"github.com/rowmail/rowmail/pkg/expr"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
	"github.com/rowmail/rowmail/pkg/table"
)

// Question is one survey entry as presented: the bound column, its
// admissible values and the current answer.
type Question struct {
	ColumnName string   `json:"column_name"`
	Categories []string `json:"categories,omitempty"`
	Value      any      `json:"value,omitempty"`
	ReadOnly   bool     `json:"read_only"`
}

// SurveyPage is a rendered survey or todo list for one row.
type SurveyPage struct {
	ActionName  string     `json:"action_name"`
	Description string     `json:"description,omitempty"`
	Position    int        `json:"-"`
	Questions   []Question `json:"questions"`
}

// SurveyService serves surveys and todo lists and writes submissions back
// into the table. Learners reach their own row through the workflow key
// column; staff can address any row by its key value.
type SurveyService struct {
	store   storage.Store
	table   *table.Accessor
	auditor *Auditor
}

func NewSurveyService(store storage.Store) *SurveyService {
	return &SurveyService{
		store:   store,
		table:   table.NewAccessor(store),
		auditor: NewAuditor(store),
	}
}

// Render builds the survey page for the learner's own row. Key columns are
// read-only in this mode.
func (s *SurveyService) Render(user string, actionID int64, now time.Time) (SurveyPage, error) {
	return s.render(user, user, actionID, now, false)
}

// RenderRow builds the survey page for the row addressed by the key value,
// on behalf of the named operator. Any row is selectable and key answers
// stay writable.
func (s *SurveyService) RenderRow(operator, keyValue string, actionID int64, now time.Time) (SurveyPage, error) {
	return s.render(operator, keyValue, actionID, now, true)
}

// render is the common path of both modes. Questions outside their activity
// window, or whose gating condition does not evaluate to true on the row,
// are withheld; an unevaluable condition withholds the question rather than
// leaking it.
func (s *SurveyService) render(actor, keyValue string, actionID int64, now time.Time, operator bool) (SurveyPage, error) {
	action, wf, position, row, err := s.loadServed(keyValue, actionID, now)
	if err != nil {
		return SurveyPage{}, err
	}

	columns := make(map[string]models.Column, len(wf.Columns))
	for _, c := range wf.Columns {
		columns[c.Name] = c
	}

	page := SurveyPage{
		ActionName:  action.Name,
		Description: action.Description,
		Position:    position,
	}
	for _, b := range action.Bindings {
		col, ok := columns[b.ColumnName]
		if !ok || !col.ActiveNow(now) {
			continue
		}
		if b.ConditionName != "" {
			cond, ok := action.ConditionByName(b.ConditionName)
			if !ok {
				continue
			}
			verdict, err := expr.Evaluate(cond.Formula, row)
			if err != nil || verdict != expr.True {
				continue
			}
		}
		value := row[b.ColumnName]
		readOnly := !b.ChangesAllowed && value != nil
		if !operator && col.IsKey {
			readOnly = true
		}
		page.Questions = append(page.Questions, Question{
			ColumnName: b.ColumnName,
			Categories: col.Categories,
			Value:      value,
			ReadOnly:   readOnly,
		})
	}
	if action.Shuffle {
		rand.Shuffle(len(page.Questions), func(i, j int) {
			page.Questions[i], page.Questions[j] = page.Questions[j], page.Questions[i]
		})
	}

	payload := map[string]any{"action": action.Name}
	if operator {
		payload["row"] = keyValue
	}
	s.auditor.Record(actor, action.WorkflowID, models.EventActionServedExecute, payload)
	return page, nil
}

// Submit writes a learner's answers back into their own row. Only bound,
// writable columns are accepted; category membership is enforced by the
// table accessor.
func (s *SurveyService) Submit(user string, actionID int64, answers map[string]any, now time.Time) error {
	return s.submit(user, user, actionID, answers, now, false)
}

// SubmitRow writes answers into the row addressed by the key value on
// behalf of the named operator. The changes-allowed freeze and the key
// column guard do not apply to operators.
func (s *SurveyService) SubmitRow(operator, keyValue string, actionID int64, answers map[string]any, now time.Time) error {
	return s.submit(operator, keyValue, actionID, answers, now, true)
}

func (s *SurveyService) submit(actor, keyValue string, actionID int64, answers map[string]any, now time.Time, operator bool) error {
	action, wf, position, row, err := s.loadServed(keyValue, actionID, now)
	if err != nil {
		return err
	}

	keyColumns := make(map[string]bool, len(wf.Columns))
	for _, c := range wf.Columns {
		if c.IsKey {
			keyColumns[c.Name] = true
		}
	}
	bound := make(map[string]models.Binding, len(action.Bindings))
	for _, b := range action.Bindings {
		bound[b.ColumnName] = b
	}
	writes := make(map[string]any, len(answers))
	for name, value := range answers {
		b, ok := bound[name]
		if !ok {
			return models.NewValidationError("column %q is not part of this survey", name)
		}
		if !operator {
			if keyColumns[name] {
				return models.NewValidationError("column %q identifies the row and cannot be answered", name)
			}
			if !b.ChangesAllowed {
				if existing, present := row[name]; present && existing != nil {
					return models.NewValidationError("answer for %q cannot be changed", name)
				}
			}
		}
		writes[name] = value
	}
	if len(writes) == 0 {
		return nil
	}
	if err := s.table.UpdateRow(action.WorkflowID, position, writes); err != nil {
		return err
	}

	event := models.EventActionSurveyInput
	if action.Type == models.TodoList {
		event = models.EventActionTodoInput
	}
	answered := make([]string, 0, len(writes))
	for name := range writes {
		answered = append(answered, name)
	}
	payload := map[string]any{"action": action.Name, "columns": answered}
	if operator {
		payload["row"] = keyValue
	}
	s.auditor.Record(actor, action.WorkflowID, event, payload)
	return nil
}

// loadServed resolves a served action and the addressed row, enforcing the
// serving window.
func (s *SurveyService) loadServed(keyValue string, actionID int64, now time.Time) (models.Action, models.Workflow, int, map[string]any, error) {
	action, err := s.store.GetAction(actionID)
	if err != nil {
		return models.Action{}, models.Workflow{}, 0, nil, err
	}
	if action.Type.IsOutbound() {
		return models.Action{}, models.Workflow{}, 0, nil,
			models.NewValidationError("action %q is not served", action.Name)
	}
	if !action.ServesNow(now) {
		return models.Action{}, models.Workflow{}, 0, nil,
			models.NewValidationError("action %q is not open", action.Name)
	}
	wf, err := s.store.GetWorkflow(action.WorkflowID)
	if err != nil {
		return models.Action{}, models.Workflow{}, 0, nil, err
	}
	if wf.KeyColumn == "" {
		return models.Action{}, models.Workflow{}, 0, nil,
			models.NewValidationError("workflow has no key column")
	}
	position, row, err := s.table.LookupRow(action.WorkflowID, wf.KeyColumn, keyValue)
	if err != nil {
		return models.Action{}, models.Workflow{}, 0, nil, err
	}
	return action, wf, position, row, nil
}
