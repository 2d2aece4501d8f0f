package models

import "time"

// ActionType is the closed enumeration of executable artifact kinds. The
// same values appear in scheduled operations as the operation type.
type ActionType string

const (
	PersonalizedText        ActionType = "personalized_text"
	EmailReport             ActionType = "email_report"
	PersonalizedJSON        ActionType = "personalized_json"
	JSONReport              ActionType = "json_report"
	PersonalizedCanvasEmail ActionType = "personalized_canvas_email"
	ZipOperation            ActionType = "zip_operation"
	Survey                  ActionType = "survey"
	TodoList                ActionType = "todo_list"
	RubricText              ActionType = "rubric_text"
)

// ValidActionType reports membership in the closed set.
func ValidActionType(t ActionType) bool {
	switch t {
	case PersonalizedText, EmailReport, PersonalizedJSON, JSONReport,
		PersonalizedCanvasEmail, ZipOperation, Survey, TodoList, RubricText:
		return true
	}
	return false
}

// IsOutbound reports whether running the action produces dispatched items.
// Surveys and todo lists are inbound: they are served, never dispatched.
func (t ActionType) IsOutbound() bool {
	switch t {
	case Survey, TodoList:
		return false
	}
	return true
}

// IsPersonalized reports whether the action produces one artifact per row
// rather than a single aggregate.
func (t ActionType) IsPersonalized() bool {
	switch t {
	case EmailReport, JSONReport:
		return false
	}
	return true
}

// Binding attaches a column (and optionally one of the action's non-filter
// conditions, referenced by name) to an action. For surveys a binding is one
// question; for rubrics, one criterion. ChangesAllowed governs whether a
// learner submission may overwrite an existing value.
type Binding struct {
	ID             int64  `json:"id" db:"id"`
	ActionID       int64  `json:"action_id" db:"action_id"`
	ColumnName     string `json:"column_name" db:"column_name"`
	ConditionName  string `json:"condition_name,omitempty" db:"condition_name"`
	ChangesAllowed bool   `json:"changes_allowed" db:"changes_allowed"`
	Position       int    `json:"position" db:"position"`
}

// RubricCell holds the description and feedback text for one
// (criterion column, level-of-attainment) pair of a rubric action.
type RubricCell struct {
	ID          int64  `json:"id" db:"id"`
	ActionID    int64  `json:"action_id" db:"action_id"`
	ColumnName  string `json:"column_name" db:"column_name"`
	LOAIndex    int    `json:"loa_index" db:"loa_index"`
	Description string `json:"description" db:"description"`
	Feedback    string `json:"feedback" db:"feedback"`
}

// Action is the executable artifact: a template plus policy producing one
// artifact per row (or one aggregate), or a served form collecting data.
type Action struct {
	ID          int64      `json:"id" db:"id"`
	WorkflowID  int64      `json:"workflow_id" db:"workflow_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	Type        ActionType `json:"type" db:"action_type"`

	// Text is the outbound template. It may reference workflow attributes,
	// columns and the action's own non-filter conditions, nothing else.
	Text      string `json:"text" db:"text_content"`
	TargetURL string `json:"target_url" db:"target_url"`

	// Serve controls for survey/todo actions.
	ServeEnabled bool       `json:"serve_enabled" db:"serve_enabled"`
	ActiveFrom   *time.Time `json:"active_from,omitempty" db:"active_from"`
	ActiveTo     *time.Time `json:"active_to,omitempty" db:"active_to"`
	Shuffle      bool       `json:"shuffle" db:"shuffle"`

	// AllFalseRows caches the row positions for which every non-filter
	// condition is false, used for quality warnings. Nil means stale.
	AllFalseRows []int `json:"rows_all_false,omitempty"`

	// LastExecutedLog references the governing log entry of the most recent
	// run, zero when never run.
	LastExecutedLog int64 `json:"last_executed_log" db:"last_executed_log"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	Conditions  []Condition  `json:"conditions,omitempty"`
	Bindings    []Binding    `json:"bindings,omitempty"`
	RubricCells []RubricCell `json:"rubric_cells,omitempty"`
}

// Filter returns the action's filter condition, if any.
func (a *Action) Filter() *Condition {
	for i := range a.Conditions {
		if a.Conditions[i].IsFilter {
			return &a.Conditions[i]
		}
	}
	return nil
}

// NonFilterConditions returns the named conditions in definition order.
func (a *Action) NonFilterConditions() []Condition {
	out := make([]Condition, 0, len(a.Conditions))
	for _, c := range a.Conditions {
		if !c.IsFilter {
			out = append(out, c)
		}
	}
	return out
}

// ConditionByName finds a non-filter condition.
func (a *Action) ConditionByName(name string) (*Condition, bool) {
	for i := range a.Conditions {
		if !a.Conditions[i].IsFilter && a.Conditions[i].Name == name {
			return &a.Conditions[i], true
		}
	}
	return nil, false
}

// ServesNow reports whether the action can be served at the given instant:
// serving must be enabled and the instant inside the activation window
// (open-ended where an endpoint is nil).
func (a *Action) ServesNow(now time.Time) bool {
	if !a.ServeEnabled {
		return false
	}
	if a.ActiveFrom != nil && now.Before(*a.ActiveFrom) {
		return false
	}
	if a.ActiveTo != nil && now.After(*a.ActiveTo) {
		return false
	}
	return true
}
