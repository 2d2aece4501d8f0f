package models

import "github.com/rowmail/rowmail/pkg/expr"

// Condition is a named boolean formula over columns, owned by an action.
// A condition with IsFilter set is the action's filter: it has no name,
// restricts the rows the action considers, and at most one exists per
// action. Non-filter condition names are unique per action.
type Condition struct {
	ID       int64  `json:"id" db:"id"`
	ActionID int64  `json:"action_id" db:"action_id"`
	Name     string `json:"name" db:"name"`
	IsFilter bool   `json:"is_filter" db:"is_filter"`

	Formula *expr.Formula `json:"formula"`

	// SelectedCount caches the number of rows the formula selects; refreshed
	// whenever the formula or the table contents change.
	SelectedCount int `json:"selected_count" db:"selected_count"`
}

// Clone deep-copies the condition without identity.
func (c *Condition) Clone() Condition {
	out := *c
	out.ID = 0
	out.Formula = c.Formula.Clone()
	return out
}
