package models

import "github.com/rowmail/rowmail/pkg/expr"

// View is a named projection for table display and export: an ordered
// subset of columns plus an optional filter.
type View struct {
	ID         int64         `json:"id" db:"id"`
	WorkflowID int64         `json:"workflow_id" db:"workflow_id"`
	Name       string        `json:"name" db:"name"`
	Columns    []string      `json:"columns"`
	Filter     *expr.Formula `json:"filter,omitempty"`
}

// DropColumn removes a column from the projection, returning whether the
// view became empty (an empty view is deleted by the column cascade).
func (v *View) DropColumn(name string) bool {
	out := v.Columns[:0]
	for _, col := range v.Columns {
		if col != name {
			out = append(out, col)
		}
	}
	v.Columns = out
	return len(v.Columns) == 0
}
