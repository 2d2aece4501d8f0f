package models

import "time"

// Workflow is the top-level container: a table of learners plus the actions,
// views, schedules and logs built on it. The workflow owns every entity
// reachable from it; deleting a workflow cascades.
type Workflow struct {
	ID         int64             `json:"id" db:"id"`
	Name       string            `json:"name" db:"name"`
	Attributes map[string]string `json:"attributes"` // template variables
	NRows      int               `json:"nrows" db:"nrows"`
	SharedWith []string          `json:"shared_with"`

	// KeyColumn names the learner-email-key column, empty when unset.
	// KeyColumnHash caches the column's content hash to detect stale
	// derived data.
	KeyColumn     string `json:"key_column" db:"key_column"`
	KeyColumnHash string `json:"key_column_hash" db:"key_column_hash"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	Columns []Column `json:"columns,omitempty"` // ordered by position
}

// Attribute looks up a workflow attribute.
func (w *Workflow) Attribute(name string) (string, bool) {
	v, ok := w.Attributes[name]
	return v, ok
}

// ColumnByName finds a column in the loaded column list.
func (w *Workflow) ColumnByName(name string) (*Column, bool) {
	for i := range w.Columns {
		if w.Columns[i].Name == name {
			return &w.Columns[i], true
		}
	}
	return nil, false
}

// HasKeyColumn reports whether at least one key column exists. The table
// contract requires one as soon as any row is present.
func (w *Workflow) HasKeyColumn() bool {
	for i := range w.Columns {
		if w.Columns[i].IsKey {
			return true
		}
	}
	return false
}
