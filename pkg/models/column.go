package models

import (
	"strings"
	"time"
)

// DataType is the closed set of column types.
type DataType string

const (
	IntegerType  DataType = "integer"
	DoubleType   DataType = "double"
	StringType   DataType = "string"
	BooleanType  DataType = "boolean"
	DatetimeType DataType = "datetime"
)

// ValidDataType reports membership in the closed type set.
func ValidDataType(t DataType) bool {
	switch t {
	case IntegerType, DoubleType, StringType, BooleanType, DatetimeType:
		return true
	}
	return false
}

// Column is a named, typed slot within a workflow. Positions are dense
// 1..N and unique; names are unique within the workflow.
type Column struct {
	ID         int64    `json:"id" db:"id"`
	WorkflowID int64    `json:"workflow_id" db:"workflow_id"`
	Name       string   `json:"name" db:"name"`
	Type       DataType `json:"type" db:"data_type"`
	Position   int      `json:"position" db:"position"`
	IsKey      bool     `json:"is_key" db:"is_key"`

	// Categories, when present, is the finite ordered set of admissible
	// values; writes outside the set are rejected. For rubric criteria the
	// shared set defines the levels of attainment.
	Categories []string `json:"categories,omitempty"`

	// Active window for survey questions; open-ended when nil.
	ActiveFrom *time.Time `json:"active_from,omitempty" db:"active_from"`
	ActiveTo   *time.Time `json:"active_to,omitempty" db:"active_to"`
}

// ActiveNow reports whether the column is inside its activity window.
func (c *Column) ActiveNow(now time.Time) bool {
	if c.ActiveFrom != nil && now.Before(*c.ActiveFrom) {
		return false
	}
	if c.ActiveTo != nil && now.After(*c.ActiveTo) {
		return false
	}
	return true
}

// InCategories reports whether a written value is admissible.
func (c *Column) InCategories(value string) bool {
	if len(c.Categories) == 0 {
		return true
	}
	for _, cat := range c.Categories {
		if cat == value {
			return true
		}
	}
	return false
}

// ValidateColumnName rejects empty names and names colliding with the
// template syntax, which would make them unreferencable.
func ValidateColumnName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("column name cannot be empty")
	}
	for _, frag := range []string{"{{", "}}", "{%", "%}"} {
		if strings.Contains(name, frag) {
			return NewValidationError("column name cannot contain template markup")
		}
	}
	return nil
}
