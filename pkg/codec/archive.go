// Package codec serializes workflows to and from portable archives:
// gzip-compressed JSON carrying the table schema, the rows (optionally),
// and the actions with everything they own. Identifiers never travel;
// cross-references go by name and are re-resolved on import.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"time"

	"github.com/rowmail/rowmail/internal/log"
	"github.com/rowmail/rowmail/pkg/expr"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
)

// SchemaVersion guards archives against incompatible readers.
const SchemaVersion = 1

// Archive is the wire shape of an exported workflow.
type Archive struct {
	Version    int               `json:"version"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	KeyColumn  string            `json:"key_column,omitempty"`
	Columns    []ArchivedColumn  `json:"columns"`
	Rows       []map[string]any  `json:"rows,omitempty"`
	Actions    []ArchivedAction  `json:"actions,omitempty"`
	Views      []ArchivedView    `json:"views,omitempty"`
}

type ArchivedColumn struct {
	Name       string          `json:"name"`
	Type       models.DataType `json:"type"`
	Position   int             `json:"position"`
	IsKey      bool            `json:"is_key,omitempty"`
	Categories []string        `json:"categories,omitempty"`
	ActiveFrom *time.Time      `json:"active_from,omitempty"`
	ActiveTo   *time.Time      `json:"active_to,omitempty"`
}

type ArchivedCondition struct {
	Name     string       `json:"name,omitempty"`
	IsFilter bool         `json:"is_filter,omitempty"`
	Formula  *jsonFormula `json:"formula"`
}

type ArchivedBinding struct {
	ColumnName     string `json:"column_name"`
	ConditionName  string `json:"condition_name,omitempty"`
	ChangesAllowed bool   `json:"changes_allowed,omitempty"`
	Position       int    `json:"position"`
}

type ArchivedRubricCell struct {
	ColumnName  string `json:"column_name"`
	LOAIndex    int    `json:"loa_index"`
	Description string `json:"description,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
}

type ArchivedAction struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Type        models.ActionType    `json:"type"`
	Text        string               `json:"text,omitempty"`
	TargetURL   string               `json:"target_url,omitempty"`
	Shuffle     bool                 `json:"shuffle,omitempty"`
	ActiveFrom  *time.Time           `json:"active_from,omitempty"`
	ActiveTo    *time.Time           `json:"active_to,omitempty"`
	Conditions  []ArchivedCondition  `json:"conditions,omitempty"`
	Bindings    []ArchivedBinding    `json:"bindings,omitempty"`
	RubricCells []ArchivedRubricCell `json:"rubric_cells,omitempty"`
}

type ArchivedView struct {
	Name    string       `json:"name"`
	Columns []string     `json:"columns"`
	Filter  *jsonFormula `json:"filter,omitempty"`
}

// jsonFormula aliases the formula so the archive reuses its wire format.
type jsonFormula = expr.Formula

// Export serializes the workflow. When actionIDs is non-nil only those
// actions travel; includeRows controls whether the table contents go along
// with the schema.
func Export(store storage.Store, workflowID int64, actionIDs []int64, includeRows bool) ([]byte, error) {
	wf, err := store.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	arch := Archive{
		Version:    SchemaVersion,
		Name:       wf.Name,
		Attributes: wf.Attributes,
		KeyColumn:  wf.KeyColumn,
	}
	for _, c := range wf.Columns {
		arch.Columns = append(arch.Columns, ArchivedColumn{
			Name:       c.Name,
			Type:       c.Type,
			Position:   c.Position,
			IsKey:      c.IsKey,
			Categories: c.Categories,
			ActiveFrom: c.ActiveFrom,
			ActiveTo:   c.ActiveTo,
		})
	}

	if includeRows {
		cur, err := store.ScanRows(workflowID)
		if err != nil {
			return nil, err
		}
		defer cur.Close()
		for {
			_, row, ok, err := cur.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			arch.Rows = append(arch.Rows, row)
		}
	}

	wanted := map[int64]bool{}
	for _, id := range actionIDs {
		wanted[id] = true
	}
	actions, err := store.ListActions(workflowID)
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		if actionIDs != nil && !wanted[a.ID] {
			continue
		}
		arch.Actions = append(arch.Actions, archiveAction(a))
	}

	views, err := store.GetViews(workflowID)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		arch.Views = append(arch.Views, ArchivedView{
			Name:    v.Name,
			Columns: v.Columns,
			Filter:  v.Filter,
		})
	}

	buf := &bytes.Buffer{}
	zw := gzip.NewWriter(buf)
	if err := json.NewEncoder(zw).Encode(arch); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func archiveAction(a models.Action) ArchivedAction {
	out := ArchivedAction{
		Name:        a.Name,
		Description: a.Description,
		Type:        a.Type,
		Text:        a.Text,
		TargetURL:   a.TargetURL,
		Shuffle:     a.Shuffle,
		ActiveFrom:  a.ActiveFrom,
		ActiveTo:    a.ActiveTo,
	}
	for _, c := range a.Conditions {
		out.Conditions = append(out.Conditions, ArchivedCondition{
			Name:     c.Name,
			IsFilter: c.IsFilter,
			Formula:  c.Formula,
		})
	}
	for _, b := range a.Bindings {
		out.Bindings = append(out.Bindings, ArchivedBinding{
			ColumnName:     b.ColumnName,
			ConditionName:  b.ConditionName,
			ChangesAllowed: b.ChangesAllowed,
			Position:       b.Position,
		})
	}
	for _, cell := range a.RubricCells {
		out.RubricCells = append(out.RubricCells, ArchivedRubricCell{
			ColumnName:  cell.ColumnName,
			LOAIndex:    cell.LOAIndex,
			Description: cell.Description,
			Feedback:    cell.Feedback,
		})
	}
	return out
}

// Import reads an archive and materializes it as a new workflow. The whole
// import is one transaction; any inconsistency rolls everything back. A
// name collision gets the usual copy prefix.
func Import(store storage.Store, user string, data []byte) (models.Workflow, error) {
	arch, err := decode(data)
	if err != nil {
		return models.Workflow{}, err
	}
	if err := validate(arch); err != nil {
		return models.Workflow{}, err
	}

	existing, err := store.ListWorkflows()
	if err != nil {
		return models.Workflow{}, err
	}
	taken := make(map[string]bool, len(existing))
	for _, w := range existing {
		taken[w.Name] = true
	}
	name := arch.Name
	for taken[name] {
		name = "Copy of " + name
	}

	tx, err := store.Begin()
	if err != nil {
		return models.Workflow{}, err
	}
	wf, err := materialize(tx, user, arch, name)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.GetLogger().Errorf("Failed to rollback import: %v (original error: %v)", rollbackErr, err)
		}
		return models.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Workflow{}, err
	}
	log.GetLogger().Infof("Imported workflow '%s' with %d actions", wf.Name, len(arch.Actions))
	return wf, nil
}

// ImportActions reads an archive and materializes its actions into an
// existing workflow. The archive's own columns and rows are ignored; every
// column and condition reference must resolve against the target workflow.
// Colliding action names get the usual copy prefix. One transaction covers
// all actions; any inconsistency rolls everything back.
func ImportActions(store storage.Store, user string, workflowID int64, data []byte) ([]models.Action, error) {
	arch, err := decode(data)
	if err != nil {
		return nil, err
	}
	if len(arch.Actions) == 0 {
		return nil, models.NewImportError("archive carries no actions")
	}

	wf, err := store.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	colNames := make(map[string]bool, len(wf.Columns))
	for _, c := range wf.Columns {
		colNames[c.Name] = true
	}
	if err := validateActions(arch.Actions, colNames); err != nil {
		return nil, err
	}

	existing, err := store.ListActions(workflowID)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(existing))
	for _, a := range existing {
		taken[a.Name] = true
	}

	tx, err := store.Begin()
	if err != nil {
		return nil, err
	}
	imported := make([]models.Action, 0, len(arch.Actions))
	for _, a := range arch.Actions {
		name := a.Name
		for taken[name] {
			name = "Copy of " + name
		}
		taken[name] = true
		action, err := materializeAction(tx, workflowID, a, name)
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				log.GetLogger().Errorf("Failed to rollback action import: %v (original error: %v)", rollbackErr, err)
			}
			return nil, err
		}
		imported = append(imported, action)
	}
	names := make([]string, 0, len(imported))
	for _, a := range imported {
		names = append(names, a.Name)
	}
	if _, err := tx.AppendLog(models.LogEntry{
		CreatedAt:  time.Now(),
		User:       user,
		WorkflowID: workflowID,
		Event:      models.EventActionImport,
		Payload:    map[string]any{"actions": names},
	}); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.GetLogger().Errorf("Failed to rollback action import: %v (original error: %v)", rollbackErr, err)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.GetLogger().Infof("Imported %d actions into workflow %d", len(imported), workflowID)
	return imported, nil
}

// decode unwraps and parses the archive without touching storage.
func decode(data []byte) (*Archive, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, models.NewImportError("not a workflow archive: %v", err)
	}
	defer zr.Close()
	var arch Archive
	if err := json.NewDecoder(zr).Decode(&arch); err != nil {
		return nil, models.NewImportError("malformed archive: %v", err)
	}
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return nil, models.NewImportError("corrupt archive: %v", err)
	}
	if arch.Version != SchemaVersion {
		return nil, models.NewImportError("unsupported archive version %d", arch.Version)
	}
	return &arch, nil
}

// validate checks the internal consistency of the archive before any
// storage writes happen.
func validate(arch *Archive) error {
	if arch.Name == "" {
		return models.NewImportError("archive has no workflow name")
	}
	colNames := make(map[string]bool, len(arch.Columns))
	for _, c := range arch.Columns {
		if err := models.ValidateColumnName(c.Name); err != nil {
			return models.NewImportError("column %q: %v", c.Name, err)
		}
		if !models.ValidDataType(c.Type) {
			return models.NewImportError("column %q has unknown type %q", c.Name, c.Type)
		}
		if colNames[c.Name] {
			return models.NewImportError("duplicate column %q", c.Name)
		}
		colNames[c.Name] = true
	}
	if arch.KeyColumn != "" && !colNames[arch.KeyColumn] {
		return models.NewImportError("key column %q does not exist", arch.KeyColumn)
	}
	if err := validateActions(arch.Actions, colNames); err != nil {
		return err
	}
	for _, v := range arch.Views {
		for _, col := range v.Columns {
			if !colNames[col] {
				return models.NewImportError(
					"view %q references unknown column %q", v.Name, col)
			}
		}
	}
	return nil
}

// validateActions checks every archived action against the set of available
// column names, which is the archive's own schema on a whole-workflow import
// and the target workflow's schema on an action import.
func validateActions(actions []ArchivedAction, colNames map[string]bool) error {
	for _, a := range actions {
		if !models.ValidActionType(a.Type) {
			return models.NewImportError("action %q has unknown type %q", a.Name, a.Type)
		}
		condNames := make(map[string]bool)
		for _, c := range a.Conditions {
			if !c.IsFilter {
				condNames[c.Name] = true
			}
			if c.Formula == nil {
				return models.NewImportError(
					"condition %q of action %q has no formula", c.Name, a.Name)
			}
			for _, field := range c.Formula.Fields() {
				if !colNames[field] {
					return models.NewImportError(
						"condition %q of action %q references unknown column %q",
						c.Name, a.Name, field)
				}
			}
		}
		for _, b := range a.Bindings {
			if !colNames[b.ColumnName] {
				return models.NewImportError(
					"action %q binds unknown column %q", a.Name, b.ColumnName)
			}
			if b.ConditionName != "" && !condNames[b.ConditionName] {
				return models.NewImportError(
					"action %q binds unknown condition %q", a.Name, b.ConditionName)
			}
		}
	}
	return nil
}

// materialize writes the archive contents inside the transaction.
func materialize(tx storage.Store, user string, arch *Archive, name string) (models.Workflow, error) {
	wf := models.Workflow{
		Name:       name,
		Attributes: arch.Attributes,
		KeyColumn:  arch.KeyColumn,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if wf.Attributes == nil {
		wf.Attributes = map[string]string{}
	}
	wfID, err := tx.SaveWorkflow(wf)
	if err != nil {
		return models.Workflow{}, err
	}
	wf.ID = wfID

	for _, c := range arch.Columns {
		if _, err := tx.SaveColumn(models.Column{
			WorkflowID: wfID,
			Name:       c.Name,
			Type:       c.Type,
			Position:   c.Position,
			IsKey:      c.IsKey,
			Categories: c.Categories,
			ActiveFrom: c.ActiveFrom,
			ActiveTo:   c.ActiveTo,
		}); err != nil {
			return models.Workflow{}, err
		}
	}
	for _, row := range arch.Rows {
		if _, err := tx.AppendRow(wfID, row); err != nil {
			return models.Workflow{}, err
		}
	}

	for _, a := range arch.Actions {
		if _, err := materializeAction(tx, wfID, a, a.Name); err != nil {
			return models.Workflow{}, err
		}
	}

	for _, v := range arch.Views {
		if _, err := tx.SaveView(models.View{
			WorkflowID: wfID,
			Name:       v.Name,
			Columns:    v.Columns,
			Filter:     v.Filter,
		}); err != nil {
			return models.Workflow{}, err
		}
	}

	if _, err := tx.AppendLog(models.LogEntry{
		CreatedAt:  time.Now(),
		User:       user,
		WorkflowID: wfID,
		Event:      models.EventWorkflowImport,
		Payload:    map[string]any{"name": wf.Name, "actions": len(arch.Actions)},
	}); err != nil {
		return models.Workflow{}, err
	}
	return wf, nil
}

// materializeAction writes one archived action and everything it owns under
// the given workflow, under the given (possibly renamed) action name.
func materializeAction(tx storage.Store, workflowID int64, a ArchivedAction, name string) (models.Action, error) {
	action := models.Action{
		WorkflowID:  workflowID,
		Name:        name,
		Description: a.Description,
		Type:        a.Type,
		Text:        a.Text,
		TargetURL:   a.TargetURL,
		Shuffle:     a.Shuffle,
		ActiveFrom:  a.ActiveFrom,
		ActiveTo:    a.ActiveTo,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	actionID, err := tx.SaveAction(action)
	if err != nil {
		return models.Action{}, err
	}
	action.ID = actionID
	for _, c := range a.Conditions {
		if _, err := tx.SaveCondition(models.Condition{
			ActionID: actionID,
			Name:     c.Name,
			IsFilter: c.IsFilter,
			Formula:  c.Formula,
		}); err != nil {
			return models.Action{}, err
		}
	}
	for _, b := range a.Bindings {
		if _, err := tx.SaveBinding(models.Binding{
			ActionID:       actionID,
			ColumnName:     b.ColumnName,
			ConditionName:  b.ConditionName,
			ChangesAllowed: b.ChangesAllowed,
			Position:       b.Position,
		}); err != nil {
			return models.Action{}, err
		}
	}
	for _, cell := range a.RubricCells {
		if _, err := tx.SaveRubricCell(models.RubricCell{
			ActionID:    actionID,
			ColumnName:  cell.ColumnName,
			LOAIndex:    cell.LOAIndex,
			Description: cell.Description,
			Feedback:    cell.Feedback,
		}); err != nil {
			return models.Action{}, err
		}
	}
	return action, nil
}
