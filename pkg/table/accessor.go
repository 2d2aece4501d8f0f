package table

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"

	"github.com/rowmail/rowmail/pkg/expr"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
)

// Accessor is the single entry point for table reads and writes. All column
// surgery (add, rename, drop, reposition) goes through it so the dependent
// entities, conditions, views, bindings and the stored rows, stay consistent.
type Accessor struct {
	store storage.Store
}

func NewAccessor(store storage.Store) *Accessor {
	return &Accessor{store: store}
}

// Columns returns the workflow's columns in position order.
func (a *Accessor) Columns(workflowID int64) ([]models.Column, error) {
	return a.store.GetColumns(workflowID)
}

// filteredCursor applies a projection and a filter formula on top of a raw
// row cursor. Rows where the filter is false or null are skipped.
type filteredCursor struct {
	inner      storage.RowCursor
	projection map[string]bool
	filter     *expr.Formula
}

func (c *filteredCursor) Next() (int, map[string]any, bool, error) {
	for {
		pos, row, ok, err := c.inner.Next()
		if err != nil || !ok {
			return 0, nil, false, err
		}
		if c.filter != nil {
			verdict, err := expr.Evaluate(c.filter, row)
			if err != nil {
				return 0, nil, false, err
			}
			if !verdict.AsBool() {
				continue
			}
		}
		if c.projection != nil {
			projected := make(map[string]any, len(c.projection))
			for name := range c.projection {
				if v, present := row[name]; present {
					projected[name] = v
				}
			}
			row = projected
		}
		return pos, row, true, nil
	}
}

func (c *filteredCursor) Close() error { return c.inner.Close() }

// Rows walks the table in position order. A nil projection keeps every
// column; a nil filter keeps every row.
func (a *Accessor) Rows(workflowID int64, projection []string, filter *expr.Formula) (storage.RowCursor, error) {
	inner, err := a.store.ScanRows(workflowID)
	if err != nil {
		return nil, err
	}
	var proj map[string]bool
	if projection != nil {
		proj = make(map[string]bool, len(projection))
		for _, name := range projection {
			proj[name] = true
		}
	}
	return &filteredCursor{inner: inner, projection: proj, filter: filter}, nil
}

// Subframe materializes a projected, filtered slice of the table.
func (a *Accessor) Subframe(workflowID int64, projection []string, filter *expr.Formula) ([]map[string]any, error) {
	cur, err := a.Rows(workflowID, projection, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []map[string]any
	for {
		_, row, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, row)
	}
}

// LookupRow finds the unique row whose column equals the given value.
func (a *Accessor) LookupRow(workflowID int64, column string, value any) (int, map[string]any, error) {
	cur, err := a.store.ScanRows(workflowID)
	if err != nil {
		return 0, nil, err
	}
	defer cur.Close()
	want := fmt.Sprint(value)
	for {
		pos, row, ok, err := cur.Next()
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			return 0, nil, storage.ErrNotFound
		}
		if v, present := row[column]; present && fmt.Sprint(v) == want {
			return pos, row, nil
		}
	}
}

// AddColumn appends a column at the end of the position order and, when
// initial is non-nil, writes the initial value into every existing row.
func (a *Accessor) AddColumn(workflowID int64, col models.Column, initial any) (models.Column, error) {
	if err := models.ValidateColumnName(col.Name); err != nil {
		return models.Column{}, err
	}
	if !models.ValidDataType(col.Type) {
		return models.Column{}, models.NewValidationError("unknown column type %q", col.Type)
	}
	existing, err := a.store.GetColumns(workflowID)
	if err != nil {
		return models.Column{}, err
	}
	for _, c := range existing {
		if c.Name == col.Name {
			return models.Column{}, models.NewValidationError("column %q already exists", col.Name)
		}
	}
	col.WorkflowID = workflowID
	col.Position = len(existing) + 1
	tx, err := a.store.Begin()
	if err != nil {
		return models.Column{}, err
	}
	id, err := tx.SaveColumn(col)
	if err != nil {
		tx.Rollback()
		return models.Column{}, err
	}
	col.ID = id
	if initial != nil {
		n, err := tx.RowCount(workflowID)
		if err != nil {
			tx.Rollback()
			return models.Column{}, err
		}
		for pos := 1; pos <= n; pos++ {
			if err := tx.UpdateRowValues(workflowID, pos, map[string]any{col.Name: initial}); err != nil {
				tx.Rollback()
				return models.Column{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Column{}, err
	}
	return col, nil
}

// RenameColumn renames a column and rewrites every reference to it: stored
// row keys, condition formulas, view projections and filters, bindings,
// rubric cells and the workflow key column record.
func (a *Accessor) RenameColumn(workflowID int64, oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	if err := models.ValidateColumnName(newName); err != nil {
		return err
	}
	cols, err := a.store.GetColumns(workflowID)
	if err != nil {
		return err
	}
	var target *models.Column
	for i := range cols {
		if cols[i].Name == newName {
			return models.NewValidationError("column %q already exists", newName)
		}
		if cols[i].Name == oldName {
			target = &cols[i]
		}
	}
	if target == nil {
		return storage.ErrNotFound
	}

	tx, err := a.store.Begin()
	if err != nil {
		return err
	}
	rollback := func(err error) error {
		tx.Rollback()
		return err
	}

	target.Name = newName
	if err := tx.UpdateColumn(*target); err != nil {
		return rollback(err)
	}
	if err := tx.RenameRowKey(workflowID, oldName, newName); err != nil {
		return rollback(err)
	}

	actions, err := tx.ListActions(workflowID)
	if err != nil {
		return rollback(err)
	}
	for _, action := range actions {
		for _, cond := range action.Conditions {
			if cond.Formula != nil && cond.Formula.RenameField(oldName, newName) {
				if err := tx.UpdateCondition(cond); err != nil {
					return rollback(err)
				}
			}
		}
		for _, b := range action.Bindings {
			if b.ColumnName == oldName {
				if err := tx.DeleteBinding(b.ID); err != nil {
					return rollback(err)
				}
				b.ColumnName = newName
				if _, err := tx.SaveBinding(b); err != nil {
					return rollback(err)
				}
			}
		}
		for _, cell := range action.RubricCells {
			if cell.ColumnName == oldName {
				cell.ColumnName = newName
				if err := tx.UpdateRubricCell(cell); err != nil {
					return rollback(err)
				}
			}
		}
	}

	views, err := tx.GetViews(workflowID)
	if err != nil {
		return rollback(err)
	}
	for _, view := range views {
		changed := false
		for i, name := range view.Columns {
			if name == oldName {
				view.Columns[i] = newName
				changed = true
			}
		}
		if view.Filter != nil && view.Filter.RenameField(oldName, newName) {
			changed = true
		}
		if changed {
			if err := tx.UpdateView(view); err != nil {
				return rollback(err)
			}
		}
	}

	wf, err := tx.GetWorkflow(workflowID)
	if err != nil {
		return rollback(err)
	}
	if wf.KeyColumn == oldName {
		wf.KeyColumn = newName
		if err := tx.UpdateWorkflow(wf); err != nil {
			return rollback(err)
		}
	}
	return tx.Commit()
}

// DropColumn deletes a column and cascades: conditions whose formula mentions
// it are deleted, views lose the column (empty views are deleted), bindings
// and rubric cells on the column are removed, and the stored values vanish.
func (a *Accessor) DropColumn(workflowID int64, name string) error {
	tx, err := a.store.Begin()
	if err != nil {
		return err
	}
	rollback := func(err error) error {
		tx.Rollback()
		return err
	}

	if err := tx.DeleteColumn(workflowID, name); err != nil {
		return rollback(err)
	}
	if err := tx.DeleteRowKey(workflowID, name); err != nil {
		return rollback(err)
	}

	actions, err := tx.ListActions(workflowID)
	if err != nil {
		return rollback(err)
	}
	for _, action := range actions {
		for _, cond := range action.Conditions {
			if cond.Formula == nil {
				continue
			}
			mentions := false
			for _, field := range cond.Formula.Fields() {
				if field == name {
					mentions = true
					break
				}
			}
			if mentions {
				if err := tx.DeleteCondition(cond.ID); err != nil {
					return rollback(err)
				}
			}
		}
		for _, b := range action.Bindings {
			if b.ColumnName == name {
				if err := tx.DeleteBinding(b.ID); err != nil {
					return rollback(err)
				}
			}
		}
	}

	views, err := tx.GetViews(workflowID)
	if err != nil {
		return rollback(err)
	}
	for _, view := range views {
		had := len(view.Columns)
		empty := view.DropColumn(name)
		if empty {
			if err := tx.DeleteView(view.ID); err != nil {
				return rollback(err)
			}
			continue
		}
		if len(view.Columns) != had {
			if err := tx.UpdateView(view); err != nil {
				return rollback(err)
			}
		}
	}

	wf, err := tx.GetWorkflow(workflowID)
	if err != nil {
		return rollback(err)
	}
	if wf.KeyColumn == name {
		wf.KeyColumn = ""
		wf.KeyColumnHash = ""
		if err := tx.UpdateWorkflow(wf); err != nil {
			return rollback(err)
		}
	}
	return tx.Commit()
}

// RepositionColumn moves a column to the given position, shifting the
// columns in between while keeping positions dense.
func (a *Accessor) RepositionColumn(workflowID int64, name string, newPos int) error {
	cols, err := a.store.GetColumns(workflowID)
	if err != nil {
		return err
	}
	if newPos < 1 || newPos > len(cols) {
		return models.NewValidationError("position %d out of range 1..%d", newPos, len(cols))
	}
	oldPos := 0
	for _, c := range cols {
		if c.Name == name {
			oldPos = c.Position
			break
		}
	}
	if oldPos == 0 {
		return storage.ErrNotFound
	}
	if oldPos == newPos {
		return nil
	}
	tx, err := a.store.Begin()
	if err != nil {
		return err
	}
	for _, c := range cols {
		switch {
		case c.Position == oldPos:
			c.Position = newPos
		case oldPos < newPos && c.Position > oldPos && c.Position <= newPos:
			c.Position--
		case newPos < oldPos && c.Position >= newPos && c.Position < oldPos:
			c.Position++
		default:
			continue
		}
		if err := tx.UpdateColumn(c); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// AppendRow adds a row after validating categories and key uniqueness.
func (a *Accessor) AppendRow(workflowID int64, values map[string]any) (int, error) {
	if err := a.validateWrite(workflowID, 0, values); err != nil {
		return 0, err
	}
	return a.store.AppendRow(workflowID, values)
}

// UpdateRow overwrites the given keys of one row. A nil value deletes the
// key, leaving the bottom value behind.
func (a *Accessor) UpdateRow(workflowID int64, position int, values map[string]any) error {
	if err := a.validateWrite(workflowID, position, values); err != nil {
		return err
	}
	return a.store.UpdateRowValues(workflowID, position, values)
}

// validateWrite checks category membership and that key columns stay unique.
// selfPos is the position being updated, zero for an append.
func (a *Accessor) validateWrite(workflowID int64, selfPos int, values map[string]any) error {
	cols, err := a.store.GetColumns(workflowID)
	if err != nil {
		return err
	}
	byName := make(map[string]models.Column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}
	var keyChecks []string
	for name, v := range values {
		col, ok := byName[name]
		if !ok {
			return models.NewValidationError("unknown column %q", name)
		}
		if v == nil {
			continue
		}
		if len(col.Categories) > 0 && !col.InCategories(fmt.Sprint(v)) {
			return models.NewValidationError("value %v not admissible for column %q", v, name)
		}
		if col.IsKey {
			keyChecks = append(keyChecks, name)
		}
	}
	if len(keyChecks) == 0 {
		return nil
	}
	cur, err := a.store.ScanRows(workflowID)
	if err != nil {
		return err
	}
	defer cur.Close()
	for {
		pos, row, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if pos == selfPos {
			continue
		}
		for _, name := range keyChecks {
			if v, present := row[name]; present && fmt.Sprint(v) == fmt.Sprint(values[name]) {
				return &models.KeyNotUniqueError{Column: name}
			}
		}
	}
}

// ColumnHash returns the sha256 over the column's values in row order,
// with absent values hashed as the empty string. It feeds the stale-data
// check on the workflow key column.
func (a *Accessor) ColumnHash(workflowID int64, name string) (string, error) {
	cur, err := a.store.ScanRows(workflowID)
	if err != nil {
		return "", err
	}
	defer cur.Close()
	h := sha256.New()
	for {
		_, row, ok, err := cur.Next()
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}
		if v, present := row[name]; present {
			fmt.Fprint(h, fmt.Sprint(v))
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CopyTable duplicates columns and rows from one workflow into another,
// inside the caller's transaction-scoped store.
func CopyTable(tx storage.Store, srcWorkflowID, dstWorkflowID int64) error {
	cols, err := tx.GetColumns(srcWorkflowID)
	if err != nil {
		return err
	}
	for _, c := range cols {
		c.ID = 0
		c.WorkflowID = dstWorkflowID
		if _, err := tx.SaveColumn(c); err != nil {
			return errors.Wrapf(err, "copying column %q", c.Name)
		}
	}
	return tx.CopyRows(srcWorkflowID, dstWorkflowID)
}
