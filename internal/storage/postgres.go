package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rowmail/rowmail/pkg/expr"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Queryx(query string, args ...interface{}) (*sqlx.Rows, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store on postgres. Structured values
// (attributes, categories, formulas, payloads, row contents) live in JSONB
// columns.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

// Workflows.

func (s *PostgresStore) SaveWorkflow(w models.Workflow) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO workflows (name, attributes, shared_with, key_column, key_column_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		w.Name, mustJSON(w.Attributes), mustJSON(w.SharedWith),
		w.KeyColumn, w.KeyColumnHash, w.CreatedAt, w.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) scanWorkflow(row *sqlx.Row) (models.Workflow, error) {
	var w models.Workflow
	var attrs, shared []byte
	err := row.Scan(&w.ID, &w.Name, &attrs, &shared,
		&w.KeyColumn, &w.KeyColumnHash, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, err
	}
	if err := json.Unmarshal(attrs, &w.Attributes); err != nil {
		return models.Workflow{}, fmt.Errorf("decode workflow attributes: %w", err)
	}
	if err := json.Unmarshal(shared, &w.SharedWith); err != nil {
		return models.Workflow{}, fmt.Errorf("decode workflow shares: %w", err)
	}
	return w, nil
}

const workflowCols = "id, name, attributes, shared_with, key_column, key_column_hash, created_at, updated_at"

func (s *PostgresStore) GetWorkflow(id int64) (models.Workflow, error) {
	w, err := s.scanWorkflow(s.db.QueryRowx(
		"SELECT "+workflowCols+" FROM workflows WHERE id = $1", id))
	if err != nil {
		return models.Workflow{}, err
	}
	if w.Columns, err = s.GetColumns(id); err != nil {
		return models.Workflow{}, err
	}
	if w.NRows, err = s.RowCount(id); err != nil {
		return models.Workflow{}, err
	}
	return w, nil
}

func (s *PostgresStore) ListWorkflows() ([]models.Workflow, error) {
	rows, err := s.db.Queryx("SELECT " + workflowCols + " FROM workflows ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Workflow
	for rows.Next() {
		var w models.Workflow
		var attrs, shared []byte
		if err := rows.Scan(&w.ID, &w.Name, &attrs, &shared,
			&w.KeyColumn, &w.KeyColumnHash, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(attrs, &w.Attributes); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(shared, &w.SharedWith); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateWorkflow(w models.Workflow) error {
	res, err := s.db.Exec(
		`UPDATE workflows SET name = $1, attributes = $2, shared_with = $3,
		 key_column = $4, key_column_hash = $5, updated_at = $6 WHERE id = $7`,
		w.Name, mustJSON(w.Attributes), mustJSON(w.SharedWith),
		w.KeyColumn, w.KeyColumnHash, w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("update workflow %d: %w", w.ID, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteWorkflow(id int64) error {
	res, err := s.db.Exec("DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete workflow %d: %w", id, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Columns.

func (s *PostgresStore) SaveColumn(c models.Column) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO columns (workflow_id, name, data_type, position, is_key, categories, active_from, active_to)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		c.WorkflowID, c.Name, c.Type, c.Position, c.IsKey,
		mustJSON(c.Categories), c.ActiveFrom, c.ActiveTo).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save column %q: %w", c.Name, err)
	}
	return id, nil
}

func (s *PostgresStore) GetColumns(workflowID int64) ([]models.Column, error) {
	rows, err := s.db.Queryx(
		`SELECT id, workflow_id, name, data_type, position, is_key, categories, active_from, active_to
		 FROM columns WHERE workflow_id = $1 ORDER BY position`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Column
	for rows.Next() {
		var c models.Column
		var cats []byte
		if err := rows.Scan(&c.ID, &c.WorkflowID, &c.Name, &c.Type, &c.Position,
			&c.IsKey, &cats, &c.ActiveFrom, &c.ActiveTo); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(cats, &c.Categories); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateColumn(c models.Column) error {
	res, err := s.db.Exec(
		`UPDATE columns SET name = $1, data_type = $2, position = $3, is_key = $4,
		 categories = $5, active_from = $6, active_to = $7 WHERE id = $8`,
		c.Name, c.Type, c.Position, c.IsKey, mustJSON(c.Categories),
		c.ActiveFrom, c.ActiveTo, c.ID)
	if err != nil {
		return fmt.Errorf("update column %q: %w", c.Name, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteColumn(workflowID int64, name string) error {
	res, err := s.db.Exec(
		"DELETE FROM columns WHERE workflow_id = $1 AND name = $2", workflowID, name)
	if err != nil {
		return fmt.Errorf("delete column %q: %w", name, err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	// Keep positions dense.
	_, err = s.db.Exec(
		`WITH ordered AS (
		   SELECT id, ROW_NUMBER() OVER (ORDER BY position) AS new_pos
		   FROM columns WHERE workflow_id = $1)
		 UPDATE columns SET position = ordered.new_pos
		 FROM ordered WHERE columns.id = ordered.id`, workflowID)
	return err
}

// Actions.

func (s *PostgresStore) SaveAction(a models.Action) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO actions (workflow_id, name, description, action_type, text_content,
		 target_url, serve_enabled, active_from, active_to, shuffle, rows_all_false,
		 last_executed_log, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		a.WorkflowID, a.Name, a.Description, a.Type, a.Text, a.TargetURL,
		a.ServeEnabled, a.ActiveFrom, a.ActiveTo, a.Shuffle,
		mustJSON(a.AllFalseRows), a.LastExecutedLog, a.CreatedAt, a.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save action %q: %w", a.Name, err)
	}
	return id, nil
}

const actionCols = `id, workflow_id, name, description, action_type, text_content,
 target_url, serve_enabled, active_from, active_to, shuffle, rows_all_false,
 last_executed_log, created_at, updated_at`

func scanAction(scan func(dest ...interface{}) error) (models.Action, error) {
	var a models.Action
	var allFalse []byte
	err := scan(&a.ID, &a.WorkflowID, &a.Name, &a.Description, &a.Type, &a.Text,
		&a.TargetURL, &a.ServeEnabled, &a.ActiveFrom, &a.ActiveTo, &a.Shuffle,
		&allFalse, &a.LastExecutedLog, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Action{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Action{}, err
	}
	if err := json.Unmarshal(allFalse, &a.AllFalseRows); err != nil {
		return models.Action{}, err
	}
	return a, nil
}

func (s *PostgresStore) GetAction(id int64) (models.Action, error) {
	a, err := scanAction(s.db.QueryRowx(
		"SELECT "+actionCols+" FROM actions WHERE id = $1", id).Scan)
	if err != nil {
		return models.Action{}, err
	}
	return s.loadActionChildren(a)
}

func (s *PostgresStore) GetActionByName(workflowID int64, name string) (models.Action, error) {
	a, err := scanAction(s.db.QueryRowx(
		"SELECT "+actionCols+" FROM actions WHERE workflow_id = $1 AND name = $2",
		workflowID, name).Scan)
	if err != nil {
		return models.Action{}, err
	}
	return s.loadActionChildren(a)
}

func (s *PostgresStore) ListActions(workflowID int64) ([]models.Action, error) {
	rows, err := s.db.Queryx(
		"SELECT "+actionCols+" FROM actions WHERE workflow_id = $1 ORDER BY id", workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i], err = s.loadActionChildren(out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) loadActionChildren(a models.Action) (models.Action, error) {
	rows, err := s.db.Queryx(
		`SELECT id, action_id, name, is_filter, formula, selected_count
		 FROM conditions WHERE action_id = $1 ORDER BY id`, a.ID)
	if err != nil {
		return models.Action{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c models.Condition
		var formula []byte
		if err := rows.Scan(&c.ID, &c.ActionID, &c.Name, &c.IsFilter,
			&formula, &c.SelectedCount); err != nil {
			return models.Action{}, err
		}
		c.Formula = &expr.Formula{}
		if err := json.Unmarshal(formula, c.Formula); err != nil {
			return models.Action{}, fmt.Errorf("decode formula of condition %d: %w", c.ID, err)
		}
		a.Conditions = append(a.Conditions, c)
	}
	if err := rows.Err(); err != nil {
		return models.Action{}, err
	}

	if err := s.db.Select(&a.Bindings,
		`SELECT id, action_id, column_name, condition_name, changes_allowed, position
		 FROM bindings WHERE action_id = $1 ORDER BY position`, a.ID); err != nil {
		return models.Action{}, err
	}
	if err := s.db.Select(&a.RubricCells,
		`SELECT id, action_id, column_name, loa_index, description, feedback
		 FROM rubric_cells WHERE action_id = $1 ORDER BY id`, a.ID); err != nil {
		return models.Action{}, err
	}
	return a, nil
}

func (s *PostgresStore) UpdateAction(a models.Action) error {
	res, err := s.db.Exec(
		`UPDATE actions SET name = $1, description = $2, text_content = $3,
		 target_url = $4, serve_enabled = $5, active_from = $6, active_to = $7,
		 shuffle = $8, rows_all_false = $9, last_executed_log = $10, updated_at = $11
		 WHERE id = $12`,
		a.Name, a.Description, a.Text, a.TargetURL, a.ServeEnabled,
		a.ActiveFrom, a.ActiveTo, a.Shuffle, mustJSON(a.AllFalseRows),
		a.LastExecutedLog, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update action %q: %w", a.Name, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteAction(id int64) error {
	res, err := s.db.Exec("DELETE FROM actions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete action %d: %w", id, err)
	}
	return requireRow(res)
}

// Conditions, bindings, rubric cells.

func (s *PostgresStore) SaveCondition(c models.Condition) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO conditions (action_id, name, is_filter, formula, selected_count)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		c.ActionID, c.Name, c.IsFilter, mustJSON(c.Formula), c.SelectedCount).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save condition %q: %w", c.Name, err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateCondition(c models.Condition) error {
	res, err := s.db.Exec(
		`UPDATE conditions SET name = $1, formula = $2, selected_count = $3 WHERE id = $4`,
		c.Name, mustJSON(c.Formula), c.SelectedCount, c.ID)
	if err != nil {
		return fmt.Errorf("update condition %q: %w", c.Name, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteCondition(id int64) error {
	res, err := s.db.Exec("DELETE FROM conditions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete condition %d: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveBinding(b models.Binding) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO bindings (action_id, column_name, condition_name, changes_allowed, position)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		b.ActionID, b.ColumnName, b.ConditionName, b.ChangesAllowed, b.Position).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save binding for %q: %w", b.ColumnName, err)
	}
	return id, nil
}

func (s *PostgresStore) DeleteBinding(id int64) error {
	res, err := s.db.Exec("DELETE FROM bindings WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete binding %d: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveRubricCell(c models.RubricCell) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO rubric_cells (action_id, column_name, loa_index, description, feedback)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		c.ActionID, c.ColumnName, c.LOAIndex, c.Description, c.Feedback).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save rubric cell: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateRubricCell(c models.RubricCell) error {
	res, err := s.db.Exec(
		`UPDATE rubric_cells SET description = $1, feedback = $2 WHERE id = $3`,
		c.Description, c.Feedback, c.ID)
	if err != nil {
		return fmt.Errorf("update rubric cell %d: %w", c.ID, err)
	}
	return requireRow(res)
}

// Views.

func (s *PostgresStore) SaveView(v models.View) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO views (workflow_id, name, columns, filter)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		v.WorkflowID, v.Name, mustJSON(v.Columns), mustJSON(v.Filter)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save view %q: %w", v.Name, err)
	}
	return id, nil
}

func (s *PostgresStore) GetViews(workflowID int64) ([]models.View, error) {
	rows, err := s.db.Queryx(
		"SELECT id, workflow_id, name, columns, filter FROM views WHERE workflow_id = $1 ORDER BY id",
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.View
	for rows.Next() {
		var v models.View
		var cols, filter []byte
		if err := rows.Scan(&v.ID, &v.WorkflowID, &v.Name, &cols, &filter); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(cols, &v.Columns); err != nil {
			return nil, err
		}
		if string(filter) != "null" {
			v.Filter = &expr.Formula{}
			if err := json.Unmarshal(filter, v.Filter); err != nil {
				return nil, err
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateView(v models.View) error {
	res, err := s.db.Exec(
		"UPDATE views SET name = $1, columns = $2, filter = $3 WHERE id = $4",
		v.Name, mustJSON(v.Columns), mustJSON(v.Filter), v.ID)
	if err != nil {
		return fmt.Errorf("update view %q: %w", v.Name, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteView(id int64) error {
	res, err := s.db.Exec("DELETE FROM views WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete view %d: %w", id, err)
	}
	return requireRow(res)
}

// Rows.

func (s *PostgresStore) RowCount(workflowID int64) (int, error) {
	var n int
	err := s.db.Get(&n, "SELECT COUNT(*) FROM wf_rows WHERE workflow_id = $1", workflowID)
	return n, err
}

type pgRowCursor struct {
	rows *sqlx.Rows
}

func (c *pgRowCursor) Next() (int, map[string]any, bool, error) {
	if !c.rows.Next() {
		return 0, nil, false, c.rows.Err()
	}
	var position int
	var vals []byte
	if err := c.rows.Scan(&position, &vals); err != nil {
		return 0, nil, false, err
	}
	values := map[string]any{}
	if err := json.Unmarshal(vals, &values); err != nil {
		return 0, nil, false, fmt.Errorf("decode row %d: %w", position, err)
	}
	normalizeNumbers(values)
	return position, values, true, nil
}

func (c *pgRowCursor) Close() error { return c.rows.Close() }

// normalizeNumbers turns the whole JSON floats back into int64 so typed
// comparisons see the declared column type.
func normalizeNumbers(values map[string]any) {
	for k, v := range values {
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			values[k] = int64(f)
		}
	}
}

func (s *PostgresStore) ScanRows(workflowID int64) (storage.RowCursor, error) {
	rows, err := s.db.Queryx(
		"SELECT position, vals FROM wf_rows WHERE workflow_id = $1 ORDER BY position",
		workflowID)
	if err != nil {
		return nil, err
	}
	return &pgRowCursor{rows: rows}, nil
}

func (s *PostgresStore) AppendRow(workflowID int64, values map[string]any) (int, error) {
	var position int
	err := s.db.QueryRowx(
		`INSERT INTO wf_rows (workflow_id, position, vals)
		 VALUES ($1, (SELECT COALESCE(MAX(position), 0) + 1 FROM wf_rows WHERE workflow_id = $1), $2)
		 RETURNING position`,
		workflowID, mustJSON(values)).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("append row: %w", err)
	}
	return position, nil
}

func (s *PostgresStore) UpdateRowValues(workflowID int64, position int, values map[string]any) error {
	removals := make([]string, 0)
	updates := make(map[string]any, len(values))
	for k, v := range values {
		if v == nil {
			removals = append(removals, k)
			continue
		}
		updates[k] = v
	}
	res, err := s.db.Exec(
		"UPDATE wf_rows SET vals = (vals - $3::text[]) || $4 WHERE workflow_id = $1 AND position = $2",
		workflowID, position, pq.Array(removals), mustJSON(updates))
	if err != nil {
		return fmt.Errorf("update row %d: %w", position, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) RenameRowKey(workflowID int64, oldName, newName string) error {
	_, err := s.db.Exec(
		`UPDATE wf_rows
		 SET vals = (vals - $2) || jsonb_build_object($3::text, vals -> $2)
		 WHERE workflow_id = $1 AND vals ? $2`,
		workflowID, oldName, newName)
	return err
}

func (s *PostgresStore) DeleteRowKey(workflowID int64, name string) error {
	_, err := s.db.Exec(
		"UPDATE wf_rows SET vals = vals - $2 WHERE workflow_id = $1", workflowID, name)
	return err
}

func (s *PostgresStore) DeleteRows(workflowID int64) error {
	_, err := s.db.Exec("DELETE FROM wf_rows WHERE workflow_id = $1", workflowID)
	return err
}

func (s *PostgresStore) CopyRows(srcWorkflowID, dstWorkflowID int64) error {
	if _, err := s.db.Exec(
		"DELETE FROM wf_rows WHERE workflow_id = $1", dstWorkflowID); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO wf_rows (workflow_id, position, vals)
		 SELECT $2, position, vals FROM wf_rows WHERE workflow_id = $1`,
		srcWorkflowID, dstWorkflowID)
	return err
}

// Scheduled operations.

func (s *PostgresStore) SaveScheduledOp(op models.ScheduledOp) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO schedules (workflow_id, action_id, name, operation_type, status,
		 enabled, execute_at, cron, payload, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		op.WorkflowID, op.ActionID, op.Name, op.OpType, op.Status, op.Enabled,
		op.ExecuteAt, mustJSON(op.Cron), mustJSON(op.Payload), op.LastError,
		op.CreatedAt, op.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save schedule %q: %w", op.Name, err)
	}
	return id, nil
}

const scheduleCols = `id, workflow_id, action_id, name, operation_type, status,
 enabled, execute_at, cron, payload, last_error, created_at, updated_at`

func scanSchedule(scan func(dest ...interface{}) error) (models.ScheduledOp, error) {
	var op models.ScheduledOp
	var cron, payload []byte
	err := scan(&op.ID, &op.WorkflowID, &op.ActionID, &op.Name, &op.OpType,
		&op.Status, &op.Enabled, &op.ExecuteAt, &cron, &payload,
		&op.LastError, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.ScheduledOp{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ScheduledOp{}, err
	}
	if string(cron) != "null" {
		op.Cron = &models.CronTuple{}
		if err := json.Unmarshal(cron, op.Cron); err != nil {
			return models.ScheduledOp{}, err
		}
	}
	if err := json.Unmarshal(payload, &op.Payload); err != nil {
		return models.ScheduledOp{}, err
	}
	return op, nil
}

func (s *PostgresStore) GetScheduledOp(id int64) (models.ScheduledOp, error) {
	return scanSchedule(s.db.QueryRowx(
		"SELECT "+scheduleCols+" FROM schedules WHERE id = $1", id).Scan)
}

func (s *PostgresStore) ListScheduledOps(workflowID int64) ([]models.ScheduledOp, error) {
	rows, err := s.db.Queryx(
		"SELECT "+scheduleCols+" FROM schedules WHERE workflow_id = $1 ORDER BY id",
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ScheduledOp
	for rows.Next() {
		op, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateScheduledOp(op models.ScheduledOp) error {
	res, err := s.db.Exec(
		`UPDATE schedules SET name = $1, status = $2, enabled = $3, execute_at = $4,
		 cron = $5, payload = $6, last_error = $7, updated_at = $8 WHERE id = $9`,
		op.Name, op.Status, op.Enabled, op.ExecuteAt, mustJSON(op.Cron),
		mustJSON(op.Payload), op.LastError, op.UpdatedAt, op.ID)
	if err != nil {
		return fmt.Errorf("update schedule %q: %w", op.Name, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteScheduledOp(id int64) error {
	res, err := s.db.Exec("DELETE FROM schedules WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete schedule %d: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ClaimDueOps(now time.Time) ([]models.ScheduledOp, error) {
	rows, err := s.db.Queryx(
		`UPDATE schedules SET status = $1, updated_at = $2
		 WHERE status = $3 AND enabled AND execute_at IS NOT NULL AND execute_at <= $2
		 RETURNING `+scheduleCols,
		models.ScheduleExecuting, now, models.SchedulePending)
	if err != nil {
		return nil, fmt.Errorf("claim due schedules: %w", err)
	}
	defer rows.Close()
	var out []models.ScheduledOp
	for rows.Next() {
		op, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// Logs.

func (s *PostgresStore) AppendLog(entry models.LogEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO logs (created_at, user_email, workflow_id, event, status, payload)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		entry.CreatedAt, entry.User, entry.WorkflowID, entry.Event,
		entry.Status, mustJSON(entry.Payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append log: %w", err)
	}
	return id, nil
}

func scanLog(scan func(dest ...interface{}) error) (models.LogEntry, error) {
	var entry models.LogEntry
	var payload []byte
	err := scan(&entry.ID, &entry.CreatedAt, &entry.User, &entry.WorkflowID,
		&entry.Event, &entry.Status, &payload)
	if err == sql.ErrNoRows {
		return models.LogEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return models.LogEntry{}, err
	}
	if err := json.Unmarshal(payload, &entry.Payload); err != nil {
		return models.LogEntry{}, err
	}
	return entry, nil
}

func (s *PostgresStore) GetLog(id int64) (models.LogEntry, error) {
	return scanLog(s.db.QueryRowx(
		"SELECT id, created_at, user_email, workflow_id, event, status, payload FROM logs WHERE id = $1",
		id).Scan)
}

func (s *PostgresStore) UpdateLogStatus(id int64, status string) error {
	current, err := s.GetLog(id)
	if err != nil {
		return err
	}
	if current.Status != "" && !models.CanTransitionRunStatus(current.Status, status) {
		return fmt.Errorf("illegal status transition %q -> %q", current.Status, status)
	}
	res, err := s.db.Exec("UPDATE logs SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("update log %d status: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) AnnotateLog(id int64, updates map[string]any) error {
	res, err := s.db.Exec(
		"UPDATE logs SET payload = payload || $1 WHERE id = $2",
		mustJSON(updates), id)
	if err != nil {
		return fmt.Errorf("annotate log %d: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListLogs(workflowID int64, event string, offset, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, created_at, user_email, workflow_id, event, status, payload
	 FROM logs WHERE workflow_id = $1`
	args := []interface{}{workflowID}
	if event != "" {
		query += " AND event = $2 ORDER BY id OFFSET $3 LIMIT $4"
		args = append(args, event, offset, limit)
	} else {
		query += " ORDER BY id OFFSET $2 LIMIT $3"
		args = append(args, offset, limit)
	}
	rows, err := s.db.Queryx(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LogEntry
	for rows.Next() {
		entry, err := scanLog(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Tokens.

func (s *PostgresStore) SaveToken(t models.OAuthToken) error {
	_, err := s.db.Exec(
		`INSERT INTO oauth_tokens (user_email, instance_name, access_token, refresh_token, expiry)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_email, instance_name)
		 DO UPDATE SET access_token = $3, refresh_token = $4, expiry = $5`,
		t.User, t.Instance, t.AccessToken, t.RefreshToken, t.Expiry)
	if err != nil {
		return fmt.Errorf("save token for %s: %w", t.User, err)
	}
	return nil
}

func (s *PostgresStore) GetToken(user, instance string) (models.OAuthToken, error) {
	var t models.OAuthToken
	err := s.db.Get(&t,
		"SELECT user_email, instance_name, access_token, refresh_token, expiry FROM oauth_tokens WHERE user_email = $1 AND instance_name = $2",
		user, instance)
	if err == sql.ErrNoRows {
		return models.OAuthToken{}, storage.ErrNotFound
	}
	return t, err
}
