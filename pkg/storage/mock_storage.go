package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rowmail/rowmail/pkg/models"
)

// mockData holds every table of the in-memory store. Transactions deep-copy
// the whole struct, so Rollback is a genuine discard and partially applied
// multi-step edits never leak.
type mockData struct {
	nextID     int64
	workflows  map[int64]models.Workflow
	columns    map[int64]models.Column
	actions    map[int64]models.Action
	conditions map[int64]models.Condition
	bindings   map[int64]models.Binding
	rubric     map[int64]models.RubricCell
	views      map[int64]models.View
	rows       map[int64][]map[string]any
	schedules  map[int64]models.ScheduledOp
	logs       []models.LogEntry
	nextLogID  int64
	tokens     map[string]models.OAuthToken
}

func newMockData() *mockData {
	return &mockData{
		workflows:  make(map[int64]models.Workflow),
		columns:    make(map[int64]models.Column),
		actions:    make(map[int64]models.Action),
		conditions: make(map[int64]models.Condition),
		bindings:   make(map[int64]models.Binding),
		rubric:     make(map[int64]models.RubricCell),
		views:      make(map[int64]models.View),
		rows:       make(map[int64][]map[string]any),
		schedules:  make(map[int64]models.ScheduledOp),
		tokens:     make(map[string]models.OAuthToken),
	}
}

func (d *mockData) clone() *mockData {
	out := newMockData()
	out.nextID = d.nextID
	out.nextLogID = d.nextLogID
	for k, v := range d.workflows {
		out.workflows[k] = copyWorkflow(v)
	}
	for k, v := range d.columns {
		out.columns[k] = copyColumn(v)
	}
	for k, v := range d.actions {
		out.actions[k] = v
	}
	for k, v := range d.conditions {
		cp := v
		cp.Formula = v.Formula.Clone()
		out.conditions[k] = cp
	}
	for k, v := range d.bindings {
		out.bindings[k] = v
	}
	for k, v := range d.rubric {
		out.rubric[k] = v
	}
	for k, v := range d.views {
		cp := v
		cp.Columns = append([]string(nil), v.Columns...)
		cp.Filter = v.Filter.Clone()
		out.views[k] = cp
	}
	for k, rows := range d.rows {
		cp := make([]map[string]any, len(rows))
		for i, row := range rows {
			cp[i] = copyRow(row)
		}
		out.rows[k] = cp
	}
	for k, v := range d.schedules {
		cp := v
		cp.Payload = copyRow(v.Payload)
		out.schedules[k] = cp
	}
	out.logs = make([]models.LogEntry, len(d.logs))
	for i, entry := range d.logs {
		cp := entry
		cp.Payload = copyRow(entry.Payload)
		out.logs[i] = cp
	}
	for k, v := range d.tokens {
		out.tokens[k] = v
	}
	return out
}

func copyWorkflow(w models.Workflow) models.Workflow {
	cp := w
	cp.Attributes = make(map[string]string, len(w.Attributes))
	for k, v := range w.Attributes {
		cp.Attributes[k] = v
	}
	cp.SharedWith = append([]string(nil), w.SharedWith...)
	cp.Columns = nil
	return cp
}

func copyColumn(c models.Column) models.Column {
	cp := c
	cp.Categories = append([]string(nil), c.Categories...)
	return cp
}

func copyRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	cp := make(map[string]any, len(row))
	for k, v := range row {
		cp[k] = v
	}
	return cp
}

// mockStore implements Store with in-memory state. Begin snapshots the data;
// Commit publishes the snapshot back to the parent.
type mockStore struct {
	mu        *sync.Mutex
	data      *mockData
	parent    *mockStore
	committed bool
	done      bool
}

// NewMockStore returns an empty in-memory store for tests and single-node
// dry runs.
func NewMockStore() Store {
	return &mockStore{mu: &sync.Mutex{}, data: newMockData()}
}

func (m *mockStore) Begin() (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &mockStore{mu: m.mu, data: m.data.clone(), parent: m}, nil
}

func (m *mockStore) Commit() error {
	if m.parent == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return errors.New("transaction already finished")
	}
	m.parent.data = m.data
	m.committed = true
	m.done = true
	return nil
}

func (m *mockStore) Rollback() error {
	if m.parent == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.committed {
		return errors.New("cannot rollback committed transaction")
	}
	m.done = true
	return nil
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) nextIdentity() int64 {
	m.data.nextID++
	return m.data.nextID
}

// Workflows.

func (m *mockStore) SaveWorkflow(w models.Workflow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.workflows {
		if existing.Name == w.Name {
			return 0, errors.Errorf("workflow %q already exists", w.Name)
		}
	}
	w.ID = m.nextIdentity()
	m.data.workflows[w.ID] = copyWorkflow(w)
	return w.ID, nil
}

func (m *mockStore) GetWorkflow(id int64) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.data.workflows[id]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	out := copyWorkflow(w)
	out.Columns = m.columnsOf(id)
	out.NRows = len(m.data.rows[id])
	return out, nil
}

func (m *mockStore) ListWorkflows() ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Workflow, 0, len(m.data.workflows))
	for _, w := range m.data.workflows {
		out = append(out, copyWorkflow(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) UpdateWorkflow(w models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.workflows[w.ID]; !ok {
		return ErrNotFound
	}
	m.data.workflows[w.ID] = copyWorkflow(w)
	return nil
}

func (m *mockStore) DeleteWorkflow(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(m.data.workflows, id)
	for cid, c := range m.data.columns {
		if c.WorkflowID == id {
			delete(m.data.columns, cid)
		}
	}
	for aid, a := range m.data.actions {
		if a.WorkflowID == id {
			m.deleteActionLocked(aid)
		}
	}
	for vid, v := range m.data.views {
		if v.WorkflowID == id {
			delete(m.data.views, vid)
		}
	}
	for sid, s := range m.data.schedules {
		if s.WorkflowID == id {
			delete(m.data.schedules, sid)
		}
	}
	delete(m.data.rows, id)
	kept := m.data.logs[:0]
	for _, entry := range m.data.logs {
		if entry.WorkflowID != id {
			kept = append(kept, entry)
		}
	}
	m.data.logs = kept
	return nil
}

// Columns.

func (m *mockStore) columnsOf(workflowID int64) []models.Column {
	var cols []models.Column
	for _, c := range m.data.columns {
		if c.WorkflowID == workflowID {
			cols = append(cols, copyColumn(c))
		}
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Position < cols[j].Position })
	return cols
}

func (m *mockStore) SaveColumn(c models.Column) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.columns {
		if existing.WorkflowID == c.WorkflowID && existing.Name == c.Name {
			return 0, errors.Errorf("column %q already exists", c.Name)
		}
	}
	c.ID = m.nextIdentity()
	m.data.columns[c.ID] = copyColumn(c)
	return c.ID, nil
}

func (m *mockStore) GetColumns(workflowID int64) ([]models.Column, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.columnsOf(workflowID), nil
}

func (m *mockStore) UpdateColumn(c models.Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.columns[c.ID]; !ok {
		return ErrNotFound
	}
	m.data.columns[c.ID] = copyColumn(c)
	return nil
}

func (m *mockStore) DeleteColumn(workflowID int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted bool
	for id, c := range m.data.columns {
		if c.WorkflowID == workflowID && c.Name == name {
			delete(m.data.columns, id)
			deleted = true
			break
		}
	}
	if !deleted {
		return ErrNotFound
	}
	// Keep positions dense.
	cols := m.columnsOf(workflowID)
	for i, c := range cols {
		if c.Position != i+1 {
			c.Position = i + 1
			m.data.columns[c.ID] = c
		}
	}
	return nil
}

// Actions.

func (m *mockStore) SaveAction(a models.Action) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.actions {
		if existing.WorkflowID == a.WorkflowID && existing.Name == a.Name {
			return 0, errors.Errorf("action %q already exists", a.Name)
		}
	}
	a.ID = m.nextIdentity()
	stored := a
	stored.Conditions, stored.Bindings, stored.RubricCells = nil, nil, nil
	m.data.actions[a.ID] = stored
	return a.ID, nil
}

func (m *mockStore) assembleAction(a models.Action) models.Action {
	for _, c := range m.data.conditions {
		if c.ActionID == a.ID {
			cp := c
			cp.Formula = c.Formula.Clone()
			a.Conditions = append(a.Conditions, cp)
		}
	}
	sort.Slice(a.Conditions, func(i, j int) bool { return a.Conditions[i].ID < a.Conditions[j].ID })
	for _, b := range m.data.bindings {
		if b.ActionID == a.ID {
			a.Bindings = append(a.Bindings, b)
		}
	}
	sort.Slice(a.Bindings, func(i, j int) bool { return a.Bindings[i].Position < a.Bindings[j].Position })
	for _, cell := range m.data.rubric {
		if cell.ActionID == a.ID {
			a.RubricCells = append(a.RubricCells, cell)
		}
	}
	sort.Slice(a.RubricCells, func(i, j int) bool { return a.RubricCells[i].ID < a.RubricCells[j].ID })
	return a
}

func (m *mockStore) GetAction(id int64) (models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.data.actions[id]
	if !ok {
		return models.Action{}, ErrNotFound
	}
	return m.assembleAction(a), nil
}

func (m *mockStore) GetActionByName(workflowID int64, name string) (models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.data.actions {
		if a.WorkflowID == workflowID && a.Name == name {
			return m.assembleAction(a), nil
		}
	}
	return models.Action{}, ErrNotFound
}

func (m *mockStore) ListActions(workflowID int64) ([]models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Action
	for _, a := range m.data.actions {
		if a.WorkflowID == workflowID {
			out = append(out, m.assembleAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) UpdateAction(a models.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.actions[a.ID]; !ok {
		return ErrNotFound
	}
	stored := a
	stored.Conditions, stored.Bindings, stored.RubricCells = nil, nil, nil
	m.data.actions[a.ID] = stored
	return nil
}

func (m *mockStore) deleteActionLocked(id int64) {
	delete(m.data.actions, id)
	for cid, c := range m.data.conditions {
		if c.ActionID == id {
			delete(m.data.conditions, cid)
		}
	}
	for bid, b := range m.data.bindings {
		if b.ActionID == id {
			delete(m.data.bindings, bid)
		}
	}
	for rid, cell := range m.data.rubric {
		if cell.ActionID == id {
			delete(m.data.rubric, rid)
		}
	}
}

func (m *mockStore) DeleteAction(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.actions[id]; !ok {
		return ErrNotFound
	}
	m.deleteActionLocked(id)
	return nil
}

// Conditions, bindings, rubric cells.

func (m *mockStore) SaveCondition(c models.Condition) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !c.IsFilter {
		for _, existing := range m.data.conditions {
			if existing.ActionID == c.ActionID && !existing.IsFilter && existing.Name == c.Name {
				return 0, errors.Errorf("condition %q already exists", c.Name)
			}
		}
	} else {
		for _, existing := range m.data.conditions {
			if existing.ActionID == c.ActionID && existing.IsFilter {
				return 0, errors.New("action already has a filter")
			}
		}
	}
	c.ID = m.nextIdentity()
	cp := c
	cp.Formula = c.Formula.Clone()
	m.data.conditions[c.ID] = cp
	return c.ID, nil
}

func (m *mockStore) UpdateCondition(c models.Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.conditions[c.ID]; !ok {
		return ErrNotFound
	}
	cp := c
	cp.Formula = c.Formula.Clone()
	m.data.conditions[c.ID] = cp
	return nil
}

func (m *mockStore) DeleteCondition(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.conditions[id]; !ok {
		return ErrNotFound
	}
	delete(m.data.conditions, id)
	return nil
}

func (m *mockStore) SaveBinding(b models.Binding) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = m.nextIdentity()
	m.data.bindings[b.ID] = b
	return b.ID, nil
}

func (m *mockStore) DeleteBinding(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.bindings[id]; !ok {
		return ErrNotFound
	}
	delete(m.data.bindings, id)
	return nil
}

func (m *mockStore) SaveRubricCell(c models.RubricCell) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.nextIdentity()
	m.data.rubric[c.ID] = c
	return c.ID, nil
}

func (m *mockStore) UpdateRubricCell(c models.RubricCell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.rubric[c.ID]; !ok {
		return ErrNotFound
	}
	m.data.rubric[c.ID] = c
	return nil
}

// Views.

func (m *mockStore) SaveView(v models.View) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = m.nextIdentity()
	cp := v
	cp.Columns = append([]string(nil), v.Columns...)
	cp.Filter = v.Filter.Clone()
	m.data.views[v.ID] = cp
	return v.ID, nil
}

func (m *mockStore) GetViews(workflowID int64) ([]models.View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.View
	for _, v := range m.data.views {
		if v.WorkflowID == workflowID {
			cp := v
			cp.Columns = append([]string(nil), v.Columns...)
			cp.Filter = v.Filter.Clone()
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) UpdateView(v models.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.views[v.ID]; !ok {
		return ErrNotFound
	}
	cp := v
	cp.Columns = append([]string(nil), v.Columns...)
	cp.Filter = v.Filter.Clone()
	m.data.views[v.ID] = cp
	return nil
}

func (m *mockStore) DeleteView(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.views[id]; !ok {
		return ErrNotFound
	}
	delete(m.data.views, id)
	return nil
}

// Rows.

func (m *mockStore) RowCount(workflowID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data.rows[workflowID]), nil
}

type sliceCursor struct {
	rows []map[string]any
	pos  int
}

func (c *sliceCursor) Next() (int, map[string]any, bool, error) {
	if c.pos >= len(c.rows) {
		return 0, nil, false, nil
	}
	c.pos++
	return c.pos, copyRow(c.rows[c.pos-1]), true, nil
}

func (c *sliceCursor) Close() error { return nil }

func (m *mockStore) ScanRows(workflowID int64) (RowCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.data.rows[workflowID]
	snapshot := make([]map[string]any, len(rows))
	copy(snapshot, rows)
	return &sliceCursor{rows: snapshot}, nil
}

func (m *mockStore) AppendRow(workflowID int64, values map[string]any) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.rows[workflowID] = append(m.data.rows[workflowID], copyRow(values))
	return len(m.data.rows[workflowID]), nil
}

func (m *mockStore) UpdateRowValues(workflowID int64, position int, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.data.rows[workflowID]
	if position < 1 || position > len(rows) {
		return ErrNotFound
	}
	row := copyRow(rows[position-1])
	for k, v := range values {
		if v == nil {
			delete(row, k)
			continue
		}
		row[k] = v
	}
	rows[position-1] = row
	return nil
}

func (m *mockStore) RenameRowKey(workflowID int64, oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.data.rows[workflowID]
	for i, row := range rows {
		if v, ok := row[oldName]; ok {
			cp := copyRow(row)
			delete(cp, oldName)
			cp[newName] = v
			rows[i] = cp
		}
	}
	return nil
}

func (m *mockStore) DeleteRowKey(workflowID int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.data.rows[workflowID]
	for i, row := range rows {
		if _, ok := row[name]; ok {
			cp := copyRow(row)
			delete(cp, name)
			rows[i] = cp
		}
	}
	return nil
}

func (m *mockStore) DeleteRows(workflowID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.rows, workflowID)
	return nil
}

func (m *mockStore) CopyRows(srcWorkflowID, dstWorkflowID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.data.rows[srcWorkflowID]
	dst := make([]map[string]any, len(src))
	for i, row := range src {
		dst[i] = copyRow(row)
	}
	m.data.rows[dstWorkflowID] = dst
	return nil
}

// Scheduled operations.

func (m *mockStore) SaveScheduledOp(op models.ScheduledOp) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.schedules {
		if existing.WorkflowID == op.WorkflowID && existing.Name == op.Name {
			return 0, errors.Errorf("scheduled operation %q already exists", op.Name)
		}
	}
	op.ID = m.nextIdentity()
	cp := op
	cp.Payload = copyRow(op.Payload)
	m.data.schedules[op.ID] = cp
	return op.ID, nil
}

func (m *mockStore) GetScheduledOp(id int64) (models.ScheduledOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.data.schedules[id]
	if !ok {
		return models.ScheduledOp{}, ErrNotFound
	}
	op.Payload = copyRow(op.Payload)
	return op, nil
}

func (m *mockStore) ListScheduledOps(workflowID int64) ([]models.ScheduledOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledOp
	for _, op := range m.data.schedules {
		if op.WorkflowID == workflowID {
			op.Payload = copyRow(op.Payload)
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) UpdateScheduledOp(op models.ScheduledOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.schedules[op.ID]; !ok {
		return ErrNotFound
	}
	cp := op
	cp.Payload = copyRow(op.Payload)
	m.data.schedules[op.ID] = cp
	return nil
}

func (m *mockStore) DeleteScheduledOp(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.data.schedules, id)
	return nil
}

func (m *mockStore) ClaimDueOps(now time.Time) ([]models.ScheduledOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.ScheduledOp
	for id, op := range m.data.schedules {
		if !op.Enabled || op.Status != models.SchedulePending {
			continue
		}
		if op.ExecuteAt == nil || op.ExecuteAt.After(now) {
			continue
		}
		op.Status = models.ScheduleExecuting
		op.UpdatedAt = now
		m.data.schedules[id] = op
		claimed := op
		claimed.Payload = copyRow(op.Payload)
		due = append(due, claimed)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// Logs.

func (m *mockStore) AppendLog(entry models.LogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.nextLogID++
	entry.ID = m.data.nextLogID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.Payload = copyRow(entry.Payload)
	m.data.logs = append(m.data.logs, entry)
	return entry.ID, nil
}

func (m *mockStore) GetLog(id int64) (models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.data.logs {
		if entry.ID == id {
			entry.Payload = copyRow(entry.Payload)
			return entry, nil
		}
	}
	return models.LogEntry{}, ErrNotFound
}

func (m *mockStore) UpdateLogStatus(id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, entry := range m.data.logs {
		if entry.ID != id {
			continue
		}
		if entry.Status != "" && !models.CanTransitionRunStatus(entry.Status, status) {
			return errors.Errorf("illegal status transition %q -> %q", entry.Status, status)
		}
		m.data.logs[i].Status = status
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) AnnotateLog(id int64, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, entry := range m.data.logs {
		if entry.ID != id {
			continue
		}
		if m.data.logs[i].Payload == nil {
			m.data.logs[i].Payload = map[string]any{}
		}
		for k, v := range updates {
			m.data.logs[i].Payload[k] = v
		}
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) ListLogs(workflowID int64, event string, offset, limit int) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LogEntry
	for _, entry := range m.data.logs {
		if entry.WorkflowID != workflowID {
			continue
		}
		if event != "" && entry.Event != event {
			continue
		}
		entry.Payload = copyRow(entry.Payload)
		out = append(out, entry)
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Tokens.

func (m *mockStore) SaveToken(t models.OAuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.tokens[t.User+"|"+t.Instance] = t
	return nil
}

func (m *mockStore) GetToken(user, instance string) (models.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.data.tokens[user+"|"+instance]
	if !ok {
		return models.OAuthToken{}, ErrNotFound
	}
	return t, nil
}
