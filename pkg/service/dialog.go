package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
)

// Run dialog states. A dialog opens collecting parameters, optionally stops
// to let the operator exclude recipients, and closes when the run is handed
// to the dispatcher.
const (
	DialogCollectParams = "collect_params"
	DialogExcludeItems  = "exclude_items"
	DialogDone          = "done"
)

// ErrNoDialog is returned when no staged run exists for the session.
var ErrNoDialog = errors.New("no run dialog in progress")

// RunDialog is the staged state of one run being prepared. It lives in the
// dialog store keyed by the operator's session, never in the client.
type RunDialog struct {
	ActionID int64          `json:"action_id"`
	User     string         `json:"user"`
	State    string         `json:"state"`
	Payload  map[string]any `json:"payload"`
	LogID    int64          `json:"log_id,omitempty"`
}

// DialogStore holds staged runs between requests. One dialog per session
// and action; a new Put replaces whatever was staged before.
type DialogStore interface {
	Put(ctx context.Context, token string, d RunDialog, ttl time.Duration) error
	Get(ctx context.Context, token string, actionID int64) (RunDialog, error)
	Delete(ctx context.Context, token string, actionID int64) error
}

type redisDialogs struct {
	client *redis.Client
}

func NewRedisDialogs(client *redis.Client) DialogStore {
	return &redisDialogs{client: client}
}

func dialogKey(token string, actionID int64) string {
	return fmt.Sprintf("rowmail:dialog:%s:%d", token, actionID)
}

func (s *redisDialogs) Put(ctx context.Context, token string, d RunDialog, ttl time.Duration) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, dialogKey(token, d.ActionID), data, ttl).Err()
}

func (s *redisDialogs) Get(ctx context.Context, token string, actionID int64) (RunDialog, error) {
	data, err := s.client.Get(ctx, dialogKey(token, actionID)).Bytes()
	if err == redis.Nil {
		return RunDialog{}, ErrNoDialog
	}
	if err != nil {
		return RunDialog{}, err
	}
	var d RunDialog
	if err := json.Unmarshal(data, &d); err != nil {
		return RunDialog{}, err
	}
	return d, nil
}

func (s *redisDialogs) Delete(ctx context.Context, token string, actionID int64) error {
	return s.client.Del(ctx, dialogKey(token, actionID)).Err()
}

type memoryDialogs struct {
	mu      sync.Mutex
	dialogs map[string]memoryDialog
}

type memoryDialog struct {
	dialog  RunDialog
	expires time.Time
}

func NewMemoryDialogs() DialogStore {
	return &memoryDialogs{dialogs: make(map[string]memoryDialog)}
}

func (s *memoryDialogs) Put(_ context.Context, token string, d RunDialog, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogs[dialogKey(token, d.ActionID)] = memoryDialog{dialog: d, expires: time.Now().Add(ttl)}
	return nil
}

func (s *memoryDialogs) Get(_ context.Context, token string, actionID int64) (RunDialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dialogKey(token, actionID)
	entry, ok := s.dialogs[key]
	if !ok || !entry.expires.After(time.Now()) {
		delete(s.dialogs, key)
		return RunDialog{}, ErrNoDialog
	}
	return entry.dialog, nil
}

func (s *memoryDialogs) Delete(_ context.Context, token string, actionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dialogs, dialogKey(token, actionID))
	return nil
}

// DialogService walks an operator through preparing a run: collect the
// parameters, optionally review and exclude recipients, then hand the run
// to the dispatcher. The staged payload stays server-side the whole time;
// cancelling before confirmation discards it without a trace in the log.
// The one-shot RunService path stays untouched for scheduled runs.
type DialogService struct {
	store   storage.Store
	runs    *RunService
	dialogs DialogStore
	ttl     time.Duration
}

func NewDialogService(store storage.Store, runs *RunService, dialogs DialogStore, ttl time.Duration) *DialogService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DialogService{store: store, runs: runs, dialogs: dialogs, ttl: ttl}
}

// Start opens a dialog for an outbound action, replacing any staged run the
// session already had for it.
func (s *DialogService) Start(ctx context.Context, token, user string, actionID int64) (RunDialog, error) {
	action, err := s.store.GetAction(actionID)
	if err != nil {
		return RunDialog{}, err
	}
	if !action.Type.IsOutbound() {
		return RunDialog{}, models.NewValidationError(
			"action %q collects data; enable serving instead of running it", action.Name)
	}
	if action.Type == models.ZipOperation {
		return RunDialog{}, models.NewValidationError(
			"zip actions run synchronously; request the archive download")
	}
	d := RunDialog{
		ActionID: actionID,
		User:     user,
		State:    DialogCollectParams,
		Payload:  map[string]any{},
	}
	if err := s.dialogs.Put(ctx, token, d, s.ttl); err != nil {
		return RunDialog{}, err
	}
	return d, nil
}

// SetParams stages the run parameters. With confirm_items set the dialog
// stops for recipient review; otherwise the run dispatches right away.
func (s *DialogService) SetParams(ctx context.Context, token, user string, actionID int64, params map[string]any) (RunDialog, error) {
	d, err := s.load(ctx, token, actionID, DialogCollectParams)
	if err != nil {
		return RunDialog{}, err
	}
	action, err := s.store.GetAction(actionID)
	if err != nil {
		return RunDialog{}, err
	}
	if err := validateRunParams(action.Type, params); err != nil {
		return RunDialog{}, err
	}

	confirm, _ := params["confirm_items"].(bool)
	payload := make(map[string]any, len(params))
	for k, v := range params {
		if k == "confirm_items" {
			continue
		}
		payload[k] = v
	}
	d.Payload = payload

	if !confirm {
		return s.dispatch(ctx, token, user, d)
	}
	d.State = DialogExcludeItems
	if err := s.dialogs.Put(ctx, token, d, s.ttl); err != nil {
		return RunDialog{}, err
	}
	return d, nil
}

// Candidates lists the item-column values the staged run would address,
// with the action's filter already applied. Values already excluded stay in
// the list so the operator can revise the selection.
func (s *DialogService) Candidates(ctx context.Context, token string, actionID int64) ([]string, error) {
	d, err := s.load(ctx, token, actionID, DialogExcludeItems)
	if err != nil {
		return nil, err
	}
	action, err := s.store.GetAction(actionID)
	if err != nil {
		return nil, err
	}
	rows, err := filteredRows(s.store, action)
	if err != nil {
		return nil, err
	}
	itemColumn, _ := d.Payload["item_column"].(string)
	seen := make(map[string]bool)
	var out []string
	for _, r := range rows {
		v, present := r.values[itemColumn]
		if !present || v == nil {
			continue
		}
		value := fmt.Sprint(v)
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	return out, nil
}

// Exclude stages the set of item-column values to leave out. Each call
// replaces the previous selection; the dialog stays open for revision until
// Confirm.
func (s *DialogService) Exclude(ctx context.Context, token string, actionID int64, values []string) (RunDialog, error) {
	d, err := s.load(ctx, token, actionID, DialogExcludeItems)
	if err != nil {
		return RunDialog{}, err
	}
	d.Payload["exclude_values"] = values
	if err := s.dialogs.Put(ctx, token, d, s.ttl); err != nil {
		return RunDialog{}, err
	}
	return d, nil
}

// Confirm dispatches the staged run.
func (s *DialogService) Confirm(ctx context.Context, token, user string, actionID int64) (RunDialog, error) {
	d, err := s.load(ctx, token, actionID, DialogExcludeItems)
	if err != nil {
		return RunDialog{}, err
	}
	return s.dispatch(ctx, token, user, d)
}

// Cancel discards the staged run. A dispatched run cannot be called back.
func (s *DialogService) Cancel(ctx context.Context, token string, actionID int64) error {
	d, err := s.dialogs.Get(ctx, token, actionID)
	if err != nil {
		return err
	}
	if d.State == DialogDone {
		return models.NewValidationError("run already dispatched; nothing to cancel")
	}
	return s.dialogs.Delete(ctx, token, actionID)
}

// Get returns the staged dialog as it stands.
func (s *DialogService) Get(ctx context.Context, token string, actionID int64) (RunDialog, error) {
	return s.dialogs.Get(ctx, token, actionID)
}

func (s *DialogService) load(ctx context.Context, token string, actionID int64, state string) (RunDialog, error) {
	d, err := s.dialogs.Get(ctx, token, actionID)
	if err != nil {
		return RunDialog{}, err
	}
	if d.State != state {
		return RunDialog{}, models.NewValidationError(
			"run dialog is in state %q, not %q", d.State, state)
	}
	return d, nil
}

func (s *DialogService) dispatch(ctx context.Context, token, user string, d RunDialog) (RunDialog, error) {
	logID, err := s.runs.Run(ctx, user, d.ActionID, d.Payload)
	if err != nil {
		return RunDialog{}, err
	}
	d.State = DialogDone
	d.LogID = logID
	if err := s.dialogs.Put(ctx, token, d, s.ttl); err != nil {
		// The run is already on its way; the stale staging record only costs
		// the client its state echo.
		return d, nil
	}
	return d, nil
}
