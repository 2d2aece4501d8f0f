package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
	"github.com/rowmail/rowmail/pkg/table"
)

const (
	DefaultItemTimeout     = 60 * time.Second
	DefaultBurstSize       = 50
	DefaultBurstPause      = 30 * time.Second
	DefaultItemConcurrency = 4
)

// Logger is the minimal logging surface the dispatcher needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Sink delivers one rendered item to its destination.
type Sink interface {
	Deliver(ctx context.Context, job *RunJob, item Item) error
}

// ConfirmationSender is implemented by sinks that can send the requester a
// summary message once a run finishes.
type ConfirmationSender interface {
	Confirm(ctx context.Context, job *RunJob, sent, total int) error
}

// Pacer is implemented by sinks that carry their own delivery pacing, such
// as a per-instance burst size. It takes precedence over the dispatcher
// config; explicit payload overrides still win.
type Pacer interface {
	Pacing(job *RunJob) (burst int, pause time.Duration, ok bool)
}

// ConnectionLimiter caps how many deliveries a sink accepts concurrently.
// Sinks without one get the dispatcher's configured limit.
type ConnectionLimiter interface {
	ConnectionLimit() int
}

// RunJob is one queued run: the action to execute, the payload collected
// from the requester and the governing log entry to walk through the
// status ladder.
type RunJob struct {
	Ctx      context.Context
	User     string
	ActionID int64
	LogID    int64
	Payload  map[string]any

	// Action is loaded by the dispatcher before delivery starts; sinks
	// read the target URL and name from it.
	Action models.Action

	// TrackColumn is filled in by the dispatcher when read tracking is
	// requested, so the confirmation can name it.
	TrackColumn string
}

// DispatchConfig paces outbound deliveries. Items go out in bursts of
// BurstSize with BurstPause between bursts; zero BurstSize means one
// unbounded burst and zero BurstPause means no sleep. Within a burst up to
// ItemConcurrency items are in flight at once.
type DispatchConfig struct {
	Workers         int
	BurstSize       int
	BurstPause      time.Duration
	ItemTimeout     time.Duration
	ItemConcurrency int
}

// runState tracks one in-flight run.
type runState struct {
	completeChan chan struct{}
	err          error
	mu           sync.Mutex
	cleanupOnce  sync.Once
}

// Dispatcher owns the outbound worker pool. Runs are queued with Submit and
// executed by a fixed set of workers; each run walks its governing log
// entry along the status ladder and appends one event per delivered item.
type Dispatcher struct {
	store   storage.Store
	auditor *Auditor
	tracker *Tracker
	sinks   map[models.ActionType]Sink
	cfg     DispatchConfig
	logger  Logger

	jobChan chan *RunJob
	runs    map[int64]*runState
	mu      sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	started bool
}

func NewDispatcher(mainCtx context.Context, store storage.Store, tracker *Tracker, cfg DispatchConfig, logger Logger) *Dispatcher {
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = DefaultItemTimeout
	}
	return &Dispatcher{
		store:   store,
		auditor: NewAuditor(store),
		tracker: tracker,
		sinks:   make(map[models.ActionType]Sink),
		cfg:     cfg,
		logger:  logger,
		runs:    make(map[int64]*runState),
		ctx:     mainCtx,
	}
}

// RegisterSink binds a sink to an action type.
func (d *Dispatcher) RegisterSink(t models.ActionType, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[t] = sink
}

// Start begins the worker pool with the specified number of workers.
func (d *Dispatcher) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	d.mu.Lock()
	d.jobChan = make(chan *RunJob, workers)
	d.started = true
	d.mu.Unlock()
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop gracefully stops the worker pool, waiting for queued runs.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	close(d.jobChan)
	d.mu.Unlock()

	d.wg.Wait()
}

// Submit queues a run. The governing log entry must already exist in the
// Preparing state.
func (d *Dispatcher) Submit(job *RunJob) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return models.ErrDispatchUnavailable
	}
	if _, exists := d.runs[job.LogID]; exists {
		d.mu.Unlock()
		return errors.Errorf("run %d already queued", job.LogID)
	}
	state := &runState{completeChan: make(chan struct{})}
	d.runs[job.LogID] = state
	d.mu.Unlock()

	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	d.jobChan <- job
	return nil
}

// Wait blocks until the run identified by its governing log id finishes and
// returns its terminal error, if any.
func (d *Dispatcher) Wait(logID int64) error {
	d.mu.RLock()
	state, ok := d.runs[logID]
	d.mu.RUnlock()
	if !ok {
		return errors.Errorf("unknown run %d", logID)
	}
	<-state.completeChan
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.err
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobChan {
		if d.ctx.Err() != nil {
			d.finishRun(job, d.ctx.Err())
			continue
		}
		d.executeRun(job)
	}
}

// finishRun closes the governing log entry and releases waiters.
func (d *Dispatcher) finishRun(job *RunJob, runErr error) {
	if err := d.auditor.CloseRun(job.LogID, runErr); err != nil {
		d.logger.Errorf("Failed to close run %d: %v", job.LogID, err)
	}
	d.mu.Lock()
	state, ok := d.runs[job.LogID]
	d.mu.Unlock()
	if !ok {
		return
	}
	state.mu.Lock()
	state.err = runErr
	state.mu.Unlock()
	state.cleanupOnce.Do(func() {
		close(state.completeChan)
	})
}

func (d *Dispatcher) executeRun(job *RunJob) {
	if err := job.Ctx.Err(); err != nil {
		// Cancelled while queued; nothing was dispatched.
		d.finishRun(job, errors.New("run cancelled before dispatch"))
		return
	}

	action, err := d.store.GetAction(job.ActionID)
	if err != nil {
		d.finishRun(job, err)
		return
	}
	job.Action = action
	d.mu.RLock()
	sink, ok := d.sinks[action.Type]
	d.mu.RUnlock()
	if !ok {
		d.finishRun(job, errors.Errorf("no sink registered for %q", action.Type))
		return
	}

	if err := d.auditor.MarkExecuting(job.LogID); err != nil {
		d.finishRun(job, err)
		return
	}

	items, err := buildItems(d.store, action, job.Payload)
	if err != nil {
		// Template and evaluation failures abort the run wholesale; no
		// partial sends have happened yet.
		d.finishRun(job, err)
		return
	}

	if wantTracking(action.Type, job.Payload) && d.tracker != nil {
		if err := d.attachTracking(job, action, items); err != nil {
			d.finishRun(job, err)
			return
		}
	}

	sent, err := d.deliverBursts(job, action, sink, items)
	if err != nil {
		d.finishRun(job, err)
		return
	}

	if err := d.auditor.AnnotateRun(job.LogID, map[string]any{
		"objects_sent":   sent,
		"filter_present": action.Filter() != nil,
	}); err != nil {
		d.logger.Errorf("Failed to annotate run %d: %v", job.LogID, err)
	}

	action.LastExecutedLog = job.LogID
	action.AllFalseRows = nil
	if err := d.store.UpdateAction(action); err != nil {
		d.logger.Errorf("Failed to record last run of action %d: %v", action.ID, err)
	}

	if confirm, ok := sink.(ConfirmationSender); ok && boolField(job.Payload, "send_confirmation") {
		if err := confirm.Confirm(job.Ctx, job, sent, len(items)); err != nil {
			d.logger.Warnf("Failed to send confirmation for run %d: %v", job.LogID, err)
		}
	}

	d.logger.Infof("Run %d finished: %d/%d items delivered", job.LogID, sent, len(items))
	d.finishRun(job, nil)
}

// deliverBursts paces the items and fans each burst out to the sink. The
// pacing comes from the sink when it carries its own (Canvas instances do),
// from the dispatcher config otherwise; explicit payload overrides win over
// both. A transient delivery failure is logged per item and the run
// continues; an authorization failure aborts the remainder.
func (d *Dispatcher) deliverBursts(job *RunJob, action models.Action, sink Sink, items []Item) (int, error) {
	burst := d.cfg.BurstSize
	pause := d.cfg.BurstPause
	if p, ok := sink.(Pacer); ok {
		if b, pz, carried := p.Pacing(job); carried {
			burst, pause = b, pz
		}
	}
	if v, ok := intField(job.Payload, "burst"); ok {
		burst = v
	}
	if v, ok := intField(job.Payload, "burst_pause"); ok {
		pause = time.Duration(v) * time.Second
	}
	if burst <= 0 {
		burst = len(items)
	}

	limit := d.cfg.ItemConcurrency
	if cl, ok := sink.(ConnectionLimiter); ok && cl.ConnectionLimit() > 0 {
		limit = cl.ConnectionLimit()
	}
	if limit <= 0 {
		limit = DefaultItemConcurrency
	}

	sent := 0
	for start := 0; start < len(items); start += burst {
		if start > 0 && pause > 0 {
			select {
			case <-time.After(pause):
			case <-job.Ctx.Done():
				return sent, errors.Errorf("run cancelled after %d items", sent)
			case <-d.ctx.Done():
				return sent, errors.Errorf("dispatcher stopped after %d items", sent)
			}
		}
		end := start + burst
		if end > len(items) {
			end = len(items)
		}
		n, err := d.deliverBurst(job, action, sink, items[start:end], limit)
		sent += n
		if err != nil {
			return sent, err
		}
		if err := job.Ctx.Err(); err != nil {
			return sent, errors.Errorf("run cancelled after %d items", sent)
		}
	}
	return sent, nil
}

// deliverBurst delivers one burst with at most limit items in flight. An
// authorization failure stops new deliveries; items already in flight are
// drained before returning.
func (d *Dispatcher) deliverBurst(job *RunJob, action models.Action, sink Sink, items []Item, limit int) (int, error) {
	itemEvent := typeRegistry[action.Type].itemEvent
	var (
		mu    sync.Mutex
		sent  int
		abort error
	)
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, item := range items {
		if job.Ctx.Err() != nil {
			break
		}
		mu.Lock()
		stopped := abort != nil
		mu.Unlock()
		if stopped {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(item Item) {
			defer wg.Done()
			defer func() { <-sem }()
			itemCtx, cancel := context.WithTimeout(job.Ctx, d.cfg.ItemTimeout)
			err := sink.Deliver(itemCtx, job, item)
			cancel()
			if err != nil {
				var oauthErr *models.OAuthError
				if errors.As(err, &oauthErr) {
					mu.Lock()
					if abort == nil {
						abort = err
					}
					mu.Unlock()
					return
				}
				d.logger.Warnf("Delivery to %s failed: %v", item.Recipient, err)
				d.auditor.Record(job.User, action.WorkflowID, itemEvent, map[string]any{
					"action": action.Name,
					"to":     item.Recipient,
					"error":  (&models.TransientSinkError{Item: item.Recipient, Err: err}).Error(),
				})
				return
			}
			mu.Lock()
			sent++
			mu.Unlock()
			if itemEvent != "" {
				d.auditor.Record(job.User, action.WorkflowID, itemEvent, map[string]any{
					"action":  action.Name,
					"to":      item.Recipient,
					"subject": item.Subject,
				})
			}
		}(item)
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	return sent, abort
}

// attachTracking provisions the read-count column and appends the signed
// pixel to every item body.
func (d *Dispatcher) attachTracking(job *RunJob, action models.Action, items []Item) error {
	acc := table.NewAccessor(d.store)
	trackCol, err := ProvisionTrackColumn(acc, d.store, job.User, action.WorkflowID)
	if err != nil {
		return errors.Wrap(err, "provisioning track column")
	}
	job.TrackColumn = trackCol
	itemColumn, _ := job.Payload["item_column"].(string)
	for i := range items {
		pixel, err := d.tracker.PixelHTML(TrackPayload{
			ActionID:  action.ID,
			Sender:    job.User,
			Recipient: items[i].Recipient,
			ColumnTo:  itemColumn,
			ColumnDst: trackCol,
		})
		if err != nil {
			return err
		}
		items[i].Body += pixel
	}
	return nil
}

// wantTracking reports whether the run asks for read tracking on a type
// that supports it.
func wantTracking(t models.ActionType, payload map[string]any) bool {
	if t != models.PersonalizedText && t != models.RubricText {
		return false
	}
	return boolField(payload, "track_read")
}

func boolField(payload map[string]any, key string) bool {
	v, _ := payload[key].(bool)
	return v
}

func intField(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
