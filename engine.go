package kioku

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/yotsuki/kioku/hooks"
	"github.com/yotsuki/kioku/internal/replay"
	"github.com/yotsuki/kioku/storage"
)

// runnerFunc executes one attempt of a workflow function against a Context.
type runnerFunc func(c *Context) (any, error)

// Engine owns workflow registration, instance execution, and the
// background poller that wakes sleeping instances and recovers crashed
// ones. Create one with New, register workflows, then call Start.
type Engine struct {
	config *engineConfig
	store  storage.Storage
	hooks  hooks.WorkflowHooks

	// Workflow runners (workflow name → runner function)
	runners   map[string]runnerFunc
	runnersMu sync.RWMutex

	// Instances currently executing in this process. Keeps the poller
	// from re-entering work the process already owns; cross-process
	// exclusion is the storage version check.
	inflight   map[string]struct{}
	inflightMu sync.Mutex

	resumptionSem *semaphore.Weighted

	// Background task management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	running bool
	mu      sync.Mutex
}

// New creates a new Engine. No background work starts until Start.
func New(opts ...Option) *Engine {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	// Generate worker ID if not set
	if config.workerID == "" {
		config.workerID = uuid.New().String()
	}

	return &Engine{
		config:        config,
		hooks:         config.hooks,
		runners:       make(map[string]runnerFunc),
		inflight:      make(map[string]struct{}),
		resumptionSem: semaphore.NewWeighted(int64(config.maxConcurrentResumptions)),
	}
}

// Start initializes storage and starts the poller.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine already running")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.initStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	e.wg.Add(1)
	go e.runPoller()

	e.running = true
	slog.Info("engine started",
		"service", e.config.serviceName,
		"worker_id", e.config.workerID,
		"poll_interval", e.config.pollInterval)
	return nil
}

// Shutdown stops the poller, waits for in-flight instances to reach a
// persisted state, and closes storage.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}

	// Wait for background tasks with timeout
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out")
	case <-time.After(e.config.shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %v", e.config.shutdownTimeout)
	}

	if e.store != nil {
		if err := e.store.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}
	return nil
}

// initStorage picks the configured storage backend.
func (e *Engine) initStorage() error {
	if e.config.store != nil {
		e.store = e.config.store
		return nil
	}
	if e.config.databaseURL != "" {
		store, err := storage.NewSQLite(e.config.databaseURL)
		if err != nil {
			return err
		}
		e.store = store
		return nil
	}
	e.store = storage.NewMemory()
	return nil
}

// define registers a runner under a workflow name. Must happen before
// instances of that name are started or recovered.
func (e *Engine) define(name string, runner runnerFunc) {
	e.runnersMu.Lock()
	defer e.runnersMu.Unlock()
	e.runners[name] = runner
}

func (e *Engine) runner(name string) (runnerFunc, bool) {
	e.runnersMu.RLock()
	defer e.runnersMu.RUnlock()
	runner, ok := e.runners[name]
	return runner, ok
}

// GetInstance returns the persisted state of an instance.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*storage.State, error) {
	if e.store == nil {
		return nil, ErrEngineNotStarted
	}
	state, err := e.store.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, &WorkflowNotFoundError{InstanceID: instanceID}
	}
	return state, nil
}

// startInstance creates and persists a fresh instance, then executes it
// on a supervised goroutine. The returned handle resolves when the
// attempt reaches a persisted outcome (terminal or sleeping).
func (e *Engine) startInstance(ctx context.Context, name string, args json.RawMessage, instanceID string) (*Handle, error) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return nil, ErrEngineNotStarted
	}

	if _, ok := e.runner(name); !ok {
		return nil, &WorkflowNotRegisteredError{Name: name}
	}

	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	now := time.Now().UTC()
	state := &storage.State{
		ID:        instanceID,
		Name:      name,
		Status:    storage.StatusRunning,
		Variables: storage.Variables{Args: args},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Save(ctx, state); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, fmt.Errorf("instance %s already exists: %w", instanceID, err)
		}
		return nil, err
	}

	handle := newHandle(instanceID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.runInstance(e.ctx, state)
		if err != nil {
			slog.Error("workflow failed",
				"workflow", name,
				"instance_id", instanceID,
				"error", err)
		}
		handle.finish(err)
	}()
	return handle, nil
}

// runInstance executes one attempt of an instance: build the memo cache
// from history, run the workflow function, and classify the outcome as
// suspended, failed, or completed. Returns nil on suspension; a parked
// instance is not a failed one.
func (e *Engine) runInstance(ctx context.Context, state *storage.State) error {
	if state.Status.Terminal() {
		return nil
	}

	runner, ok := e.runner(state.Name)
	if !ok {
		return &WorkflowNotRegisteredError{Name: state.Name}
	}

	if !e.markInflight(state.ID) {
		return nil
	}
	defer e.unmarkInflight(state.ID)

	isReplay := len(state.History) > 0
	start := time.Now()

	c := &Context{
		ctx:      ctx,
		engine:   e,
		state:    state,
		cache:    replay.BuildCache(state.History),
		isReplay: isReplay,
	}

	if isReplay {
		e.hooks.OnReplayStart(ctx, hooks.ReplayStartInfo{
			InstanceID:    state.ID,
			WorkflowName:  state.Name,
			HistoryEvents: len(state.History),
		})
	}
	e.hooks.OnWorkflowStart(ctx, hooks.WorkflowStartInfo{
		InstanceID:   state.ID,
		WorkflowName: state.Name,
		StartTime:    start,
		IsResume:     isReplay,
	})

	result, err := runner(c)
	if err != nil {
		if sig := replay.AsSuspendSignal(err); sig != nil {
			slog.Debug("workflow suspended",
				"instance_id", state.ID,
				"key", sig.Key,
				"wake_up_at", sig.WakeUpAt)
			return nil
		}
		if errors.Is(err, storage.ErrVersionConflict) {
			// Another attempt owns the instance; leave its state alone.
			slog.Debug("abandoning stale attempt",
				"instance_id", state.ID,
				"workflow", state.Name)
			return nil
		}
		state.Status = storage.StatusFailed
		state.Variables.Error = err.Error()
		state.WakeUpAt = nil
		if saveErr := e.store.Save(ctx, state); saveErr != nil {
			slog.Error("failed to persist workflow failure",
				"instance_id", state.ID, "error", saveErr)
		}
		e.hooks.OnWorkflowFailed(ctx, hooks.WorkflowFailedInfo{
			InstanceID:   state.ID,
			WorkflowName: state.Name,
			Error:        err,
			Duration:     time.Since(start),
		})
		return err
	}

	raw, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return fmt.Errorf("failed to encode workflow result: %w", marshalErr)
	}
	state.Status = storage.StatusCompleted
	state.Variables.Result = raw
	state.WakeUpAt = nil
	if err := e.store.Save(ctx, state); err != nil {
		return err
	}

	if isReplay {
		e.hooks.OnReplayComplete(ctx, hooks.ReplayCompleteInfo{
			InstanceID:   state.ID,
			WorkflowName: state.Name,
			CacheHits:    c.cache.Hits(),
			NewSteps:     c.newSteps,
			Duration:     time.Since(start),
		})
	}
	e.hooks.OnWorkflowComplete(ctx, hooks.WorkflowCompleteInfo{
		InstanceID:   state.ID,
		WorkflowName: state.Name,
		Duration:     time.Since(start),
	})
	return nil
}

func (e *Engine) markInflight(instanceID string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[instanceID]; busy {
		return false
	}
	e.inflight[instanceID] = struct{}{}
	return true
}

func (e *Engine) unmarkInflight(instanceID string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, instanceID)
}

func (e *Engine) isInflight(instanceID string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, busy := e.inflight[instanceID]
	return busy
}

// --- Poller ---

// runPoller periodically scans storage for sleeping instances that are
// due to wake and running instances left behind by a crashed process.
func (e *Engine) runPoller() {
	defer e.wg.Done()

	ticker := time.NewTicker(addJitter(e.config.pollInterval))
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.checkPending(); err != nil {
				slog.Error("error polling for pending workflows", "error", err)
			}
			ticker.Reset(addJitter(e.config.pollInterval))
		}
	}
}

// checkPending resumes every due instance found in storage. Instances
// already executing in this process are skipped; instances whose
// workflow is not registered are logged loudly and left alone.
func (e *Engine) checkPending() error {
	states, err := e.store.FindPending(e.ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, state := range states {
		if e.isInflight(state.ID) {
			continue
		}
		if _, ok := e.runner(state.Name); !ok {
			slog.Error("cannot resume workflow: not registered in this process",
				"workflow", state.Name,
				"instance_id", state.ID,
				"status", state.Status)
			continue
		}

		if err := e.resumptionSem.Acquire(e.ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(state *storage.State) {
			defer wg.Done()
			defer e.resumptionSem.Release(1)
			if err := e.resumePending(state); err != nil {
				slog.Error("error resuming workflow",
					"instance_id", state.ID,
					"workflow", state.Name,
					"error", err)
			}
		}(state)
	}
	wg.Wait()
	return nil
}

// resumePending handles one instance surfaced by FindPending: sleeping
// instances are woken, running ones re-executed from history.
func (e *Engine) resumePending(state *storage.State) error {
	if state.Status == storage.StatusSleeping {
		return e.wakeSleeper(state)
	}
	return e.runInstance(e.ctx, state)
}

// wakeSleeper appends the sleep_complete event for the most recent
// sleep_start, flips the instance back to running, and re-executes it.
// Losing the version race means another worker woke it first.
func (e *Engine) wakeSleeper(state *storage.State) error {
	key, ok := state.LastSleepStart()
	if !ok {
		return fmt.Errorf("sleeping instance %s has no sleep_start in history", state.ID)
	}

	state.Append(storage.EventSleepComplete, key, nil)
	state.Status = storage.StatusRunning
	state.WakeUpAt = nil
	if err := e.store.Save(e.ctx, state); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			slog.Debug("sleeper already woken elsewhere", "instance_id", state.ID)
			return nil
		}
		return err
	}

	e.hooks.OnSleepFired(e.ctx, hooks.SleepFiredInfo{
		InstanceID:   state.ID,
		WorkflowName: state.Name,
		Key:          key,
		FiredAt:      time.Now().UTC(),
	})

	return e.runInstance(e.ctx, state)
}

// addJitter adds random jitter (±25%) to a duration to prevent thundering herd.
// This helps distribute load when multiple workers start simultaneously.
func addJitter(d time.Duration) time.Duration {
	const jitterPercent = 0.25
	factor := 1.0 + jitterPercent*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}
