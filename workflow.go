package kioku

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yotsuki/kioku/storage"
)

// Workflow defines the interface for a durable workflow.
// I is the input type, O is the output type.
type Workflow[I, O any] interface {
	// Name returns the unique name of the workflow.
	Name() string

	// Execute runs the workflow logic.
	Execute(ctx *Context, input I) (O, error)
}

// WorkflowFunc is a convenience type for workflows defined as functions.
type WorkflowFunc[I, O any] struct {
	name string
	fn   func(ctx *Context, input I) (O, error)
}

// Name returns the workflow name.
func (w *WorkflowFunc[I, O]) Name() string {
	return w.name
}

// Execute runs the workflow function.
func (w *WorkflowFunc[I, O]) Execute(ctx *Context, input I) (O, error) {
	return w.fn(ctx, input)
}

// DefineWorkflow creates a new workflow from a function.
func DefineWorkflow[I, O any](name string, fn func(ctx *Context, input I) (O, error)) *WorkflowFunc[I, O] {
	return &WorkflowFunc[I, O]{
		name: name,
		fn:   fn,
	}
}

// RegisterWorkflow registers a workflow on an engine. Registration is
// per-engine; there is no process-global registry. Register everything
// before Start so the poller can recover persisted instances.
func RegisterWorkflow[I, O any](engine *Engine, workflow Workflow[I, O]) {
	runner := func(c *Context) (any, error) {
		var input I
		if raw := c.args(); len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, fmt.Errorf("failed to deserialize input: %w", err)
			}
		}
		return workflow.Execute(c, input)
	}
	engine.define(workflow.Name(), runner)
}

// StartOption configures workflow start options.
type StartOption func(*startOptions)

type startOptions struct {
	instanceID string
}

// WithInstanceID specifies a custom instance ID.
// If not provided, a UUID will be generated.
func WithInstanceID(id string) StartOption {
	return func(o *startOptions) {
		o.instanceID = id
	}
}

// StartWorkflow starts a new workflow instance and returns its ID.
// Execution is asynchronous; a failed first attempt is persisted and
// logged, and can be inspected with GetWorkflowResult.
func StartWorkflow[I, O any](
	ctx context.Context,
	engine *Engine,
	workflow Workflow[I, O],
	input I,
	opts ...StartOption,
) (string, error) {
	handle, err := StartWorkflowHandle(ctx, engine, workflow, input, opts...)
	if err != nil {
		return "", err
	}
	return handle.InstanceID(), nil
}

// StartWorkflowHandle starts a new workflow instance and returns a
// Handle supervising the first execution attempt.
func StartWorkflowHandle[I, O any](
	ctx context.Context,
	engine *Engine,
	workflow Workflow[I, O],
	input I,
	opts ...StartOption,
) (*Handle, error) {
	options := &startOptions{}
	for _, opt := range opts {
		opt(options)
	}

	args, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize input: %w", err)
	}
	return engine.startInstance(ctx, workflow.Name(), args, options.instanceID)
}

// Handle supervises one execution attempt of a workflow instance.
//
// The attempt is over when the instance reaches a persisted decision:
// completed, failed, or parked in a durable sleep. Err distinguishes
// only success/suspension (nil) from failure; use GetWorkflowResult for
// the instance's overall status and output.
type Handle struct {
	instanceID string
	done       chan struct{}
	err        error
}

func newHandle(instanceID string) *Handle {
	return &Handle{
		instanceID: instanceID,
		done:       make(chan struct{}),
	}
}

// InstanceID returns the supervised instance's ID.
func (h *Handle) InstanceID() string {
	return h.instanceID
}

// finish resolves the handle. Called exactly once per attempt.
func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done returns a channel closed when the attempt has reached a
// persisted outcome.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err blocks until the attempt resolves and returns its error, or the
// context error if ctx expires first.
func (h *Handle) Err(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WorkflowResult represents the outcome of a workflow instance.
type WorkflowResult[O any] struct {
	InstanceID string
	Status     storage.Status
	Output     O
	Error      error
}

// GetWorkflowResult retrieves the current result of a workflow instance.
// For a non-terminal instance, Status reflects the live state and
// Output is the zero value.
func GetWorkflowResult[O any](ctx context.Context, engine *Engine, instanceID string) (*WorkflowResult[O], error) {
	state, err := engine.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	result := &WorkflowResult[O]{
		InstanceID: state.ID,
		Status:     state.Status,
	}

	if state.Status == storage.StatusFailed && state.Variables.Error != "" {
		result.Error = &WorkflowFailedError{InstanceID: state.ID, Message: state.Variables.Error}
	}

	if state.Status == storage.StatusCompleted && len(state.Variables.Result) > 0 {
		var output O
		if err := json.Unmarshal(state.Variables.Result, &output); err != nil {
			return nil, fmt.Errorf("failed to deserialize output: %w", err)
		}
		result.Output = output
	}

	return result, nil
}

// AwaitWorkflowResult polls until the instance reaches a terminal
// status, then returns its result. It returns the context error if ctx
// expires first.
func AwaitWorkflowResult[O any](ctx context.Context, engine *Engine, instanceID string) (*WorkflowResult[O], error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		result, err := GetWorkflowResult[O](ctx, engine, instanceID)
		if err != nil {
			return nil, err
		}
		if result.Status.Terminal() {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// BoundWorkflow pairs a workflow definition with the engine it was
// registered on, so call sites can start instances without repeating
// both.
type BoundWorkflow[I, O any] struct {
	engine   *Engine
	workflow Workflow[I, O]
}

// Bind registers the workflow on the engine and returns a BoundWorkflow.
func Bind[I, O any](engine *Engine, workflow Workflow[I, O]) *BoundWorkflow[I, O] {
	RegisterWorkflow(engine, workflow)
	return &BoundWorkflow[I, O]{engine: engine, workflow: workflow}
}

// Start starts a new instance of the bound workflow.
func (b *BoundWorkflow[I, O]) Start(ctx context.Context, input I, opts ...StartOption) (string, error) {
	return StartWorkflow(ctx, b.engine, b.workflow, input, opts...)
}

// StartHandle starts a new instance and returns the supervising handle.
func (b *BoundWorkflow[I, O]) StartHandle(ctx context.Context, input I, opts ...StartOption) (*Handle, error) {
	return StartWorkflowHandle(ctx, b.engine, b.workflow, input, opts...)
}

// Result returns the current result of an instance of the bound workflow.
func (b *BoundWorkflow[I, O]) Result(ctx context.Context, instanceID string) (*WorkflowResult[O], error) {
	return GetWorkflowResult[O](ctx, b.engine, instanceID)
}
