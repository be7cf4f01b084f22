package kioku

import (
	"context"
	"encoding/json"

	"github.com/yotsuki/kioku/internal/replay"
	"github.com/yotsuki/kioku/storage"
)

// Context carries per-instance execution state through a workflow
// function: the persisted instance record, the memo cache built from
// its history, and a handle back to the engine for persistence.
//
// A Context is only valid inside the workflow function it was created
// for. It is not safe for concurrent use; workflow code is expected to
// be a single deterministic goroutine.
type Context struct {
	ctx    context.Context
	engine *Engine
	state  *storage.State
	cache  *replay.Cache

	isReplay bool
	newSteps int
}

// Context returns the underlying context.Context for cancellation and
// deadlines inside step handlers.
func (c *Context) Context() context.Context {
	return c.ctx
}

// InstanceID returns the workflow instance ID.
func (c *Context) InstanceID() string {
	return c.state.ID
}

// WorkflowName returns the registered name of the running workflow.
func (c *Context) WorkflowName() string {
	return c.state.Name
}

// IsReplaying reports whether this execution attempt started with a
// non-empty history, i.e. the instance is re-executing after a sleep,
// crash, or restart rather than running for the first time.
func (c *Context) IsReplaying() bool {
	return c.isReplay
}

// args returns the serialized workflow input.
func (c *Context) args() json.RawMessage {
	return c.state.Variables.Args
}

// appendAndSave appends a history event and persists the full state.
// A version conflict here means another attempt owns the instance; the
// caller must abandon this one.
func (c *Context) appendAndSave(eventType storage.EventType, stepID string, result json.RawMessage) error {
	c.state.Append(eventType, stepID, result)
	return c.engine.store.Save(c.ctx, c.state)
}
