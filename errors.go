// Package kioku provides a durable execution engine for Go: workflows
// progress through memoized steps and durable sleeps, persisting state
// after every transition so they can be replayed deterministically
// after a crash or restart.
package kioku

import (
	"errors"
	"fmt"

	"github.com/yotsuki/kioku/internal/replay"
	"github.com/yotsuki/kioku/storage"
)

// TerminalError wraps an error to indicate it should not be retried.
// When a step returns a TerminalError, the retry policy is bypassed and
// the error propagates immediately.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal error: %v", e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// NewTerminalError creates a new TerminalError wrapping the given error.
func NewTerminalError(err error) *TerminalError {
	return &TerminalError{Err: err}
}

// NewTerminalErrorf creates a new TerminalError with a formatted message.
func NewTerminalErrorf(format string, args ...any) *TerminalError {
	return &TerminalError{Err: fmt.Errorf(format, args...)}
}

// IsTerminalError returns true if the error is or wraps a TerminalError.
func IsTerminalError(err error) bool {
	var terminalErr *TerminalError
	return errors.As(err, &terminalErr)
}

// RetryExhaustedError indicates that all retry attempts for a step have
// been exhausted.
type RetryExhaustedError struct {
	StepID   string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted for step %q after %d attempts: %v",
		e.StepID, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// WorkflowNotFoundError indicates that a workflow instance was not found.
type WorkflowNotFoundError struct {
	InstanceID string
}

func (e *WorkflowNotFoundError) Error() string {
	return fmt.Sprintf("workflow instance %s not found", e.InstanceID)
}

// WorkflowNotRegisteredError indicates that no workflow with the given
// name has been registered on the engine. Starting an instance fails
// with it, and the poller reports it when a persisted instance names a
// workflow this process does not know.
type WorkflowNotRegisteredError struct {
	Name string
}

func (e *WorkflowNotRegisteredError) Error() string {
	return fmt.Sprintf("workflow %q is not registered", e.Name)
}

// WorkflowFailedError carries the persisted failure of a terminal
// instance when its result is requested.
type WorkflowFailedError struct {
	InstanceID string
	Message    string
}

func (e *WorkflowFailedError) Error() string {
	return fmt.Sprintf("workflow %s failed: %s", e.InstanceID, e.Message)
}

// ErrWorkflowTerminal indicates an operation (step, sleep) attempted on
// an instance that has already completed or failed.
var ErrWorkflowTerminal = errors.New("workflow is in a terminal state")

// ErrEngineNotStarted indicates the engine was used before Start.
var ErrEngineNotStarted = errors.New("engine not started")

// ErrVersionConflict is re-exported from storage for callers who only
// import the root package.
var ErrVersionConflict = storage.ErrVersionConflict

// SuspendSignal is returned when a workflow needs to suspend execution.
// It implements the error interface for compatibility with Go's error
// handling, but it is NOT a failure - it's a control flow signal.
// Re-exported from internal/replay to avoid circular dependencies.
type SuspendSignal = replay.SuspendSignal

var (
	// IsSuspendSignal returns true if the error is a SuspendSignal.
	IsSuspendSignal = replay.IsSuspendSignal
	// AsSuspendSignal extracts the SuspendSignal from an error if present.
	AsSuspendSignal = replay.AsSuspendSignal
)
