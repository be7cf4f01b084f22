package kioku

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yotsuki/kioku/hooks"
	"github.com/yotsuki/kioku/retry"
	"github.com/yotsuki/kioku/storage"
)

// stepOptions holds per-step configuration.
type stepOptions struct {
	retryPolicy *retry.Policy
}

// StepOption configures a single Step call.
type StepOption func(*stepOptions)

// WithRetryPolicy attaches a retry policy to the step. Without one the
// handler runs exactly once and its error propagates unchanged.
func WithRetryPolicy(p *retry.Policy) StepOption {
	return func(o *stepOptions) {
		o.retryPolicy = p
	}
}

// Step executes fn exactly once across all replays of the workflow.
//
// On the first encounter of stepID the handler runs, and its result is
// recorded in history before Step returns. On every later replay the
// recorded result is returned without invoking the handler, which is
// what makes completed work survive crashes and sleeps.
//
// Step IDs should be unique within a workflow. If an ID is reused, every
// occurrence after the first replays the earliest recorded result; the
// later handlers never run.
//
// A handler error is NOT recorded: the workflow fails, and if the
// instance is ever re-executed the step runs again. Results must be
// JSON-serializable.
func Step[T any](c *Context, stepID string, fn func(context.Context) (T, error), opts ...StepOption) (T, error) {
	var zero T
	if c.state.Status.Terminal() {
		return zero, ErrWorkflowTerminal
	}

	options := &stepOptions{}
	for _, opt := range opts {
		opt(options)
	}

	// Memoized result from a previous attempt.
	if raw, ok := c.cache.Result(stepID); ok {
		c.engine.hooks.OnStepCacheHit(c.ctx, hooks.StepCacheHitInfo{
			InstanceID:   c.state.ID,
			WorkflowName: c.state.Name,
			StepID:       stepID,
		})
		var out T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &out); err != nil {
				return zero, fmt.Errorf("failed to decode recorded result for step %q: %w", stepID, err)
			}
		}
		return out, nil
	}

	c.engine.hooks.OnStepStart(c.ctx, hooks.StepStartInfo{
		InstanceID:   c.state.ID,
		WorkflowName: c.state.Name,
		StepID:       stepID,
		IsReplay:     c.isReplay,
	})
	start := time.Now()

	// step_start is persisted before the handler runs, so an attempt
	// that lost the version race aborts here instead of producing
	// duplicate side effects.
	if err := c.appendAndSave(storage.EventStepStart, stepID, nil); err != nil {
		return zero, err
	}
	c.newSteps++

	result, attempt, err := runStep(c, stepID, fn, options.retryPolicy)
	if err != nil {
		c.engine.hooks.OnStepFailed(c.ctx, hooks.StepFailedInfo{
			InstanceID:   c.state.ID,
			WorkflowName: c.state.Name,
			StepID:       stepID,
			Error:        err,
			Duration:     time.Since(start),
			Attempt:      attempt,
		})
		return zero, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("failed to encode result for step %q: %w", stepID, err)
	}
	if err := c.appendAndSave(storage.EventStepComplete, stepID, raw); err != nil {
		return zero, err
	}
	c.cache.Store(stepID, raw)

	c.engine.hooks.OnStepComplete(c.ctx, hooks.StepCompleteInfo{
		InstanceID:   c.state.ID,
		WorkflowName: c.state.Name,
		StepID:       stepID,
		Duration:     time.Since(start),
	})
	return result, nil
}

// runStep invokes the handler, applying the retry policy if one is set.
// Returns the result, the number of attempts made, and the final error.
func runStep[T any](c *Context, stepID string, fn func(context.Context) (T, error), policy *retry.Policy) (T, int, error) {
	var zero T
	attempt := 0
	for {
		attempt++
		result, err := fn(c.ctx)
		if err == nil {
			return result, attempt, nil
		}
		if policy == nil || IsTerminalError(err) {
			return zero, attempt, err
		}
		if !policy.ShouldRetry(attempt, err) {
			if attempt > 1 {
				return zero, attempt, &RetryExhaustedError{StepID: stepID, Attempts: attempt, LastErr: err}
			}
			return zero, attempt, err
		}

		delay := policy.GetDelay(attempt)
		c.engine.hooks.OnStepRetry(c.ctx, hooks.StepRetryInfo{
			InstanceID:   c.state.ID,
			WorkflowName: c.state.Name,
			StepID:       stepID,
			Attempt:      attempt,
			MaxAttempts:  policy.MaxAttempts,
			NextDelay:    delay,
			Error:        err,
		})

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return zero, attempt, c.ctx.Err()
		}
	}
}
