// Package hooks provides lifecycle hooks for workflow observability.
package hooks

import (
	"context"
	"time"
)

// WorkflowHooks defines callbacks for workflow lifecycle events.
// Implement this interface to add observability (logging, tracing, metrics).
type WorkflowHooks interface {
	// Workflow lifecycle
	OnWorkflowStart(ctx context.Context, info WorkflowStartInfo)
	OnWorkflowComplete(ctx context.Context, info WorkflowCompleteInfo)
	OnWorkflowFailed(ctx context.Context, info WorkflowFailedInfo)

	// Step lifecycle
	OnStepStart(ctx context.Context, info StepStartInfo)
	OnStepComplete(ctx context.Context, info StepCompleteInfo)
	OnStepFailed(ctx context.Context, info StepFailedInfo)
	OnStepRetry(ctx context.Context, info StepRetryInfo)
	OnStepCacheHit(ctx context.Context, info StepCacheHitInfo)

	// Durable sleep
	OnSleepStart(ctx context.Context, info SleepStartInfo)
	OnSleepFired(ctx context.Context, info SleepFiredInfo)

	// Replay
	OnReplayStart(ctx context.Context, info ReplayStartInfo)
	OnReplayComplete(ctx context.Context, info ReplayCompleteInfo)
}

// WorkflowStartInfo contains information about a workflow start.
type WorkflowStartInfo struct {
	InstanceID   string
	WorkflowName string
	StartTime    time.Time
	IsResume     bool
}

// WorkflowCompleteInfo contains information about a workflow completion.
type WorkflowCompleteInfo struct {
	InstanceID   string
	WorkflowName string
	Duration     time.Duration
}

// WorkflowFailedInfo contains information about a workflow failure.
type WorkflowFailedInfo struct {
	InstanceID   string
	WorkflowName string
	Error        error
	Duration     time.Duration
}

// StepStartInfo contains information about a step starting.
type StepStartInfo struct {
	InstanceID   string
	WorkflowName string
	StepID       string
	IsReplay     bool
}

// StepCompleteInfo contains information about a step completion.
type StepCompleteInfo struct {
	InstanceID   string
	WorkflowName string
	StepID       string
	Duration     time.Duration
}

// StepFailedInfo contains information about a step failure.
type StepFailedInfo struct {
	InstanceID   string
	WorkflowName string
	StepID       string
	Error        error
	Duration     time.Duration
	Attempt      int
}

// StepRetryInfo contains information about a step retry.
type StepRetryInfo struct {
	InstanceID   string
	WorkflowName string
	StepID       string
	Attempt      int
	MaxAttempts  int
	NextDelay    time.Duration
	Error        error
}

// StepCacheHitInfo contains information about a memoized result served
// during replay.
type StepCacheHitInfo struct {
	InstanceID   string
	WorkflowName string
	StepID       string
}

// SleepStartInfo contains information about a durable sleep starting.
type SleepStartInfo struct {
	InstanceID   string
	WorkflowName string
	Key          string
	WakeUpAt     time.Time
}

// SleepFiredInfo contains information about a durable sleep waking up.
type SleepFiredInfo struct {
	InstanceID   string
	WorkflowName string
	Key          string
	FiredAt      time.Time
}

// ReplayStartInfo contains information about replay starting.
type ReplayStartInfo struct {
	InstanceID    string
	WorkflowName  string
	HistoryEvents int
}

// ReplayCompleteInfo contains information about replay completion.
type ReplayCompleteInfo struct {
	InstanceID   string
	WorkflowName string
	CacheHits    int
	NewSteps     int
	Duration     time.Duration
}

// NoOpHooks is a no-operation implementation of WorkflowHooks.
// Use this as a base for partial implementations.
type NoOpHooks struct{}

func (n *NoOpHooks) OnWorkflowStart(ctx context.Context, info WorkflowStartInfo)       {}
func (n *NoOpHooks) OnWorkflowComplete(ctx context.Context, info WorkflowCompleteInfo) {}
func (n *NoOpHooks) OnWorkflowFailed(ctx context.Context, info WorkflowFailedInfo)     {}
func (n *NoOpHooks) OnStepStart(ctx context.Context, info StepStartInfo)               {}
func (n *NoOpHooks) OnStepComplete(ctx context.Context, info StepCompleteInfo)         {}
func (n *NoOpHooks) OnStepFailed(ctx context.Context, info StepFailedInfo)             {}
func (n *NoOpHooks) OnStepRetry(ctx context.Context, info StepRetryInfo)               {}
func (n *NoOpHooks) OnStepCacheHit(ctx context.Context, info StepCacheHitInfo)         {}
func (n *NoOpHooks) OnSleepStart(ctx context.Context, info SleepStartInfo)             {}
func (n *NoOpHooks) OnSleepFired(ctx context.Context, info SleepFiredInfo)             {}
func (n *NoOpHooks) OnReplayStart(ctx context.Context, info ReplayStartInfo)           {}
func (n *NoOpHooks) OnReplayComplete(ctx context.Context, info ReplayCompleteInfo)     {}
