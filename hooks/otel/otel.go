// Package otel provides OpenTelemetry integration for kioku workflow hooks.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yotsuki/kioku/hooks"
)

const tracerName = "kioku"

// OTelHooks implements WorkflowHooks with OpenTelemetry tracing.
// It creates spans for workflow, step, sleep, and replay lifecycle events.
type OTelHooks struct {
	hooks.NoOpHooks
	tracer trace.Tracer

	mu sync.Mutex

	// Map of instance_id -> active span for tracking workflow spans
	workflowSpans map[string]trace.Span

	// Map of instance_id -> context with workflow span for child spans
	workflowContexts map[string]context.Context

	// Map of instance_id:step_id -> active span for tracking step spans
	stepSpans map[string]trace.Span

	// Map of instance_id:key -> active span for tracking sleep spans
	sleepSpans map[string]trace.Span

	// Map of instance_id -> active span for tracking replay spans
	replaySpans map[string]trace.Span
}

// NewOTelHooks creates a new OpenTelemetry hooks instance.
// If tracerProvider is nil, the global tracer provider is used.
func NewOTelHooks(tracerProvider trace.TracerProvider) *OTelHooks {
	var tracer trace.Tracer
	if tracerProvider != nil {
		tracer = tracerProvider.Tracer(tracerName)
	} else {
		tracer = otel.Tracer(tracerName)
	}

	return &OTelHooks{
		tracer:           tracer,
		workflowSpans:    make(map[string]trace.Span),
		workflowContexts: make(map[string]context.Context),
		stepSpans:        make(map[string]trace.Span),
		sleepSpans:       make(map[string]trace.Span),
		replaySpans:      make(map[string]trace.Span),
	}
}

// Workflow lifecycle

// OnWorkflowStart creates a new span when a workflow starts.
func (h *OTelHooks) OnWorkflowStart(ctx context.Context, info hooks.WorkflowStartInfo) {
	spanCtx, span := h.tracer.Start(ctx, fmt.Sprintf("workflow/%s", info.WorkflowName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("kioku.instance_id", info.InstanceID),
			attribute.String("kioku.workflow_name", info.WorkflowName),
			attribute.Bool("kioku.is_resume", info.IsResume),
		),
	)
	h.mu.Lock()
	h.workflowSpans[info.InstanceID] = span
	h.workflowContexts[info.InstanceID] = spanCtx
	h.mu.Unlock()
}

// OnWorkflowComplete ends the workflow span with success status.
func (h *OTelHooks) OnWorkflowComplete(ctx context.Context, info hooks.WorkflowCompleteInfo) {
	h.mu.Lock()
	span, ok := h.workflowSpans[info.InstanceID]
	delete(h.workflowSpans, info.InstanceID)
	delete(h.workflowContexts, info.InstanceID)
	h.mu.Unlock()
	if ok {
		span.SetAttributes(
			attribute.Int64("kioku.duration_ms", info.Duration.Milliseconds()),
		)
		span.SetStatus(codes.Ok, "workflow completed")
		span.End()
	}
}

// OnWorkflowFailed ends the workflow span with error status.
func (h *OTelHooks) OnWorkflowFailed(ctx context.Context, info hooks.WorkflowFailedInfo) {
	h.mu.Lock()
	span, ok := h.workflowSpans[info.InstanceID]
	delete(h.workflowSpans, info.InstanceID)
	delete(h.workflowContexts, info.InstanceID)
	h.mu.Unlock()
	if ok {
		span.SetAttributes(
			attribute.Int64("kioku.duration_ms", info.Duration.Milliseconds()),
		)
		span.RecordError(info.Error)
		span.SetStatus(codes.Error, info.Error.Error())
		span.End()
	}
}

// Step lifecycle

func (h *OTelHooks) stepKey(instanceID, stepID string) string {
	return instanceID + ":" + stepID
}

// OnStepStart creates a new span when a step starts.
// The step span is created as a child of the workflow span.
func (h *OTelHooks) OnStepStart(ctx context.Context, info hooks.StepStartInfo) {
	h.mu.Lock()
	parentCtx := ctx
	if wfCtx, ok := h.workflowContexts[info.InstanceID]; ok {
		parentCtx = wfCtx
	}
	h.mu.Unlock()

	_, span := h.tracer.Start(parentCtx, fmt.Sprintf("step/%s", info.StepID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("kioku.instance_id", info.InstanceID),
			attribute.String("kioku.workflow_name", info.WorkflowName),
			attribute.String("kioku.step_id", info.StepID),
			attribute.Bool("kioku.is_replay", info.IsReplay),
		),
	)
	h.mu.Lock()
	h.stepSpans[h.stepKey(info.InstanceID, info.StepID)] = span
	h.mu.Unlock()
}

// OnStepComplete ends the step span with success status.
func (h *OTelHooks) OnStepComplete(ctx context.Context, info hooks.StepCompleteInfo) {
	key := h.stepKey(info.InstanceID, info.StepID)
	h.mu.Lock()
	span, ok := h.stepSpans[key]
	delete(h.stepSpans, key)
	h.mu.Unlock()
	if ok {
		span.SetAttributes(
			attribute.Int64("kioku.duration_ms", info.Duration.Milliseconds()),
		)
		span.SetStatus(codes.Ok, "step completed")
		span.End()
	}
}

// OnStepFailed ends the step span with error status.
func (h *OTelHooks) OnStepFailed(ctx context.Context, info hooks.StepFailedInfo) {
	key := h.stepKey(info.InstanceID, info.StepID)
	h.mu.Lock()
	span, ok := h.stepSpans[key]
	delete(h.stepSpans, key)
	h.mu.Unlock()
	if ok {
		span.SetAttributes(
			attribute.Int64("kioku.duration_ms", info.Duration.Milliseconds()),
			attribute.Int("kioku.attempt", info.Attempt),
		)
		span.RecordError(info.Error)
		span.SetStatus(codes.Error, info.Error.Error())
		span.End()
	}
}

// OnStepRetry records a retry event on the step span.
func (h *OTelHooks) OnStepRetry(ctx context.Context, info hooks.StepRetryInfo) {
	key := h.stepKey(info.InstanceID, info.StepID)
	h.mu.Lock()
	span, ok := h.stepSpans[key]
	h.mu.Unlock()
	if ok {
		span.AddEvent("step_retry",
			trace.WithAttributes(
				attribute.Int("kioku.attempt", info.Attempt),
				attribute.Int("kioku.max_attempts", info.MaxAttempts),
				attribute.Int64("kioku.next_delay_ms", info.NextDelay.Milliseconds()),
				attribute.String("kioku.error", info.Error.Error()),
			),
		)
	}
}

// OnStepCacheHit records a memoized result served during replay.
func (h *OTelHooks) OnStepCacheHit(ctx context.Context, info hooks.StepCacheHitInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("step_cache_hit/%s", info.StepID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("kioku.instance_id", info.InstanceID),
			attribute.String("kioku.workflow_name", info.WorkflowName),
			attribute.String("kioku.step_id", info.StepID),
		),
	)
	span.SetStatus(codes.Ok, "cache hit")
	span.End()
}

// Durable sleep

func (h *OTelHooks) sleepKey(instanceID, key string) string {
	return instanceID + ":" + key
}

// OnSleepStart creates a span when a durable sleep starts.
func (h *OTelHooks) OnSleepStart(ctx context.Context, info hooks.SleepStartInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("sleep/%s", info.Key),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("kioku.instance_id", info.InstanceID),
			attribute.String("kioku.workflow_name", info.WorkflowName),
			attribute.String("kioku.sleep_key", info.Key),
			attribute.String("kioku.wake_up_at", info.WakeUpAt.String()),
		),
	)
	h.mu.Lock()
	h.sleepSpans[h.sleepKey(info.InstanceID, info.Key)] = span
	h.mu.Unlock()
}

// OnSleepFired ends the sleep span when the instance wakes up.
func (h *OTelHooks) OnSleepFired(ctx context.Context, info hooks.SleepFiredInfo) {
	key := h.sleepKey(info.InstanceID, info.Key)
	h.mu.Lock()
	span, ok := h.sleepSpans[key]
	delete(h.sleepSpans, key)
	h.mu.Unlock()
	if ok {
		span.SetAttributes(
			attribute.String("kioku.fired_at", info.FiredAt.String()),
		)
		span.SetStatus(codes.Ok, "sleep fired")
		span.End()
	}
}

// Replay

// OnReplayStart creates a span when replay starts.
func (h *OTelHooks) OnReplayStart(ctx context.Context, info hooks.ReplayStartInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("replay/%s", info.WorkflowName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("kioku.instance_id", info.InstanceID),
			attribute.String("kioku.workflow_name", info.WorkflowName),
			attribute.Int("kioku.history_events", info.HistoryEvents),
		),
	)
	h.mu.Lock()
	h.replaySpans[info.InstanceID] = span
	h.mu.Unlock()
}

// OnReplayComplete ends the replay span with success status.
func (h *OTelHooks) OnReplayComplete(ctx context.Context, info hooks.ReplayCompleteInfo) {
	h.mu.Lock()
	span, ok := h.replaySpans[info.InstanceID]
	delete(h.replaySpans, info.InstanceID)
	h.mu.Unlock()
	if ok {
		span.SetAttributes(
			attribute.Int("kioku.cache_hits", info.CacheHits),
			attribute.Int("kioku.new_steps", info.NewSteps),
			attribute.Int64("kioku.duration_ms", info.Duration.Milliseconds()),
		)
		span.SetStatus(codes.Ok, "replay completed")
		span.End()
	}
}

// Ensure OTelHooks implements WorkflowHooks interface
var _ hooks.WorkflowHooks = (*OTelHooks)(nil)
