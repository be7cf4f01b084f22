package kioku

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yotsuki/kioku/storage"
)

type echoInput struct {
	Value string `json:"value"`
}

type echoOutput struct {
	Value string `json:"value"`
}

func awaitTerminal[O any](t *testing.T, engine *Engine, instanceID string) *WorkflowResult[O] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := AwaitWorkflowResult[O](ctx, engine, instanceID)
	require.NoError(t, err, "workflow did not reach a terminal state in time")
	return result
}

func eventTypes(history []storage.Event) []storage.EventType {
	types := make([]storage.EventType, len(history))
	for i, evt := range history {
		types[i] = evt.Type
	}
	return types
}

func TestWorkflowStepsAndSleepHappyPath(t *testing.T) {
	engine := createTestEngine(t)

	var step1Runs, step2Runs atomic.Int32
	wf := DefineWorkflow("two_steps_with_sleep", func(ctx *Context, input echoInput) (echoOutput, error) {
		a, err := Step(ctx, "s1", func(context.Context) (string, error) {
			step1Runs.Add(1)
			return "A", nil
		})
		if err != nil {
			return echoOutput{}, err
		}

		if err := Sleep(ctx, "wait", 60*time.Millisecond); err != nil {
			return echoOutput{}, err
		}

		b, err := Step(ctx, "s2", func(context.Context) (string, error) {
			step2Runs.Add(1)
			return "B", nil
		})
		if err != nil {
			return echoOutput{}, err
		}
		return echoOutput{Value: input.Value + a + b}, nil
	})
	RegisterWorkflow(engine, wf)
	startTestEngine(t, engine)

	instanceID, err := StartWorkflow(context.Background(), engine, wf, echoInput{Value: "x"})
	require.NoError(t, err)

	result := awaitTerminal[echoOutput](t, engine, instanceID)
	assert.Equal(t, storage.StatusCompleted, result.Status)
	assert.Equal(t, "xAB", result.Output.Value)

	// Each handler ran exactly once even though the workflow function
	// itself executed twice (before and after the sleep).
	assert.Equal(t, int32(1), step1Runs.Load())
	assert.Equal(t, int32(1), step2Runs.Load())

	state, err := engine.GetInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Nil(t, state.WakeUpAt)
	assert.Equal(t, []storage.EventType{
		storage.EventStepStart,
		storage.EventStepComplete,
		storage.EventSleepStart,
		storage.EventSleepComplete,
		storage.EventStepStart,
		storage.EventStepComplete,
	}, eventTypes(state.History))
	assert.Equal(t, "wait", state.History[2].StepID)
}

func TestWorkflowFailureIsPersisted(t *testing.T) {
	engine := createTestEngine(t)

	var step1Runs atomic.Int32
	boom := errors.New("boom")
	wf := DefineWorkflow("fails_on_second_step", func(ctx *Context, input echoInput) (echoOutput, error) {
		if _, err := Step(ctx, "s1", func(context.Context) (string, error) {
			step1Runs.Add(1)
			return "A", nil
		}); err != nil {
			return echoOutput{}, err
		}
		if _, err := Step(ctx, "s2", func(context.Context) (string, error) {
			return "", boom
		}); err != nil {
			return echoOutput{}, err
		}
		return echoOutput{}, nil
	})
	RegisterWorkflow(engine, wf)
	startTestEngine(t, engine)

	handle, err := StartWorkflowHandle(context.Background(), engine, wf, echoInput{})
	require.NoError(t, err)
	require.Error(t, handle.Err(context.Background()))

	result := awaitTerminal[echoOutput](t, engine, handle.InstanceID())
	assert.Equal(t, storage.StatusFailed, result.Status)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "boom")

	// The failing step left its step_start behind but no step_complete.
	state, err := engine.GetInstance(context.Background(), handle.InstanceID())
	require.NoError(t, err)
	assert.Equal(t, []storage.EventType{
		storage.EventStepStart,
		storage.EventStepComplete,
		storage.EventStepStart,
	}, eventTypes(state.History))
	assert.Equal(t, int32(1), step1Runs.Load())
}

func TestFailedInstanceIsNotRetriedByPoller(t *testing.T) {
	engine := createTestEngine(t)

	var runs atomic.Int32
	wf := DefineWorkflow("always_fails", func(ctx *Context, input echoInput) (echoOutput, error) {
		runs.Add(1)
		return echoOutput{}, errors.New("permanent")
	})
	RegisterWorkflow(engine, wf)
	startTestEngine(t, engine)

	instanceID, err := StartWorkflow(context.Background(), engine, wf, echoInput{})
	require.NoError(t, err)
	awaitTerminal[echoOutput](t, engine, instanceID)

	// Give the poller several cycles; a terminal instance must stay put.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	state, err := engine.GetInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, state.Status)
}

func TestStepIDReuseReplaysFirstResult(t *testing.T) {
	engine := createTestEngine(t)

	var runs atomic.Int32
	wf := DefineWorkflow("reused_step_id", func(ctx *Context, input echoInput) (echoOutput, error) {
		first, err := Step(ctx, "dup", func(context.Context) (string, error) {
			runs.Add(1)
			return "first", nil
		})
		if err != nil {
			return echoOutput{}, err
		}
		second, err := Step(ctx, "dup", func(context.Context) (string, error) {
			runs.Add(1)
			return "second", nil
		})
		if err != nil {
			return echoOutput{}, err
		}
		return echoOutput{Value: first + "/" + second}, nil
	})
	RegisterWorkflow(engine, wf)
	startTestEngine(t, engine)

	instanceID, err := StartWorkflow(context.Background(), engine, wf, echoInput{})
	require.NoError(t, err)

	result := awaitTerminal[echoOutput](t, engine, instanceID)
	assert.Equal(t, "first/first", result.Output.Value)
	assert.Equal(t, int32(1), runs.Load())
}

func TestSleepResumesAfterCrash(t *testing.T) {
	// Simulate a process restart: seed storage with an instance parked
	// mid-sleep, as a previous process would have left it, then start a
	// fresh engine and let the poller recover it.
	store := storage.NewMemory()
	past := time.Now().UTC().Add(-time.Second)
	seeded := &storage.State{
		ID:     "crashed-instance",
		Name:   "resumable",
		Status: storage.StatusSleeping,
		History: []storage.Event{
			{Type: storage.EventStepStart, StepID: "s1", Timestamp: past},
			{Type: storage.EventStepComplete, StepID: "s1", Result: []byte(`"A"`), Timestamp: past},
			{Type: storage.EventSleepStart, StepID: "wait", Timestamp: past},
		},
		Variables: storage.Variables{Args: []byte(`{"value":"x"}`)},
		WakeUpAt:  &past,
		CreatedAt: past,
		UpdatedAt: past,
	}
	require.NoError(t, store.Save(context.Background(), seeded))

	engine := New(
		WithStorage(store),
		WithPollInterval(20*time.Millisecond),
	)
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	var step1Runs, step2Runs atomic.Int32
	wf := DefineWorkflow("resumable", func(ctx *Context, input echoInput) (echoOutput, error) {
		a, err := Step(ctx, "s1", func(context.Context) (string, error) {
			step1Runs.Add(1)
			return "A", nil
		})
		if err != nil {
			return echoOutput{}, err
		}
		if err := Sleep(ctx, "wait", time.Hour); err != nil {
			return echoOutput{}, err
		}
		b, err := Step(ctx, "s2", func(context.Context) (string, error) {
			step2Runs.Add(1)
			return "B", nil
		})
		if err != nil {
			return echoOutput{}, err
		}
		return echoOutput{Value: input.Value + a + b}, nil
	})
	RegisterWorkflow(engine, wf)
	startTestEngine(t, engine)

	result := awaitTerminal[echoOutput](t, engine, "crashed-instance")
	assert.Equal(t, storage.StatusCompleted, result.Status)
	assert.Equal(t, "xAB", result.Output.Value)

	// The completed step and the hour-long sleep were both replayed
	// from history, not re-executed.
	assert.Equal(t, int32(0), step1Runs.Load())
	assert.Equal(t, int32(1), step2Runs.Load())

	state, err := engine.GetInstance(context.Background(), "crashed-instance")
	require.NoError(t, err)
	assert.Equal(t, storage.EventSleepComplete, state.History[3].Type)
	assert.Equal(t, "wait", state.History[3].StepID)
}

func TestPollerSkipsUnregisteredWorkflowLoudly(t *testing.T) {
	store := storage.NewMemory()
	past := time.Now().UTC().Add(-time.Second)
	seeded := &storage.State{
		ID:     "orphan",
		Name:   "nobody_knows_this_one",
		Status: storage.StatusSleeping,
		History: []storage.Event{
			{Type: storage.EventSleepStart, StepID: "wait", Timestamp: past},
		},
		WakeUpAt:  &past,
		CreatedAt: past,
		UpdatedAt: past,
	}
	require.NoError(t, store.Save(context.Background(), seeded))
	versionBefore := seeded.Version

	engine := New(WithStorage(store), WithPollInterval(20*time.Millisecond))
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })
	startTestEngine(t, engine)

	// Several poll cycles later the orphan must be untouched: still
	// sleeping, never mutated, never marked failed.
	time.Sleep(150 * time.Millisecond)
	state, err := engine.GetInstance(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSleeping, state.Status)
	assert.Equal(t, versionBefore, state.Version)
}

func TestStartUnregisteredWorkflowFails(t *testing.T) {
	engine := createTestEngine(t)
	startTestEngine(t, engine)

	unregistered := DefineWorkflow("never_registered", func(ctx *Context, input echoInput) (echoOutput, error) {
		return echoOutput{}, nil
	})
	_, err := StartWorkflow(context.Background(), engine, unregistered, echoInput{})
	var notRegistered *WorkflowNotRegisteredError
	require.ErrorAs(t, err, &notRegistered)
	assert.Equal(t, "never_registered", notRegistered.Name)
}

func TestStartBeforeEngineStartFails(t *testing.T) {
	engine := New()
	wf := DefineWorkflow("too_early", func(ctx *Context, input echoInput) (echoOutput, error) {
		return echoOutput{}, nil
	})
	RegisterWorkflow(engine, wf)

	_, err := StartWorkflow(context.Background(), engine, wf, echoInput{})
	assert.ErrorIs(t, err, ErrEngineNotStarted)
}

func TestDuplicateInstanceIDRejected(t *testing.T) {
	engine := createTestEngine(t)
	wf := DefineWorkflow("dup_id", func(ctx *Context, input echoInput) (echoOutput, error) {
		return echoOutput(input), nil
	})
	RegisterWorkflow(engine, wf)
	startTestEngine(t, engine)

	_, err := StartWorkflow(context.Background(), engine, wf, echoInput{}, WithInstanceID("fixed"))
	require.NoError(t, err)

	_, err = StartWorkflow(context.Background(), engine, wf, echoInput{}, WithInstanceID("fixed"))
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
}

func TestGetInstanceNotFound(t *testing.T) {
	engine := createTestEngine(t)
	startTestEngine(t, engine)

	_, err := engine.GetInstance(context.Background(), "no-such-instance")
	var notFound *WorkflowNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "no-such-instance", notFound.InstanceID)
}

func TestHandleResolvesOnSuspension(t *testing.T) {
	engine := createTestEngine(t)

	wf := DefineWorkflow("sleeper", func(ctx *Context, input echoInput) (echoOutput, error) {
		if err := Sleep(ctx, "long-nap", time.Hour); err != nil {
			return echoOutput{}, err
		}
		return echoOutput{}, nil
	})
	RegisterWorkflow(engine, wf)
	startTestEngine(t, engine)

	handle, err := StartWorkflowHandle(context.Background(), engine, wf, echoInput{})
	require.NoError(t, err)

	// Suspension is not a failure: the attempt resolves cleanly while
	// the instance stays parked.
	require.NoError(t, handle.Err(context.Background()))

	state, err := engine.GetInstance(context.Background(), handle.InstanceID())
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSleeping, state.Status)
	require.NotNil(t, state.WakeUpAt)
	assert.True(t, state.WakeUpAt.After(time.Now().Add(50*time.Minute)))
}

func TestWorkflowResultBeforeCompletion(t *testing.T) {
	engine := createTestEngine(t)

	release := make(chan struct{})
	wf := DefineWorkflow("slow", func(ctx *Context, input echoInput) (echoOutput, error) {
		<-release
		return echoOutput(input), nil
	})
	RegisterWorkflow(engine, wf)
	startTestEngine(t, engine)

	instanceID, err := StartWorkflow(context.Background(), engine, wf, echoInput{Value: "v"})
	require.NoError(t, err)

	result, err := GetWorkflowResult[echoOutput](context.Background(), engine, instanceID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, result.Status)
	assert.Empty(t, result.Output.Value)

	close(release)
	final := awaitTerminal[echoOutput](t, engine, instanceID)
	assert.Equal(t, "v", final.Output.Value)
}

func TestConcurrentInstancesKeepDisjointHistories(t *testing.T) {
	engine := createTestEngine(t)

	wf := DefineWorkflow("concurrent_echo", func(ctx *Context, input echoInput) (echoOutput, error) {
		out, err := Step(ctx, "tag", func(context.Context) (string, error) {
			return "done:" + input.Value, nil
		})
		if err != nil {
			return echoOutput{}, err
		}
		if err := Sleep(ctx, "stagger", 30*time.Millisecond); err != nil {
			return echoOutput{}, err
		}
		return echoOutput{Value: out}, nil
	})
	RegisterWorkflow(engine, wf)
	startTestEngine(t, engine)

	const n = 8
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id, err := StartWorkflow(context.Background(), engine, wf, echoInput{Value: fmt.Sprintf("wf-%d", i)})
		require.NoError(t, err)
		ids[i] = id
	}

	seen := make(map[string]bool, n)
	for i, id := range ids {
		result := awaitTerminal[echoOutput](t, engine, id)
		assert.Equal(t, storage.StatusCompleted, result.Status)
		assert.Equal(t, fmt.Sprintf("done:wf-%d", i), result.Output.Value)
		assert.False(t, seen[id], "instance ID %s handed out twice", id)
		seen[id] = true

		// Each instance carries exactly its own four events.
		state, err := engine.GetInstance(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, []storage.EventType{
			storage.EventStepStart,
			storage.EventStepComplete,
			storage.EventSleepStart,
			storage.EventSleepComplete,
		}, eventTypes(state.History))
	}
}

func TestStepRetryPolicy(t *testing.T) {
	engine := createTestEngine(t)

	var attempts atomic.Int32
	wf := DefineWorkflow("flaky_step", func(ctx *Context, input echoInput) (echoOutput, error) {
		out, err := Step(ctx, "flaky", func(context.Context) (string, error) {
			if attempts.Add(1) < 3 {
				return "", fmt.Errorf("transient failure %d", attempts.Load())
			}
			return "ok", nil
		}, WithRetryPolicy(retryFixed(5)))
		if err != nil {
			return echoOutput{}, err
		}
		return echoOutput{Value: out}, nil
	})
	RegisterWorkflow(engine, wf)
	startTestEngine(t, engine)

	instanceID, err := StartWorkflow(context.Background(), engine, wf, echoInput{})
	require.NoError(t, err)

	result := awaitTerminal[echoOutput](t, engine, instanceID)
	assert.Equal(t, storage.StatusCompleted, result.Status)
	assert.Equal(t, "ok", result.Output.Value)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestStepRetryStopsOnTerminalError(t *testing.T) {
	engine := createTestEngine(t)

	var attempts atomic.Int32
	wf := DefineWorkflow("terminal_step", func(ctx *Context, input echoInput) (echoOutput, error) {
		_, err := Step(ctx, "doomed", func(context.Context) (string, error) {
			attempts.Add(1)
			return "", NewTerminalErrorf("invalid input")
		}, WithRetryPolicy(retryFixed(5)))
		return echoOutput{}, err
	})
	RegisterWorkflow(engine, wf)
	startTestEngine(t, engine)

	instanceID, err := StartWorkflow(context.Background(), engine, wf, echoInput{})
	require.NoError(t, err)

	result := awaitTerminal[echoOutput](t, engine, instanceID)
	assert.Equal(t, storage.StatusFailed, result.Status)
	assert.Equal(t, int32(1), attempts.Load())
}
