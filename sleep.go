package kioku

import (
	"time"

	"github.com/yotsuki/kioku/hooks"
	"github.com/yotsuki/kioku/internal/replay"
	"github.com/yotsuki/kioku/storage"
)

// Sleep parks the workflow durably for at least d. No goroutine blocks
// while the instance sleeps; the poller re-executes the workflow once
// the wake-up time has passed.
//
// The first encounter of key records a sleep_start event, marks the
// instance sleeping, and returns a suspension signal that workflow code
// must propagate:
//
//	if err := kioku.Sleep(ctx, "cool-off", 24*time.Hour); err != nil {
//	    return out, err
//	}
//
// On replay after the sleep has fired, Sleep returns nil immediately
// and execution continues past it.
func Sleep(c *Context, key string, d time.Duration) error {
	if c.state.Status.Terminal() {
		return ErrWorkflowTerminal
	}

	// Already slept through this one on a previous attempt.
	if c.cache.SleepDone(key) {
		return nil
	}

	wakeUpAt := time.Now().UTC().Add(d)
	c.state.Status = storage.StatusSleeping
	c.state.WakeUpAt = &wakeUpAt
	if err := c.appendAndSave(storage.EventSleepStart, key, nil); err != nil {
		return err
	}

	c.engine.hooks.OnSleepStart(c.ctx, hooks.SleepStartInfo{
		InstanceID:   c.state.ID,
		WorkflowName: c.state.Name,
		Key:          key,
		WakeUpAt:     wakeUpAt,
	})

	return replay.NewSleepSuspend(c.state.ID, key, wakeUpAt)
}
