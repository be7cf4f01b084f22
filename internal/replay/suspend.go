// Package replay holds the deterministic-replay machinery: the memo
// cache built from persisted history and the suspension signal that
// workflow code uses to yield control back to the engine.
package replay

import (
	"errors"
	"fmt"
	"time"
)

// SuspendSignal is returned when a workflow needs to suspend execution.
// It implements the error interface so it can flow through ordinary
// error returns, but it is NOT a failure - it's a control flow signal.
//
// Workflow code should propagate it unchanged:
//
//	if err := kioku.Sleep(ctx, "cool-off", time.Hour); err != nil {
//	    return out, err // propagate the suspension
//	}
//
// The engine detects the signal with errors.As and parks the instance
// instead of marking it failed.
type SuspendSignal struct {
	// InstanceID is the workflow instance being suspended.
	InstanceID string

	// Key is the sleep key that triggered the suspension.
	Key string

	// WakeUpAt is when the instance becomes eligible to resume.
	WakeUpAt time.Time
}

func (s *SuspendSignal) Error() string {
	return fmt.Sprintf("workflow suspended: sleeping on %q until %v", s.Key, s.WakeUpAt)
}

// NewSleepSuspend creates a SuspendSignal for a durable sleep.
func NewSleepSuspend(instanceID, key string, wakeUpAt time.Time) *SuspendSignal {
	return &SuspendSignal{InstanceID: instanceID, Key: key, WakeUpAt: wakeUpAt}
}

// IsSuspendSignal returns true if the error is (or wraps) a SuspendSignal.
func IsSuspendSignal(err error) bool {
	var sig *SuspendSignal
	return errors.As(err, &sig)
}

// AsSuspendSignal extracts the SuspendSignal from an error if present.
// Returns nil if the error is not a SuspendSignal.
func AsSuspendSignal(err error) *SuspendSignal {
	var sig *SuspendSignal
	if errors.As(err, &sig) {
		return sig
	}
	return nil
}
