package storage

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSleeping  Status = "sleeping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EventType identifies the kind of a history event.
type EventType string

const (
	EventStepStart     EventType = "step_start"
	EventStepComplete  EventType = "step_complete"
	EventSleepStart    EventType = "sleep_start"
	EventSleepComplete EventType = "sleep_complete"
)

// Event is a single entry in a workflow instance's append-only history.
// For step events StepID is the step identifier; for sleep events it is
// the sleep key. Result is only set on step_complete.
type Event struct {
	Type      EventType       `json:"type"`
	StepID    string          `json:"step_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Variables carries the serialized input, output, and failure of an instance.
type Variables struct {
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// State is the full persisted record of a workflow instance.
//
// Version implements optimistic concurrency control: a State loaded at
// version N can only be saved if the stored row is still at version N,
// and a successful Save bumps it to N+1. A zero Version means the
// instance has never been saved.
type State struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	History   []Event    `json:"history"`
	Variables Variables  `json:"variables"`
	WakeUpAt  *time.Time `json:"wake_up_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   int64      `json:"version"`
}

// Append adds an event to the history with the current timestamp.
func (s *State) Append(eventType EventType, stepID string, result json.RawMessage) {
	s.History = append(s.History, Event{
		Type:      eventType,
		StepID:    stepID,
		Result:    result,
		Timestamp: time.Now().UTC(),
	})
}

// LastSleepStart returns the key of the most recent sleep_start event.
func (s *State) LastSleepStart() (string, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Type == EventSleepStart {
			return s.History[i].StepID, true
		}
	}
	return "", false
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	out := *s
	out.History = make([]Event, len(s.History))
	copy(out.History, s.History)
	for i, evt := range s.History {
		if evt.Result != nil {
			out.History[i].Result = append(json.RawMessage(nil), evt.Result...)
		}
	}
	if s.Variables.Args != nil {
		out.Variables.Args = append(json.RawMessage(nil), s.Variables.Args...)
	}
	if s.Variables.Result != nil {
		out.Variables.Result = append(json.RawMessage(nil), s.Variables.Result...)
	}
	if s.WakeUpAt != nil {
		t := *s.WakeUpAt
		out.WakeUpAt = &t
	}
	return &out
}
