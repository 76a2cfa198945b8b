package saga

import (
	"context"
	"time"
)

// Event types written by the engine
const (
	EventActionApplied      = "ActionApplied"
	EventActionCompensated  = "ActionCompensated"
	EventCompensationFailed = "CompensationFailed"
	EventCommandCompleted   = "CommandCompleted"
	EventCommandFailed      = "CommandFailed"
)

// Event is one entry of a saga's log
type Event struct {
	Sequence       int64          `json:"sequence"`
	Type           string         `json:"type"`
	Command        string         `json:"command,omitempty"`
	Action         string         `json:"action,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	RecordedAt     time.Time      `json:"recordedAt"`
}

// NewEvent builds a side-channel event an action can return
func NewEvent(eventType string, attributes map[string]any) Event {
	return Event{Type: eventType, Attributes: attributes}
}

// Saga is the event log of one (name, id) pair as seen by actions.
// Actions only read it; the engine appends through the Repository.
type Saga struct {
	Name string
	ID   string

	events []Event
}

// NewSaga returns a saga with the given log
func NewSaga(name, id string, events ...Event) *Saga {
	return &Saga{Name: name, ID: id, events: append([]Event(nil), events...)}
}

// Version is the number of recorded events. Appends are checked against it.
func (s *Saga) Version() int64 {
	return int64(len(s.events))
}

// Events returns a copy of the log
func (s *Saga) Events() []Event {
	return append([]Event(nil), s.events...)
}

// EventsOfType returns the events with the given type, in order
func (s *Saga) EventsOfType(eventType string) []Event {
	var out []Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// LastEvent returns the newest event
func (s *Saga) LastEvent() (Event, bool) {
	if len(s.events) == 0 {
		return Event{}, false
	}
	return s.events[len(s.events)-1], true
}

// Completed reports whether a command with the idempotency key already completed
func (s *Saga) Completed(idempotencyKey string) bool {
	if idempotencyKey == "" {
		return false
	}
	for _, e := range s.events {
		if e.Type == EventCommandCompleted && e.IdempotencyKey == idempotencyKey {
			return true
		}
	}
	return false
}

func (s *Saga) record(events []Event) {
	s.events = append(s.events, events...)
}

// Repository stores saga logs. Append is a compare-and-swap: it fails with an
// ErrConflict coded error unless the stored version equals expectedVersion.
type Repository interface {
	Load(ctx context.Context, name, id string) (*Saga, error)
	Append(ctx context.Context, name, id string, expectedVersion int64, events ...Event) error
}

// Sequence numbers start at 1
func sequence(events []Event, version int64, now time.Time) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		e.Sequence = version + int64(i) + 1
		if e.RecordedAt.IsZero() {
			e.RecordedAt = now
		}
		out[i] = e
	}
	return out
}
