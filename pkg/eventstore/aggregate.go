package eventstore

import "time"

// Aggregate is an event-sourced domain object whose state is derived from an
// ordered sequence of events.
type Aggregate interface {
	AggregateID() string

	// StreamName is a deterministic function of the aggregate id, used both
	// to append and to load the full history for rehydration.
	StreamName() string

	// Version is the version of the last applied event.
	Version() int64

	// UncommittedEvents returns events applied but not yet persisted,
	// in apply order.
	UncommittedEvents() []Event

	// ClearUncommittedEvents drops the pending buffer after a successful append.
	ClearUncommittedEvents()
}

// AggregateRoot carries the common aggregate bookkeeping.
// Embed it in aggregate types; command methods call Append after applying
// each freshly synthesized event.
type AggregateRoot struct {
	ID             string
	CurrentVersion int64

	pending []Event
}

func (r *AggregateRoot) AggregateID() string {
	return r.ID
}

func (r *AggregateRoot) Version() int64 {
	return r.CurrentVersion
}

func (r *AggregateRoot) UncommittedEvents() []Event {
	return r.pending
}

func (r *AggregateRoot) ClearUncommittedEvents() {
	r.pending = nil
}

// Append records an already-applied event as uncommitted.
func (r *AggregateRoot) Append(evt Event) {
	r.pending = append(r.pending, evt)
}

// EventBase carries the fields every domain event has.
// The concrete event type supplies EventType.
type EventBase struct {
	ID          string    `json:"id"`
	AggregateID string    `json:"aggregateId"`
	Version     int64     `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e EventBase) EventID() string {
	return e.ID
}

func (e EventBase) EventAggregateID() string {
	return e.AggregateID
}

func (e EventBase) EventVersion() int64 {
	return e.Version
}

func (e EventBase) EventTimestamp() time.Time {
	return e.Timestamp
}
