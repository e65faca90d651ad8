package eventstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a single exact item is looked up and missing.
	ErrNotFound = errors.New("eventstore: not found")

	// ErrVersionConflict is returned when an append is rejected because the
	// stream moved past the expected version. The caller must reload the
	// aggregate and retry the command.
	ErrVersionConflict = errors.New("eventstore: version conflict")
)

// Event is one domain event of an event-sourced aggregate.
// Events are immutable once created.
type Event interface {
	EventID() string
	EventAggregateID() string
	EventVersion() int64
	EventType() string
	EventTimestamp() time.Time
}

// StoredEvent is the serialized envelope persisted in a stream.
type StoredEvent struct {
	ID          string
	StreamName  string
	AggregateID string
	Version     int64
	Type        string
	Data        []byte
	Timestamp   time.Time
}

// Store is the append-only log of domain events keyed by stream name.
type Store interface {
	// ReadStream returns the full ordered history of a stream.
	ReadStream(ctx context.Context, streamName string) ([]StoredEvent, error)

	// AppendToStream atomically appends events to a stream.
	// expectedVersion is the version of the last event already in the stream,
	// 0 for a brand-new stream.
	AppendToStream(ctx context.Context, streamName string, expectedVersion int64, events []StoredEvent) error

	// StreamVersion returns the version of the last event in the stream,
	// 0 when the stream does not exist.
	StreamVersion(ctx context.Context, streamName string) (int64, error)
}
