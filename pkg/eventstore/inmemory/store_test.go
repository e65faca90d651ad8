package inmemory

import (
	"testing"
	"time"

	"github.com/caseworks/caseflow/pkg/eventstore"
	"github.com/stretchr/testify/assert"
)

func storedEvent(id string, version int64) eventstore.StoredEvent {
	return eventstore.StoredEvent{
		ID:          id,
		StreamName:  "order-1",
		AggregateID: "order-1",
		Version:     version,
		Type:        "SOMETHING_HAPPENED",
		Data:        []byte(`{}`),
		Timestamp:   time.Now(),
	}
}

func TestAppendAndReadStream(t *testing.T) {
	// setup
	store := NewStore()

	// when
	err := store.AppendToStream(t.Context(), "order-1", 0, []eventstore.StoredEvent{
		storedEvent("e1", 1),
		storedEvent("e2", 2),
	})
	assert.NoError(t, err)

	// then
	events, err := store.ReadStream(t.Context(), "order-1")
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, int64(2), events[1].Version)

	version, err := store.StreamVersion(t.Context(), "order-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestAppendRejectsStaleExpectedVersion(t *testing.T) {
	// setup
	store := NewStore()

	// given
	err := store.AppendToStream(t.Context(), "order-1", 0, []eventstore.StoredEvent{storedEvent("e1", 1)})
	assert.NoError(t, err)

	// when a second writer appends against the version it last saw
	err = store.AppendToStream(t.Context(), "order-1", 0, []eventstore.StoredEvent{storedEvent("e2", 1)})

	// then
	assert.ErrorIs(t, err, eventstore.ErrVersionConflict)

	// and the stream is untouched
	events, _ := store.ReadStream(t.Context(), "order-1")
	assert.Len(t, events, 1)
}

func TestAppendRejectsBrokenVersionSequence(t *testing.T) {
	// setup
	store := NewStore()

	// when a batch skips a version
	err := store.AppendToStream(t.Context(), "order-1", 0, []eventstore.StoredEvent{
		storedEvent("e1", 1),
		storedEvent("e2", 3),
	})

	// then
	assert.ErrorIs(t, err, eventstore.ErrVersionConflict)
}

func TestReadMissingStream(t *testing.T) {
	// setup
	store := NewStore()

	// when
	events, err := store.ReadStream(t.Context(), "nope")
	version, verr := store.StreamVersion(t.Context(), "nope")

	// then a missing stream is empty, not an error
	assert.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, verr)
	assert.Equal(t, int64(0), version)
}
