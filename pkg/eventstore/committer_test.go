package eventstore_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/caseworks/caseflow/pkg/eventstore"
	"github.com/caseworks/caseflow/pkg/eventstore/inmemory"
	"github.com/stretchr/testify/assert"
)

type thingRenamed struct {
	eventstore.EventBase
	Name string `json:"name"`
}

func (e thingRenamed) EventType() string {
	return "THING_RENAMED"
}

type thing struct {
	eventstore.AggregateRoot
	Name string
}

func (a *thing) StreamName() string {
	return "thing-" + a.ID
}

func (a *thing) rename(name string) {
	evt := thingRenamed{
		EventBase: eventstore.EventBase{
			ID:          name,
			AggregateID: a.ID,
			Version:     a.CurrentVersion + 1,
			Timestamp:   time.Now(),
		},
		Name: name,
	}
	a.Name = evt.Name
	a.CurrentVersion = evt.Version
	a.Append(evt)
}

func TestCommitDrainsPendingBuffer(t *testing.T) {
	// setup
	store := inmemory.NewStore()
	committer := eventstore.NewCommitter(store)
	agg := &thing{AggregateRoot: eventstore.AggregateRoot{ID: "1"}}

	// given
	agg.rename("first")
	agg.rename("second")

	// when
	err := committer.Commit(t.Context(), agg)

	// then
	assert.NoError(t, err)
	assert.Empty(t, agg.UncommittedEvents())

	events, err := store.ReadStream(t.Context(), "thing-1")
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Version)
	assert.Equal(t, "THING_RENAMED", events[0].Type)

	var decoded thingRenamed
	assert.NoError(t, json.Unmarshal(events[1].Data, &decoded))
	assert.Equal(t, "second", decoded.Name)
	assert.Equal(t, int64(2), decoded.Version)
}

func TestCommitNothingPendingIsNoOp(t *testing.T) {
	// setup
	store := inmemory.NewStore()
	committer := eventstore.NewCommitter(store)
	agg := &thing{AggregateRoot: eventstore.AggregateRoot{ID: "1"}}

	// when
	err := committer.Commit(t.Context(), agg)

	// then
	assert.NoError(t, err)
	events, _ := store.ReadStream(t.Context(), "thing-1")
	assert.Empty(t, events)
}

func TestCommitConflictKeepsBufferRetryable(t *testing.T) {
	// setup
	store := inmemory.NewStore()
	committer := eventstore.NewCommitter(store)

	// given two aggregates loaded from the same empty stream
	first := &thing{AggregateRoot: eventstore.AggregateRoot{ID: "1"}}
	second := &thing{AggregateRoot: eventstore.AggregateRoot{ID: "1"}}
	first.rename("from-first")
	second.rename("from-second")

	// when both commit
	err := committer.Commit(t.Context(), first)
	assert.NoError(t, err)
	err = committer.Commit(t.Context(), second)

	// then the loser sees the conflict and keeps its pending events
	assert.ErrorIs(t, err, eventstore.ErrVersionConflict)
	assert.Len(t, second.UncommittedEvents(), 1)

	events, _ := store.ReadStream(t.Context(), "thing-1")
	assert.Len(t, events, 1)
	assert.Equal(t, "from-first", events[0].ID)
}
