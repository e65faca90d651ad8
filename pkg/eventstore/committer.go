package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// Committer drains an aggregate's pending-event buffer into a Store.
// The buffer is cleared only after a successful append, so a failed commit
// leaves the aggregate retryable.
type Committer struct {
	store  Store
	logger hclog.Logger
}

func NewCommitter(store Store) *Committer {
	return &Committer{
		store:  store,
		logger: hclog.Default().Named("event-committer"),
	}
}

// Commit appends every uncommitted event of the aggregate to its stream with
// optimistic concurrency on the version preceding the first pending event.
// Returns ErrVersionConflict when another writer got there first.
func (c *Committer) Commit(ctx context.Context, aggregate Aggregate) error {
	events := aggregate.UncommittedEvents()
	if len(events) == 0 {
		return nil
	}

	stored := make([]StoredEvent, 0, len(events))
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s (%s): %w", evt.EventID(), evt.EventType(), err)
		}
		stored = append(stored, StoredEvent{
			ID:          evt.EventID(),
			StreamName:  aggregate.StreamName(),
			AggregateID: evt.EventAggregateID(),
			Version:     evt.EventVersion(),
			Type:        evt.EventType(),
			Data:        data,
			Timestamp:   evt.EventTimestamp(),
		})
	}

	expectedVersion := events[0].EventVersion() - 1
	err := c.store.AppendToStream(ctx, aggregate.StreamName(), expectedVersion, stored)
	if err != nil {
		return fmt.Errorf("failed to append %d events to stream %s: %w", len(stored), aggregate.StreamName(), err)
	}
	c.logger.Debug("committed events", "stream", aggregate.StreamName(), "count", len(stored), "version", events[len(events)-1].EventVersion())
	aggregate.ClearUncommittedEvents()
	return nil
}
