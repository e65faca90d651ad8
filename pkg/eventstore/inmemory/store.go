package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/caseworks/caseflow/pkg/eventstore"
)

// Store keeps event streams in memory,
// please use NewStore to create a new object of this type.
type Store struct {
	mu      sync.RWMutex
	streams map[string][]eventstore.StoredEvent
}

func NewStore() *Store {
	return &Store{
		streams: make(map[string][]eventstore.StoredEvent),
	}
}

var _ eventstore.Store = &Store{}

func (s *Store) ReadStream(ctx context.Context, streamName string) ([]eventstore.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[streamName]
	res := make([]eventstore.StoredEvent, len(stream))
	copy(res, stream)
	return res, nil
}

func (s *Store) StreamVersion(ctx context.Context, streamName string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[streamName]
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].Version, nil
}

func (s *Store) AppendToStream(ctx context.Context, streamName string, expectedVersion int64, events []eventstore.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamName]
	var current int64
	if len(stream) > 0 {
		current = stream[len(stream)-1].Version
	}
	if current != expectedVersion {
		return fmt.Errorf("stream %s is at version %d, expected %d: %w",
			streamName, current, expectedVersion, eventstore.ErrVersionConflict)
	}
	for i, evt := range events {
		if evt.Version != expectedVersion+int64(i)+1 {
			return fmt.Errorf("event %s breaks version sequence of stream %s: %w",
				evt.ID, streamName, eventstore.ErrVersionConflict)
		}
	}
	s.streams[streamName] = append(stream, events...)
	return nil
}
