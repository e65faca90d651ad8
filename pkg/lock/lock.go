package lock

import (
	"context"
	"sync"
)

// DistributedLock serializes engine invocations per instance id, so two
// concurrent triggers never drive the same instance.
//
// A false result from AcquireLock is not an error: it signals that another
// worker is already driving the instance and the trigger should be dropped
// or requeued.
type DistributedLock interface {
	AcquireLock(ctx context.Context, id string) (bool, error)
	ReleaseLock(ctx context.Context, id string) error
}

// LocalLock is an in-process DistributedLock,
// please use NewLocalLock to create a new object of this type.
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]struct{}
}

func NewLocalLock() *LocalLock {
	return &LocalLock{
		locks: make(map[string]struct{}),
	}
}

var _ DistributedLock = &LocalLock{}

func (l *LocalLock) AcquireLock(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locks[id]; held {
		return false, nil
	}
	l.locks[id] = struct{}{}
	return true, nil
}

func (l *LocalLock) ReleaseLock(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, id)
	return nil
}
