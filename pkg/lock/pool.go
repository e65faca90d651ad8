package lock

import (
	"context"
	"sync"
)

// TaskPool tracks one in-flight background execution per instance id so it
// can be cancelled on shutdown or re-trigger.
type TaskPool struct {
	mu    sync.Mutex
	tasks map[string]context.CancelFunc
	wg    sync.WaitGroup
}

func NewTaskPool() *TaskPool {
	return &TaskPool{
		tasks: make(map[string]context.CancelFunc),
	}
}

// Add registers a running execution. Returns false when an execution is
// already registered for the id.
func (p *TaskPool) Add(id string, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tasks[id]; ok {
		return false
	}
	p.tasks[id] = cancel
	p.wg.Add(1)
	return true
}

// Remove unregisters a finished execution.
func (p *TaskPool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tasks[id]; !ok {
		return
	}
	delete(p.tasks, id)
	p.wg.Done()
}

// Cancel requests cancellation of the execution registered for id, if any.
func (p *TaskPool) Cancel(id string) {
	p.mu.Lock()
	cancel, ok := p.tasks[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Len returns the number of in-flight executions.
func (p *TaskPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Shutdown cancels every in-flight execution and waits until all of them
// have been removed.
func (p *TaskPool) Shutdown() {
	p.mu.Lock()
	for _, cancel := range p.tasks {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}
