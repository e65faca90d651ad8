package expr

import (
	"context"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// vmPool recycles goja runtimes between evaluations. Building a runtime is
// expensive relative to evaluating one short condition expression.
type vmPool struct {
	pool        chan *goja.Runtime
	activeCount int
	activeMu    sync.Mutex
	maxSize     int
	minSize     int
}

func newVmPool(ctx context.Context, maxSize, minSize int) *vmPool {
	if maxSize < minSize {
		panic("vm pool min size is larger than vm pool max size")
	}
	p := &vmPool{
		pool:    make(chan *goja.Runtime, maxSize),
		maxSize: maxSize,
		minSize: minSize,
	}
	for i := 0; i < minSize; i++ {
		p.activeMu.Lock()
		p.pool <- goja.New()
		p.activeCount++
		p.activeMu.Unlock()
	}

	// shrink back to minSize every 10 minutes
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for len(p.pool) > p.minSize {
					p.activeMu.Lock()
					<-p.pool
					p.activeCount--
					p.activeMu.Unlock()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return p
}

func (p *vmPool) get() *goja.Runtime {
	var vm *goja.Runtime
	select {
	case vm = <-p.pool:
	default:
		p.activeMu.Lock()
		if p.activeCount < p.maxSize {
			vm = goja.New()
			p.activeCount++
		}
		p.activeMu.Unlock()
		if vm == nil {
			vm = <-p.pool
		}
	}
	return vm
}

func (p *vmPool) put(vm *goja.Runtime) {
	select {
	case p.pool <- vm:
	default:
		p.activeMu.Lock()
		p.activeCount--
		p.activeMu.Unlock()
	}
}
