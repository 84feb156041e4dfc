package orchestrator

import (
	"sync"
)

// workerPool is the shared executor for agent invocations. Every stage
// task from every run goes through it; per-run fan-out limits are
// enforced by the callers with a semaphore.
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup

	// Senders hold the read lock while enqueueing so Close cannot close
	// the channel under an in-flight send.
	mu     sync.RWMutex
	closed bool
}

// newWorkerPool starts workers goroutines consuming a queue of queueSize.
func newWorkerPool(workers, queueSize int) *workerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &workerPool{tasks: make(chan func(), queueSize)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for fn := range p.tasks {
				fn()
			}
		}()
	}
	return p
}

// Submit enqueues one task. Returns false after Close; the task is not
// run in that case.
func (p *workerPool) Submit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.tasks <- fn
	return true
}

// Close stops intake and waits for in-flight tasks to finish.
func (p *workerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}
