package clip

import "sync"

// executor serializes all orchestration work on a single goroutine.
// Disk and web completions arriving on other goroutines cross back into
// the orchestration context by posting tasks here. Posting from within a
// running task queues the new task behind everything already enqueued,
// which is exactly the "defer to next tick" behavior already-resolved
// records need to avoid re-entrant callback delivery.
type executor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func newExecutor() *executor {
	e := &executor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// post enqueues fn for execution on the orchestration goroutine and
// reports whether it was accepted. Tasks posted after close are dropped.
func (e *executor) post(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.cond.Signal()
	e.mu.Unlock()
	return true
}

// close stops the run loop after draining already-queued tasks and waits
// for it to exit.
func (e *executor) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.cond.Signal()
	e.mu.Unlock()
	<-e.done
}

func (e *executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.closed {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}
