// Package worker provides a serial executor: jobs posted from any goroutine
// run one at a time, in posting order, on a single goroutine.
package worker

import (
	"sync"

	"github.com/cjeanneret/camkit/internal/debug"
)

// Worker runs posted jobs in FIFO order on its own goroutine. Post never
// blocks: the queue is unbounded so callers and backend callbacks cannot
// stall on a busy worker.
type Worker struct {
	name string

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// New starts a worker. name only appears in debug output.
func New(name string) *Worker {
	w := &Worker{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Post enqueues job. It returns false if the worker is stopped.
func (w *Worker) Post(job func()) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, job)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts job and waits for it to finish. It must not be called from a
// job running on the same worker.
func (w *Worker) Call(job func()) bool {
	done := make(chan struct{})
	if !w.Post(func() {
		defer close(done)
		job()
	}) {
		return false
	}
	<-done
	return true
}

// Stop rejects further posts and lets the goroutine exit once the jobs
// already queued have run. It does not wait; use Done for that.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the worker goroutine exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) loop() {
	defer close(w.done)
	debug.Trace("worker %s started", w.name)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			if w.closed {
				w.mu.Unlock()
				debug.Trace("worker %s stopped", w.name)
				return
			}
			w.mu.Unlock()
			<-w.wake
			continue
		}
		job := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		job()
	}
}
