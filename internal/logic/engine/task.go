package engine

import (
	"context"
	"sync"
)

// Task is the handle of one lifecycle or control intent. It resolves exactly
// once, with nil on success or the error that ended the intent.
type Task struct {
	name string
	once sync.Once
	done chan struct{}
	err  error
}

func newTask(name string) *Task {
	return &Task{name: name, done: make(chan struct{})}
}

func resolvedTask(name string, err error) *Task {
	t := newTask(name)
	t.resolve(err)
	return t
}

// resolve settles the task. Later calls are ignored and return false.
func (t *Task) resolve(err error) bool {
	settled := false
	t.once.Do(func() {
		t.err = err
		close(t.done)
		settled = true
	})
	return settled
}

// Name describes the intent, e.g. "open" or "control zoom".
func (t *Task) Name() string { return t.name }

// Done is closed once the task has resolved.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the outcome, or nil while the task is still pending.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task resolves or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
