package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Completion is the eventual result of a submitted task.
type Completion struct {
	done chan struct{}
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) finish(err error) {
	c.err = err
	close(c.done)
}

// Done is closed when the task has finished.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the task error. It is only meaningful after Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool runs blocking tasks with bounded concurrency. Submit never blocks the
// caller; tasks queue for a slot in their own goroutine.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewPool returns a pool running at most size tasks at once.
func NewPool(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		sem:    make(chan struct{}, size),
		logger: logger,
	}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return cap(p.sem)
}

// Running returns the number of tasks holding a slot.
func (p *Pool) Running() int {
	return len(p.sem)
}

// Submit schedules fn. A panic in fn is recovered and reported as its error.
func (p *Pool) Submit(name string, fn func() error) (*Completion, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	c := newCompletion()
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		c.finish(p.run(name, fn))
	}()
	return c, nil
}

func (p *Pool) run(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked",
				zap.String("task", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()
	return fn()
}

// Close stops accepting tasks and waits for queued and running tasks to
// finish, or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
