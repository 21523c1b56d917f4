// SPDX-License-Identifier: Apache-2.0

// Package pool provides a bounded concurrent execution pool usable
// directly or installed as middleware. Admission is immediate while a
// concurrency slot is free, queued FIFO while the queue has room, and
// rejected synchronously otherwise.
package pool

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

var ErrQueueFull = errors.New("pool: queue full")

type waiter struct {
	wake chan struct{}
}

// Pool bounds the number of concurrently-running factories and the number
// additionally allowed to queue behind them.
type Pool struct {
	maxConcurrent int
	maxQueued     int

	mu       sync.Mutex
	inFlight int
	waiters  *list.List
}

// New constructs a Pool admitting at most maxConcurrent running factories
// and maxQueued additionally waiting ones.
func New(maxConcurrent, maxQueued int) *Pool {
	return &Pool{
		maxConcurrent: maxConcurrent,
		maxQueued:     maxQueued,
		waiters:       list.New(),
	}
}

// Stats reports the current in-flight and queued counts, for tests that
// assert the pool's invariants.
func (p *Pool) Stats() (inFlight, queued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight, p.waiters.Len()
}

// Run executes factory once admitted, either immediately or after
// waiting in the FIFO queue. It fails synchronously with ErrQueueFull if
// neither a concurrency slot nor a queue slot is available, and returns
// ctx.Err() if ctx is canceled while queued.
func Run[T any](ctx context.Context, p *Pool, factory func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := p.acquire(ctx); err != nil {
		return zero, err
	}
	defer p.release()
	return factory(ctx)
}

func (p *Pool) acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.inFlight < p.maxConcurrent {
		p.inFlight++
		p.mu.Unlock()
		return nil
	}
	if p.waiters.Len() >= p.maxQueued {
		p.mu.Unlock()
		return ErrQueueFull
	}
	w := &waiter{wake: make(chan struct{})}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case <-w.wake:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case <-w.wake:
			// Already granted the slot concurrently with cancellation;
			// honor the grant so inFlight accounting stays conserved.
			p.mu.Unlock()
			return nil
		default:
			p.waiters.Remove(elem)
			p.mu.Unlock()
			return ctx.Err()
		}
	}
}

func (p *Pool) release() {
	p.mu.Lock()
	front := p.waiters.Front()
	if front == nil {
		p.inFlight--
		p.mu.Unlock()
		return
	}
	// Close under the mutex: a waiter whose ctx fired re-checks wake
	// while holding it, so a grant is never observable as ungranted and
	// the transferred slot cannot leak.
	w := p.waiters.Remove(front).(*waiter)
	close(w.wake)
	p.mu.Unlock()
}
