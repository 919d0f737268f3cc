package client

import (
	"context"
	"sync"

	"github.com/roach88/strand/internal/streamid"
)

// pendingRequests is a keyed registry of in-flight work. Concurrent Do calls
// for the same stream share one execution and its outcome.
//
// The work runs on its own context, detached from any single caller and
// cancelled only once every waiting caller has given up.
type pendingRequests[T any] struct {
	mu    sync.Mutex
	calls map[streamid.ID]*pendingCall[T]
}

type pendingCall[T any] struct {
	done    chan struct{}
	val     T
	err     error
	waiters int
	cancel  context.CancelFunc
}

func newPendingRequests[T any]() *pendingRequests[T] {
	return &pendingRequests[T]{calls: make(map[streamid.ID]*pendingCall[T])}
}

// Do runs fn for id unless a run is already in flight, in which case it
// waits for that run. shared reports whether the result came from another
// caller's run.
func (p *pendingRequests[T]) Do(ctx context.Context, id streamid.ID, fn func(context.Context) (T, error)) (val T, shared bool, err error) {
	p.mu.Lock()
	c, ok := p.calls[id]
	if ok {
		c.waiters++
	} else {
		workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &pendingCall[T]{done: make(chan struct{}), waiters: 1, cancel: cancel}
		p.calls[id] = c
		go p.run(workCtx, id, c, fn)
	}
	p.mu.Unlock()

	select {
	case <-c.done:
		return c.val, ok, c.err
	case <-ctx.Done():
		p.mu.Lock()
		c.waiters--
		if c.waiters == 0 {
			// Abandoned: later callers start a fresh run instead of
			// joining one that is being cancelled.
			if p.calls[id] == c {
				delete(p.calls, id)
			}
			c.cancel()
		}
		p.mu.Unlock()
		var zero T
		return zero, ok, ctx.Err()
	}
}

func (p *pendingRequests[T]) run(ctx context.Context, id streamid.ID, c *pendingCall[T], fn func(context.Context) (T, error)) {
	defer c.cancel()
	c.val, c.err = fn(ctx)

	p.mu.Lock()
	if p.calls[id] == c {
		delete(p.calls, id)
	}
	p.mu.Unlock()
	close(c.done)
}

// InFlight reports whether work for id is running.
func (p *pendingRequests[T]) InFlight(id streamid.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.calls[id]
	return ok
}

// Len returns the number of in-flight keys.
func (p *pendingRequests[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
