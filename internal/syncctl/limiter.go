package syncctl

import "context"

// limiter is a counting semaphore. It does not know about priorities: a
// slot held by a low-priority load delays everything queued behind it.
type limiter struct {
	slots chan struct{}
}

func newLimiter(n int) *limiter {
	return &limiter{slots: make(chan struct{}, n)}
}

func (l *limiter) acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *limiter) release() { <-l.slots }

// do runs fn while holding a slot.
func (l *limiter) do(ctx context.Context, fn func() error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return fn()
}

// inUse returns the number of held slots.
func (l *limiter) inUse() int { return len(l.slots) }
