package testutil

import (
	"context"
	"sync"
	"time"
)

// RecordingSleeper records requested sleeps and returns immediately.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RecordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
	onCall func(n int)
}

// NewRecordingSleeper creates a sleeper with no recorded sleeps.
func NewRecordingSleeper() *RecordingSleeper {
	return &RecordingSleeper{}
}

// OnSleep registers f to run on every sleep with the 1-based call count,
// before Sleep returns. Tests use it to change the world between retries.
func (s *RecordingSleeper) OnSleep(f func(n int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCall = f
}

// Sleep records d. It returns ctx.Err() if ctx is already done.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	n, f := len(s.sleeps), s.onCall
	s.mu.Unlock()
	if f != nil {
		f(n)
	}
	return ctx.Err()
}

// Sleeps returns the recorded durations in call order.
func (s *RecordingSleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

// Total returns the sum of recorded durations.
func (s *RecordingSleeper) Total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for _, d := range s.sleeps {
		total += d
	}
	return total
}
