package client

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LocalIDGenerator produces correlation ids for optimistic local events.
type LocalIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 local ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Sleeper waits between retries.
type Sleeper interface {
	// Sleep blocks for d or until ctx ends, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
