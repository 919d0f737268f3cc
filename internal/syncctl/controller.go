package syncctl

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/streamid"
)

// InitStatus reports how far stream hydration has come. It is re-emitted
// through the delegate on every change.
type InitStatus struct {
	IsHighPriorityDataLoaded bool    `json:"is_high_priority_data_loaded"`
	IsLocalDataLoaded        bool    `json:"is_local_data_loaded"`
	IsRemoteDataLoaded       bool    `json:"is_remote_data_loaded"`
	Progress                 float64 `json:"progress"`
}

func (s InitStatus) String() string {
	return fmt.Sprintf("high_priority=%t local=%t remote=%t progress=%.2f",
		s.IsHighPriorityDataLoaded, s.IsLocalDataLoaded, s.IsRemoteDataLoaded, s.Progress)
}

// Delegate is what a controller drives. The stream registry implements it.
type Delegate interface {
	// InitStream initializes a stream, from persisted when non-nil, else
	// from the store, else (when allowNetwork) from the node.
	InitStream(ctx context.Context, id streamid.ID, allowNetwork bool, persisted *store.LoadedStream) error
	// StartSyncStreams begins live updates for initialized streams.
	StartSyncStreams(ctx context.Context, lastAccessedAt map[streamid.ID]time.Time) error
	EmitInitStatus(status InitStatus)
}

// Persistence is the part of the store controllers read from. The
// high-priority set is written back as a retention hint.
type Persistence interface {
	LoadStreams(ctx context.Context, ids []streamid.ID) (store.LoadStreamsResult, error)
	LastAccessed(ctx context.Context, ids []streamid.ID) (map[streamid.ID]time.Time, error)
	SetHighPriorityStreams(ctx context.Context, ids []streamid.ID) error
}

var _ Persistence = (*store.Store)(nil)

// Controller decides which streams to hydrate, from where, and when.
type Controller interface {
	// SetStreamIDs sets the full set of streams the account belongs to.
	SetStreamIDs(ids []streamid.ID)
	// SetHighPriorityIDs replaces the streams the user is looking at. May be
	// called repeatedly as navigation happens.
	SetHighPriorityIDs(ids []streamid.ID)
	SetFavoriteIDs(ids []streamid.ID)
	// Start begins work. Calling it again while running is a no-op.
	Start(ctx context.Context)
	// Stop cancels work and waits for in-flight tasks. Idempotent.
	Stop()
	Status() InitStatus
}

// Mode selects a controller strategy.
type Mode string

const (
	ModeFull Mode = "full"
	ModeLite Mode = "lite"
)

// New returns the controller for mode.
func New(mode Mode, delegate Delegate, persistence Persistence, opts Options) (Controller, error) {
	switch mode {
	case ModeFull, "":
		return NewFull(delegate, persistence, opts), nil
	case ModeLite:
		return NewLite(delegate, persistence, opts), nil
	default:
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}
}
