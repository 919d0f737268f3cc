package syncctl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/streamid"
)

type initCall struct {
	id           streamid.ID
	allowNetwork bool
	persisted    bool
}

// fakeDelegate records what a controller asks for. Streams in gates block
// until their channel is closed or the context ends.
type fakeDelegate struct {
	mu          sync.Mutex
	calls       []initCall
	statuses    []InitStatus
	syncStarts  []map[streamid.ID]time.Time
	fail        map[streamid.ID]error
	gates       map[streamid.ID]chan struct{}
	inFlight    int
	maxInFlight int
}

func newFakeDelegate() *fakeDelegate {
	return &fakeDelegate{
		fail:  make(map[streamid.ID]error),
		gates: make(map[streamid.ID]chan struct{}),
	}
}

func (d *fakeDelegate) gate(id streamid.ID) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := make(chan struct{})
	d.gates[id] = g
	return g
}

func (d *fakeDelegate) InitStream(ctx context.Context, id streamid.ID, allowNetwork bool, persisted *store.LoadedStream) error {
	d.mu.Lock()
	d.calls = append(d.calls, initCall{id: id, allowNetwork: allowNetwork, persisted: persisted != nil})
	d.inFlight++
	d.maxInFlight = max(d.maxInFlight, d.inFlight)
	g, err := d.gates[id], d.fail[id]
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()
	if g != nil {
		select {
		case <-g:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (d *fakeDelegate) StartSyncStreams(_ context.Context, lastAccessedAt map[streamid.ID]time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncStarts = append(d.syncStarts, lastAccessedAt)
	return nil
}

func (d *fakeDelegate) EmitInitStatus(s InitStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, s)
}

func (d *fakeDelegate) Calls() []initCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]initCall(nil), d.calls...)
}

func (d *fakeDelegate) CalledIDs() []streamid.ID {
	var ids []streamid.ID
	for _, c := range d.Calls() {
		ids = append(ids, c.id)
	}
	return ids
}

func (d *fakeDelegate) Called(id streamid.ID) bool {
	for _, c := range d.Calls() {
		if c.id == id {
			return true
		}
	}
	return false
}

func (d *fakeDelegate) Statuses() []InitStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]InitStatus(nil), d.statuses...)
}

func (d *fakeDelegate) MaxInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInFlight
}

func (d *fakeDelegate) SyncStarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.syncStarts)
}

// fakePersistence serves the streams in persisted; everything else is
// missing.
type fakePersistence struct {
	mu           sync.Mutex
	persisted    streamid.Set
	lastAccessed map[streamid.ID]time.Time
	loads        [][]streamid.ID
	highPriority [][]streamid.ID
}

func newFakePersistence(persisted ...streamid.ID) *fakePersistence {
	return &fakePersistence{
		persisted:    streamid.NewSet(persisted...),
		lastAccessed: make(map[streamid.ID]time.Time),
	}
}

func (p *fakePersistence) LoadStreams(ctx context.Context, ids []streamid.ID) (store.LoadStreamsResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads = append(p.loads, append([]streamid.ID(nil), ids...))
	res := store.LoadStreamsResult{
		Streams:        make(map[streamid.ID]*store.LoadedStream),
		LastAccessedAt: make(map[streamid.ID]time.Time),
	}
	for _, id := range ids {
		if p.persisted.Has(id) {
			res.Streams[id] = &store.LoadedStream{}
		}
		if at, ok := p.lastAccessed[id]; ok {
			res.LastAccessedAt[id] = at
		}
	}
	return res, ctx.Err()
}

func (p *fakePersistence) LastAccessed(_ context.Context, ids []streamid.ID) (map[streamid.ID]time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[streamid.ID]time.Time)
	for _, id := range ids {
		if at, ok := p.lastAccessed[id]; ok {
			out[id] = at
		}
	}
	return out, nil
}

func (p *fakePersistence) SetHighPriorityStreams(_ context.Context, ids []streamid.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.highPriority = append(p.highPriority, append([]streamid.ID(nil), ids...))
	return nil
}

func (p *fakePersistence) HighPriorityWrites() [][]streamid.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]streamid.ID(nil), p.highPriority...)
}

var errInit = errors.New("init failed")

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newChannel(t *testing.T, space streamid.ID) streamid.ID {
	t.Helper()
	id, err := streamid.NewChannelID(space)
	require.NoError(t, err)
	return id
}

func userID(t *testing.T, fill byte) streamid.ID {
	t.Helper()
	addr := make([]byte, streamid.AddressLength)
	for i := range addr {
		addr[i] = fill
	}
	id, err := streamid.UserStreamID(streamid.PrefixUser, addr)
	require.NoError(t, err)
	return id
}

func waitStatus(t *testing.T, c Controller, cond func(InitStatus) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(c.Status()) }, waitFor, tick)
}

func remoteLoaded(s InitStatus) bool { return s.IsRemoteDataLoaded }
