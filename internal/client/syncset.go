package client

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
)

// SyncSet tracks the sync cookies of streams registered for live updates
// and, when started with a poll interval, pulls newly sealed miniblocks for
// them from the node.
type SyncSet struct {
	reg      *Registry
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	cookies map[streamid.ID]protocol.SyncCookie
	cancel  context.CancelFunc
	done    chan struct{}
}

func newSyncSet(r *Registry, interval time.Duration) *SyncSet {
	return &SyncSet{
		reg:      r,
		interval: interval,
		log:      r.log.WithField("component", "syncset"),
		cookies:  make(map[streamid.ID]protocol.SyncCookie),
	}
}

// Add registers id for live updates.
func (s *SyncSet) Add(id streamid.ID, cookie protocol.SyncCookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies[id] = cookie
}

// Remove deregisters id.
func (s *SyncSet) Remove(id streamid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cookies, id)
}

// Has reports whether id is registered.
func (s *SyncSet) Has(id streamid.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cookies[id]
	return ok
}

// IDs returns the registered ids, sorted.
func (s *SyncSet) IDs() []streamid.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := streamid.NewSet()
	for id := range s.cookies {
		set.Add(id)
	}
	return set.Sorted()
}

// Start begins polling when an interval is configured. Calling it while
// running is a no-op.
func (s *SyncSet) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval <= 0 || s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop ends polling and waits for the loop to exit.
func (s *SyncSet) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *SyncSet) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce polls every registered stream once and applies whatever the node
// sealed since. Returns the number of miniblocks applied.
func (s *SyncSet) SyncOnce(ctx context.Context) int {
	applied := 0
	for _, id := range s.IDs() {
		if ctx.Err() != nil {
			return applied
		}
		n, err := s.syncStream(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("stream", id).Warn("sync failed")
		}
		applied += n
	}
	return applied
}

func (s *SyncSet) syncStream(ctx context.Context, id streamid.ID) (int, error) {
	h := s.reg.Get(id)
	if h == nil {
		s.Remove(id)
		return 0, nil
	}
	head := h.View().MaxMiniblockNum()
	ptr, err := s.reg.rpc.GetLastMiniblockHash(ctx, id)
	if err != nil {
		return 0, err
	}
	if ptr.Num <= head {
		return 0, nil
	}
	resp, err := s.reg.rpc.GetMiniblocks(ctx, id, head+1, ptr.Num+1, nil)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, mb := range resp.Miniblocks {
		if err := s.reg.ApplyMiniblock(ctx, id, mb); err != nil {
			return n, err
		}
		n++
	}
	if v := h.View(); v.SyncCookie != nil && s.Has(id) {
		s.Add(id, *v.SyncCookie)
	}
	return n, nil
}
