package client

import (
	"sync"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/streamid"
)

// StreamHandle is the registry's record of one stream. Its view is only
// mutated under the handle's lock, by the registry and scrollback.
type StreamHandle struct {
	id streamid.ID

	mu   sync.RWMutex
	view *StreamView
}

func newStreamHandle(id streamid.ID) *StreamHandle {
	return &StreamHandle{id: id, view: newStreamView(id)}
}

// ID returns the stream id the handle was registered under.
func (h *StreamHandle) ID() streamid.ID { return h.id }

// View returns a copy of the current view.
func (h *StreamHandle) View() *StreamView {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view.clone()
}

// IsInitialized reports whether the view has been hydrated from
// persistence or the node. Uninitialized handles are placeholders that
// InitStream callers wait on.
func (h *StreamHandle) IsInitialized() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view.IsInitialized()
}

// Pointer returns the commit pointer new events must reference.
func (h *StreamHandle) Pointer() (protocol.CommitPointer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view.Pointer()
}

// MinMiniblockNum returns the earliest known miniblock number, or -1.
func (h *StreamHandle) MinMiniblockNum() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view.MinMiniblockNum()
}

func (h *StreamHandle) initializeFromResponse(resp *protocol.StreamAndCookie, cleartexts map[string][]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie := resp.NextSyncCookie
	return h.view.initialize(resp.Snapshot(), resp.Miniblocks, resp.Minipool, resp.PrevSnapshotMiniblockNum(), &cookie, cleartexts)
}

// initializeFromPersistence hydrates the view from a persisted stream.
// Returns false if there is nothing usable. err reports events that could
// not be folded into the state; the view is initialized regardless.
func (h *StreamHandle) initializeFromPersistence(ls *store.LoadedStream) (ok bool, err error) {
	if ls == nil || ls.Snapshot == nil || len(ls.Miniblocks) == 0 {
		return false, nil
	}
	for _, mb := range ls.Miniblocks {
		if mb.Partial {
			return false, nil
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	cookie := ls.Persisted.SyncCookie
	err = h.view.initialize(ls.Snapshot, ls.Miniblocks, ls.Persisted.MinipoolEvents, ls.PrevSnapshotMiniblockNum, &cookie, ls.Cleartexts)
	return true, err
}

func (h *StreamHandle) appendMiniblock(mb protocol.Miniblock) (applied, ok bool, applyErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.view.appendMiniblock(mb)
}

func (h *StreamHandle) addLocalEvent(le *LocalEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.view.addLocalEvent(le)
}

func (h *StreamHandle) updateLocalEvent(prevID, newID string, status LocalStatus) (*LocalEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.view.updateLocalEvent(prevID, newID, status)
}

// prependIf prepends blocks only if the earliest known miniblock is still
// expectMin. Returns false when the view moved underneath the caller.
func (h *StreamHandle) prependIf(expectMin int64, blocks []protocol.Miniblock, cleartexts map[string][]byte, terminus bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.view.MinMiniblockNum() != expectMin {
		return false
	}
	h.view.prependMiniblocks(blocks, cleartexts, terminus)
	return true
}

// scrollbackRange returns [from, to) for the next scrollback, or
// terminus=true if genesis is already known.
func (h *StreamHandle) scrollbackRange() (from, to int64, terminus, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.view.IsInitialized() {
		return 0, 0, false, false
	}
	to = h.view.MinMiniblockNum()
	if h.view.Terminus || to == 0 {
		return to, to, true, true
	}
	from = h.view.PrevSnapshotMiniblockNum
	if from >= to {
		from = to - 1
	}
	return max(from, 0), to, false, true
}

// persistedState is what the registry writes back after a change.
func (h *StreamHandle) persistedState() (store.PersistedSyncedStream, []protocol.Miniblock, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v := h.view
	if !v.IsInitialized() || v.SyncCookie == nil {
		return store.PersistedSyncedStream{}, nil, false
	}
	// The newest snapshot among the known blocks anchors the record.
	anchor := -1
	for i := len(v.Miniblocks) - 1; i >= 0; i-- {
		if v.Miniblocks[i].IsSnapshot() && !v.Miniblocks[i].Partial {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return store.PersistedSyncedStream{}, nil, false
	}
	blocks := v.Miniblocks[anchor:]
	return store.PersistedSyncedStream{
		StreamID:                 h.id,
		SyncCookie:               *v.SyncCookie,
		LastSnapshotMiniblockNum: blocks[0].Header.Num,
		LastMiniblockNum:         v.MaxMiniblockNum(),
		MinipoolEvents:           append([]protocol.Envelope(nil), v.Minipool...),
	}, append([]protocol.Miniblock(nil), blocks...), true
}
