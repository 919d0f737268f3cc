package client

import (
	"slices"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
)

// LocalStatus is the delivery state of an optimistic local event.
type LocalStatus string

const (
	LocalSending LocalStatus = "sending"
	LocalSent    LocalStatus = "sent"
	LocalFailed  LocalStatus = "failed"
)

// LocalEvent is an event the user produced that the server may not have
// accepted yet. EventID changes on every submission attempt; LocalID never
// does.
type LocalEvent struct {
	LocalID string
	EventID string
	Status  LocalStatus
	Payload protocol.Payload
}

// TimelineEvent is one entry of a stream's timeline: a confirmed remote
// event, or a local one still in flight.
type TimelineEvent struct {
	EventID      string
	MiniblockNum int64 // -1 while in the minipool or local
	Remote       *protocol.Envelope
	Local        *LocalEvent
	Cleartext    []byte
}

// StreamView is a stream's known state: the snapshot it was initialized
// from, the miniblocks known since (extended backward by scrollback), the
// minipool, and local events.
//
// The commit pointer always equals the latest known miniblock's
// (hash, num).
type StreamView struct {
	StreamID streamid.ID
	// Snapshot is the checkpoint carried by the block the view was
	// initialized from; State is that snapshot with every later known
	// miniblock folded in.
	Snapshot                 *protocol.Snapshot
	State                    *protocol.Snapshot
	Miniblocks               []protocol.Miniblock
	Minipool                 []protocol.Envelope
	PrevSnapshotMiniblockNum int64
	SyncCookie               *protocol.SyncCookie
	Terminus                 bool

	localEvents []*LocalEvent
	cleartexts  map[string][]byte
}

func newStreamView(id streamid.ID) *StreamView {
	return &StreamView{StreamID: id, cleartexts: make(map[string][]byte)}
}

// IsInitialized reports whether the view holds any miniblock.
func (v *StreamView) IsInitialized() bool { return len(v.Miniblocks) > 0 }

// Pointer returns the commit pointer for the next event. ok is false until
// the view is initialized.
func (v *StreamView) Pointer() (ptr protocol.CommitPointer, ok bool) {
	if len(v.Miniblocks) == 0 {
		return protocol.CommitPointer{}, false
	}
	return v.Miniblocks[len(v.Miniblocks)-1].Pointer(), true
}

// MinMiniblockNum returns the earliest known miniblock number, or -1.
func (v *StreamView) MinMiniblockNum() int64 {
	if len(v.Miniblocks) == 0 {
		return -1
	}
	return v.Miniblocks[0].Header.Num
}

// MaxMiniblockNum returns the latest known miniblock number, or -1.
func (v *StreamView) MaxMiniblockNum() int64 {
	if len(v.Miniblocks) == 0 {
		return -1
	}
	return v.Miniblocks[len(v.Miniblocks)-1].Header.Num
}

// LocalEvents returns copies of the local events in insertion order.
func (v *StreamView) LocalEvents() []LocalEvent {
	out := make([]LocalEvent, len(v.localEvents))
	for i, le := range v.localEvents {
		out[i] = *le
	}
	return out
}

// Cleartext returns the cached cleartext for an event.
func (v *StreamView) Cleartext(eventID string) ([]byte, bool) {
	ct, ok := v.cleartexts[eventID]
	return ct, ok
}

// Timeline returns miniblock events oldest first, then minipool events,
// then local events the server has not echoed back.
func (v *StreamView) Timeline() []TimelineEvent {
	var out []TimelineEvent
	seen := make(map[string]bool)
	for _, mb := range v.Miniblocks {
		for i := range mb.Events {
			ev := &mb.Events[i]
			id := ev.ID()
			seen[id] = true
			out = append(out, TimelineEvent{EventID: id, MiniblockNum: mb.Header.Num, Remote: ev, Cleartext: v.cleartexts[id]})
		}
	}
	for i := range v.Minipool {
		ev := &v.Minipool[i]
		id := ev.ID()
		seen[id] = true
		out = append(out, TimelineEvent{EventID: id, MiniblockNum: -1, Remote: ev, Cleartext: v.cleartexts[id]})
	}
	for _, le := range v.localEvents {
		if seen[le.EventID] {
			continue
		}
		cp := *le
		out = append(out, TimelineEvent{EventID: le.EventID, MiniblockNum: -1, Local: &cp, Cleartext: v.cleartexts[le.EventID]})
	}
	return out
}

// clone returns a copy that shares immutable miniblocks but not slices or
// maps.
func (v *StreamView) clone() *StreamView {
	cp := *v
	cp.Snapshot = v.Snapshot.Clone()
	cp.State = v.State.Clone()
	cp.Miniblocks = slices.Clone(v.Miniblocks)
	cp.Minipool = slices.Clone(v.Minipool)
	if v.SyncCookie != nil {
		c := *v.SyncCookie
		cp.SyncCookie = &c
	}
	cp.localEvents = make([]*LocalEvent, len(v.localEvents))
	for i, le := range v.localEvents {
		c := *le
		cp.localEvents[i] = &c
	}
	cp.cleartexts = make(map[string][]byte, len(v.cleartexts))
	for k, ct := range v.cleartexts {
		cp.cleartexts[k] = ct
	}
	return &cp
}

// initialize replaces the view's remote state. The view is usable even when
// some events could not be folded into State; those failures are returned.
func (v *StreamView) initialize(snap *protocol.Snapshot, blocks []protocol.Miniblock, minipool []protocol.Envelope, prevSnapshot int64, cookie *protocol.SyncCookie, cleartexts map[string][]byte) error {
	v.Snapshot = snap
	v.State = snap.Clone()
	var err error
	if v.State != nil && len(blocks) > 1 {
		err = v.State.ApplyAll(blocks[1:])
	}
	v.Miniblocks = slices.Clone(blocks)
	v.Minipool = slices.Clone(minipool)
	v.PrevSnapshotMiniblockNum = prevSnapshot
	v.SyncCookie = cookie
	v.Terminus = len(blocks) > 0 && blocks[0].Header.Num == 0
	for k, ct := range cleartexts {
		v.cleartexts[k] = ct
	}
	v.dropConfirmedLocal()
	return err
}

// appendMiniblock applies a newly sealed miniblock. Blocks at or below the
// current head are ignored; ok is false for a gap. applyErr reports events
// of an appended block that State could not fold.
func (v *StreamView) appendMiniblock(mb protocol.Miniblock) (applied, ok bool, applyErr error) {
	head := v.MaxMiniblockNum()
	if mb.Header.Num <= head {
		return false, true, nil
	}
	if mb.Header.Num != head+1 {
		return false, false, nil
	}
	if last := v.Miniblocks[len(v.Miniblocks)-1]; mb.Header.PrevHash != last.Hash {
		return false, false, nil
	}
	v.Miniblocks = append(v.Miniblocks, mb)
	if v.State != nil {
		applyErr = v.State.ApplyAll([]protocol.Miniblock{mb})
	}
	sealed := make(map[protocol.Hash]bool, len(mb.Events))
	for _, ev := range mb.Events {
		sealed[ev.Hash] = true
	}
	v.Minipool = slices.DeleteFunc(v.Minipool, func(ev protocol.Envelope) bool { return sealed[ev.Hash] })
	if v.SyncCookie != nil {
		v.SyncCookie.PrevMiniblockHash = mb.Hash
	}
	v.dropConfirmedLocal()
	return true, true, applyErr
}

// prependMiniblocks extends history backward. blocks must end right before
// the current earliest block.
func (v *StreamView) prependMiniblocks(blocks []protocol.Miniblock, cleartexts map[string][]byte, terminus bool) {
	if len(blocks) > 0 {
		v.Miniblocks = append(slices.Clone(blocks), v.Miniblocks...)
		v.PrevSnapshotMiniblockNum = blocks[0].Header.PrevSnapshotMiniblockNum
	}
	for k, ct := range cleartexts {
		v.cleartexts[k] = ct
	}
	v.Terminus = terminus || v.MinMiniblockNum() == 0
}

func (v *StreamView) addLocalEvent(le *LocalEvent) {
	v.localEvents = append(v.localEvents, le)
}

// updateLocalEvent re-keys the local event known as prevID in place.
func (v *StreamView) updateLocalEvent(prevID, newID string, status LocalStatus) (*LocalEvent, bool) {
	for _, le := range v.localEvents {
		if le.EventID == prevID || le.LocalID == prevID {
			le.EventID = newID
			le.Status = status
			cp := *le
			return &cp, true
		}
	}
	return nil, false
}

// dropConfirmedLocal forgets sent local events that now appear remotely.
func (v *StreamView) dropConfirmedLocal() {
	if len(v.localEvents) == 0 {
		return
	}
	remote := make(map[string]bool)
	for _, mb := range v.Miniblocks {
		for _, ev := range mb.Events {
			remote[ev.ID()] = true
		}
	}
	for _, ev := range v.Minipool {
		remote[ev.ID()] = true
	}
	v.localEvents = slices.DeleteFunc(v.localEvents, func(le *LocalEvent) bool {
		return le.Status == LocalSent && remote[le.EventID]
	})
}
