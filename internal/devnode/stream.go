package devnode

import (
	"fmt"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
)

// stream is the node-side state of one stream. Guarded by Node.mu.
type stream struct {
	id       streamid.ID
	blocks   []protocol.Miniblock
	minipool []protocol.Envelope
	state    *protocol.Snapshot
	// lastSnapshot is the num of the newest miniblock carrying a snapshot.
	lastSnapshot int64
	minipoolGen  int64
	sealed       bool // media upload completed
}

func (s *stream) latest() *protocol.Miniblock {
	return &s.blocks[len(s.blocks)-1]
}

func (s *stream) pointer() protocol.CommitPointer {
	return s.latest().Pointer()
}

func newStream(id streamid.ID, genesis []protocol.Envelope) (*stream, error) {
	state := &protocol.Snapshot{}
	for _, ev := range genesis {
		if err := state.Apply(ev.Event.Payload); err != nil {
			return nil, err
		}
	}
	mb, err := protocol.SealMiniblock(nil, genesis, 0, state.Clone())
	if err != nil {
		return nil, err
	}
	return &stream{
		id:          id,
		blocks:      []protocol.Miniblock{mb},
		state:       state,
		minipoolGen: 1,
	}, nil
}

// append adds an accepted event to the minipool and folds it into state.
func (s *stream) append(ev protocol.Envelope) error {
	if err := s.state.Apply(ev.Event.Payload); err != nil {
		return fmt.Errorf("apply event %s: %w", ev.Hash.Short(), err)
	}
	s.minipool = append(s.minipool, ev)
	return nil
}

// seal moves the minipool into a new miniblock. When snapshotEvery is set
// and enough blocks have passed since the last snapshot the new block
// carries one.
func (s *stream) seal(snapshotEvery int) (protocol.Miniblock, error) {
	prev := s.latest()
	num := prev.Header.Num + 1

	var snap *protocol.Snapshot
	prevSnapshot := s.lastSnapshot
	if snapshotEvery > 0 && num-s.lastSnapshot >= int64(snapshotEvery) {
		snap = s.state.Clone()
	}
	mb, err := protocol.SealMiniblock(prev, s.minipool, prevSnapshot, snap)
	if err != nil {
		return protocol.Miniblock{}, err
	}
	s.blocks = append(s.blocks, mb)
	s.minipool = nil
	s.minipoolGen++
	if snap != nil {
		s.lastSnapshot = num
	}
	return mb, nil
}

func (s *stream) cookie(node string) protocol.SyncCookie {
	return protocol.SyncCookie{
		StreamID:          s.id,
		NodeAddress:       node,
		MinipoolGen:       s.minipoolGen,
		PrevMiniblockHash: s.latest().Hash,
	}
}

// view returns miniblocks from the newest snapshot onward plus the minipool.
func (s *stream) view(node string) *protocol.StreamAndCookie {
	blocks := make([]protocol.Miniblock, len(s.blocks[s.lastSnapshot:]))
	copy(blocks, s.blocks[s.lastSnapshot:])
	return &protocol.StreamAndCookie{
		StreamID:       s.id,
		Miniblocks:     blocks,
		Minipool:       append([]protocol.Envelope(nil), s.minipool...),
		NextSyncCookie: s.cookie(node),
	}
}
