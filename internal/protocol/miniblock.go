package protocol

import (
	"fmt"

	"github.com/roach88/strand/internal/streamid"
)

// MiniblockHeader seals a batch of events.
type MiniblockHeader struct {
	Num                      int64     `json:"num"`
	PrevHash                 Hash      `json:"prev_hash"`
	EventHashes              []Hash    `json:"event_hashes"`
	EventNumOffset           int64     `json:"event_num_offset"`
	PrevSnapshotMiniblockNum int64     `json:"prev_snapshot_miniblock_num"`
	Snapshot                 *Snapshot `json:"snapshot,omitempty"`
}

// Miniblock is a sealed, hash-chained batch of confirmed events.
//
// A Partial miniblock had some events removed by an exclusion filter; its
// Events no longer match Header.EventHashes and it must never be treated as
// authoritative for the excluded kinds.
type Miniblock struct {
	Hash    Hash            `json:"hash"`
	Header  MiniblockHeader `json:"header"`
	Events  []Envelope      `json:"events"`
	Partial bool            `json:"partial,omitempty"`
}

// Pointer returns the commit pointer for events following this miniblock.
func (m Miniblock) Pointer() CommitPointer {
	return CommitPointer{Hash: m.Hash, Num: m.Header.Num}
}

// IsSnapshot reports whether the header carries a full-state snapshot.
func (m Miniblock) IsSnapshot() bool { return m.Header.Snapshot != nil }

// SealMiniblock builds the miniblock following prev (nil for genesis).
func SealMiniblock(prev *Miniblock, events []Envelope, prevSnapshotNum int64, snapshot *Snapshot) (Miniblock, error) {
	header := MiniblockHeader{
		PrevSnapshotMiniblockNum: prevSnapshotNum,
		Snapshot:                 snapshot,
		EventHashes:              make([]Hash, 0, len(events)),
	}
	if prev != nil {
		header.Num = prev.Header.Num + 1
		header.PrevHash = prev.Hash
		header.EventNumOffset = prev.Header.EventNumOffset + int64(len(prev.Header.EventHashes))
	}
	for _, ev := range events {
		header.EventHashes = append(header.EventHashes, ev.Hash)
	}
	hash, err := MiniblockHash(header)
	if err != nil {
		return Miniblock{}, fmt.Errorf("seal miniblock %d: %w", header.Num, err)
	}
	return Miniblock{Hash: hash, Header: header, Events: events}, nil
}

// VerifyChain checks that blocks are contiguous and hash-linked.
func VerifyChain(blocks []Miniblock) error {
	for i := 1; i < len(blocks); i++ {
		prev, cur := blocks[i-1], blocks[i]
		if cur.Header.Num != prev.Header.Num+1 {
			return fmt.Errorf("miniblock gap: %d follows %d", cur.Header.Num, prev.Header.Num)
		}
		if cur.Header.PrevHash != prev.Hash {
			return fmt.Errorf("miniblock %d: prev hash %s does not match %s",
				cur.Header.Num, cur.Header.PrevHash.Short(), prev.Hash.Short())
		}
	}
	return nil
}

// StreamAndCookie is a stream's recent state as returned by get-stream and
// create-stream: miniblocks from the last snapshot onward, the minipool, and
// a resumption cookie.
type StreamAndCookie struct {
	StreamID       streamid.ID `json:"stream_id"`
	Miniblocks     []Miniblock `json:"miniblocks"`
	Minipool       []Envelope  `json:"minipool"`
	NextSyncCookie SyncCookie  `json:"next_sync_cookie"`
}

// Snapshot returns the snapshot carried by the first miniblock, if any.
func (s StreamAndCookie) Snapshot() *Snapshot {
	if len(s.Miniblocks) == 0 {
		return nil
	}
	return s.Miniblocks[0].Header.Snapshot
}

// PrevSnapshotMiniblockNum returns the previous-snapshot pointer of the
// first miniblock: where scrollback starts.
func (s StreamAndCookie) PrevSnapshotMiniblockNum() int64 {
	if len(s.Miniblocks) == 0 {
		return 0
	}
	return s.Miniblocks[0].Header.PrevSnapshotMiniblockNum
}
