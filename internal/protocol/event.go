package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/strand/internal/signer"
	"github.com/roach88/strand/internal/streamid"
)

// CommitPointer is the (prevMiniblockHash, prevMiniblockNum) pair a new event
// must reference to be accepted.
type CommitPointer struct {
	Hash Hash  `json:"hash"`
	Num  int64 `json:"num"`
}

func (p CommitPointer) String() string {
	return fmt.Sprintf("%s/%d", p.Hash.Short(), p.Num)
}

// Tags are client-supplied hints attached to an event (mentions, thread
// parents). They are covered by the event hash.
type Tags struct {
	MessageType      string   `json:"message_type,omitempty"`
	Mentions         []string `json:"mentions,omitempty"`
	ThreadID         string   `json:"thread_id,omitempty"`
	ParticipatingIDs []string `json:"participating_ids,omitempty"`
}

// StreamEvent is the unsigned content of an event.
type StreamEvent struct {
	CreatorAddress    []byte
	Salt              []byte
	PrevMiniblockHash Hash
	PrevMiniblockNum  int64
	CreatedAtEpochMs  int64
	Payload           Payload
	Tags              *Tags
	Ephemeral         bool
}

type streamEventJSON struct {
	CreatorAddress    []byte          `json:"creator_address"`
	Salt              []byte          `json:"salt"`
	PrevMiniblockHash Hash            `json:"prev_miniblock_hash"`
	PrevMiniblockNum  int64           `json:"prev_miniblock_num"`
	CreatedAtEpochMs  int64           `json:"created_at_epoch_ms"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Tags              *Tags           `json:"tags,omitempty"`
	Ephemeral         bool            `json:"ephemeral,omitempty"`
}

func (e StreamEvent) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if e.Payload != nil {
		var err error
		if payload, err = MarshalPayload(e.Payload); err != nil {
			return nil, err
		}
	}
	return json.Marshal(streamEventJSON{
		CreatorAddress:    e.CreatorAddress,
		Salt:              e.Salt,
		PrevMiniblockHash: e.PrevMiniblockHash,
		PrevMiniblockNum:  e.PrevMiniblockNum,
		CreatedAtEpochMs:  e.CreatedAtEpochMs,
		Payload:           payload,
		Tags:              e.Tags,
		Ephemeral:         e.Ephemeral,
	})
}

func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var raw streamEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var payload Payload
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		var err error
		if payload, err = UnmarshalPayload(raw.Payload); err != nil {
			return err
		}
	}
	*e = StreamEvent{
		CreatorAddress:    raw.CreatorAddress,
		Salt:              raw.Salt,
		PrevMiniblockHash: raw.PrevMiniblockHash,
		PrevMiniblockNum:  raw.PrevMiniblockNum,
		CreatedAtEpochMs:  raw.CreatedAtEpochMs,
		Payload:           payload,
		Tags:              raw.Tags,
		Ephemeral:         raw.Ephemeral,
	}
	return nil
}

// Pointer returns the commit pointer the event references.
func (e StreamEvent) Pointer() CommitPointer {
	return CommitPointer{Hash: e.PrevMiniblockHash, Num: e.PrevMiniblockNum}
}

// Envelope is a signed, content-addressed event.
type Envelope struct {
	Hash      Hash        `json:"hash"`
	Signature []byte      `json:"signature"`
	Event     StreamEvent `json:"event"`
}

// ID returns the hex event id.
func (e Envelope) ID() string { return e.Hash.String() }

// MakeEnvelope builds, hashes and signs an event against ptr.
func MakeEnvelope(ctx context.Context, s signer.Signer, payload Payload, ptr CommitPointer, tags *Tags, ephemeral bool) (Envelope, error) {
	salt, err := signer.RandomSalt()
	if err != nil {
		return Envelope{}, fmt.Errorf("make envelope: %w", err)
	}
	ev := StreamEvent{
		CreatorAddress:    s.Address(),
		Salt:              salt,
		PrevMiniblockHash: ptr.Hash,
		PrevMiniblockNum:  ptr.Num,
		CreatedAtEpochMs:  time.Now().UnixMilli(),
		Payload:           payload,
		Tags:              tags,
		Ephemeral:         ephemeral,
	}
	hash, err := EventHash(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("make envelope: %w", err)
	}
	sig, err := s.Sign(ctx, hash[:])
	if err != nil {
		return Envelope{}, fmt.Errorf("make envelope: sign: %w", err)
	}
	return Envelope{Hash: hash, Signature: sig, Event: ev}, nil
}

// Verify checks that the envelope hash matches its content and that the
// signature was produced by the creator address.
func (e Envelope) Verify() error {
	hash, err := EventHash(e.Event)
	if err != nil {
		return err
	}
	if hash != e.Hash {
		return fmt.Errorf("event hash mismatch: have %s, computed %s", e.Hash.Short(), hash.Short())
	}
	if !signer.Verify(e.Event.CreatorAddress, hash[:], e.Signature) {
		return fmt.Errorf("event %s: bad signature", e.Hash.Short())
	}
	return nil
}

// EventRef identifies an event the server derived from an accepted one
// (for example the membership echo written to the user's own stream).
type EventRef struct {
	StreamID  streamid.ID `json:"stream_id"`
	Hash      Hash        `json:"hash"`
	Signature []byte      `json:"signature,omitempty"`
}

// SyncCookie is an opaque resumption token for live updates.
type SyncCookie struct {
	StreamID          streamid.ID `json:"stream_id"`
	NodeAddress       string      `json:"node_address"`
	MinipoolGen       int64       `json:"minipool_gen"`
	PrevMiniblockHash Hash        `json:"prev_miniblock_hash"`
}

// CreationCookie addresses an in-progress media upload.
type CreationCookie struct {
	StreamID          streamid.ID `json:"stream_id"`
	MiniblockNum      int64       `json:"miniblock_num"`
	PrevMiniblockHash Hash        `json:"prev_miniblock_hash"`
}
