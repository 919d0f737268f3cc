package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/devnode"
	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/rpc"
	"github.com/roach88/strand/internal/signer"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/streamid"
	"github.com/roach88/strand/internal/testutil"
)

var ctx = context.Background()

type harness struct {
	node    *devnode.Node
	store   *store.Store
	signer  *signer.Ed25519
	sleeper *testutil.RecordingSleeper
	reg     *Registry
}

func newSigner(t *testing.T, seed byte) *signer.Ed25519 {
	t.Helper()
	s, err := signer.FromSeed(bytes.Repeat([]byte{seed}, 32))
	require.NoError(t, err)
	return s
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "strand.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newHarness wires a registry to a fresh devnode that seals every event.
func newHarness(t *testing.T, nodeOpts devnode.Options, opts Options) *harness {
	t.Helper()
	if nodeOpts.SealEvery == 0 {
		nodeOpts.SealEvery = 1
	}
	node, err := devnode.New(nodeOpts)
	require.NoError(t, err)
	return attach(t, node, newStore(t), opts)
}

// attach builds another registry for the same account on node and st.
func attach(t *testing.T, node *devnode.Node, st *store.Store, opts Options) *harness {
	t.Helper()
	sleeper := testutil.NewRecordingSleeper()
	if opts.Sleeper == nil {
		opts.Sleeper = sleeper
	}
	if opts.LocalIDs == nil {
		opts.LocalIDs = testutil.NewSequentialLocalIDs("")
	}
	s := newSigner(t, 1)
	reg := New(node, st, s, opts)
	t.Cleanup(reg.Close)
	return &harness{node: node, store: st, signer: s, sleeper: sleeper, reg: reg}
}

func sign(t *testing.T, s signer.Signer, p protocol.Payload, ptr protocol.CommitPointer) protocol.Envelope {
	t.Helper()
	env, err := protocol.MakeEnvelope(ctx, s, p, ptr, nil, false)
	require.NoError(t, err)
	return env
}

func message(text string) protocol.Payload {
	return &protocol.ChannelPayload{Message: protocol.EncryptedData{Algorithm: "plain", Ciphertext: text}}
}

// seedChannel creates a channel on the node owned by author and posts n
// messages to it directly.
func (h *harness) seedChannel(t *testing.T, author signer.Signer, n int) streamid.ID {
	t.Helper()
	space := streamid.NewSpaceID()
	id, err := streamid.NewChannelID(space)
	require.NoError(t, err)
	_, err = h.node.CreateStream(ctx, rpc.CreateStreamRequest{
		StreamID: id,
		Events: []protocol.Envelope{
			sign(t, author, &protocol.InceptionPayload{StreamID: id, SpaceID: space}, protocol.CommitPointer{}),
			sign(t, author, &protocol.MemberPayload{UserID: hex.EncodeToString(author.Address()), Op: protocol.MembershipJoin}, protocol.CommitPointer{}),
		},
	})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		h.postDirect(t, author, id, message("seed"))
	}
	return id
}

// postDirect submits p to the node at its current pointer, bypassing the
// registry.
func (h *harness) postDirect(t *testing.T, author signer.Signer, id streamid.ID, p protocol.Payload) {
	t.Helper()
	ptr, err := h.node.Pointer(id)
	require.NoError(t, err)
	_, err = h.node.AddEvent(ctx, id, sign(t, author, p, ptr))
	require.NoError(t, err)
}

func (h *harness) init(t *testing.T, id streamid.ID) *StreamHandle {
	t.Helper()
	sh, err := h.reg.Init(ctx, id, true, nil)
	require.NoError(t, err)
	return sh
}

func (h *harness) nodePointer(t *testing.T, id streamid.ID) protocol.CommitPointer {
	t.Helper()
	ptr, err := h.node.Pointer(id)
	require.NoError(t, err)
	return ptr
}

func staleErr(expected protocol.CommitPointer) error {
	return &rpc.Error{Code: rpc.CodeBadPrevMiniblockHash, Message: "stale", Expected: &expected}
}

// recorder collects notifications of one kind.
type recorder struct {
	ch chan Notification
}

func record(r *Registry, kind NotificationKind) *recorder {
	rec := &recorder{ch: make(chan Notification, 64)}
	r.Subscribe(func(n Notification) {
		if n.Kind == kind {
			rec.ch <- n
		}
	})
	return rec
}

func (r *recorder) drain() []Notification {
	var out []Notification
	for {
		select {
		case n := <-r.ch:
			out = append(out, n)
		default:
			return out
		}
	}
}
