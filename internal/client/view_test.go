package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/devnode"
	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
)

func TestViewTimelineOrdersRemoteThenLocal(t *testing.T) {
	h := newHarness(t, devnode.Options{}, Options{})
	bob := newSigner(t, 2)
	id := h.seedChannel(t, bob, 1)
	resp, err := h.node.GetStream(ctx, id)
	require.NoError(t, err)

	v := newStreamView(id)
	require.NoError(t, v.initialize(resp.Snapshot(), resp.Miniblocks, nil, 0, nil, map[string][]byte{"x": []byte("ignored")}))
	v.addLocalEvent(&LocalEvent{LocalID: "local-1", EventID: "local-1", Status: LocalSending, Payload: message("pending")})

	tl := v.Timeline()
	require.Len(t, tl, 4) // inception, join, seed message, local
	assert.Equal(t, int64(0), tl[0].MiniblockNum)
	assert.Equal(t, int64(1), tl[2].MiniblockNum)
	assert.Nil(t, tl[3].Remote)
	require.NotNil(t, tl[3].Local)
	assert.Equal(t, int64(-1), tl[3].MiniblockNum)
	assert.Equal(t, "local-1", tl[3].Local.LocalID)
}

func TestViewAppendMiniblock(t *testing.T) {
	h := newHarness(t, devnode.Options{}, Options{})
	bob := newSigner(t, 2)
	id := h.seedChannel(t, bob, 0)
	resp, err := h.node.GetStream(ctx, id)
	require.NoError(t, err)
	cookie := resp.NextSyncCookie

	v := newStreamView(id)
	require.NoError(t, v.initialize(resp.Snapshot(), resp.Miniblocks, nil, 0, &cookie, nil))

	h.postDirect(t, bob, id, &protocol.MemberPayload{UserID: "carol", Op: protocol.MembershipJoin})
	h.postDirect(t, bob, id, message("two"))
	blocks, err := h.node.GetMiniblocks(ctx, id, 1, 3, nil)
	require.NoError(t, err)
	require.Len(t, blocks.Miniblocks, 2)
	one, two := blocks.Miniblocks[0], blocks.Miniblocks[1]

	applied, ok, err := v.appendMiniblock(two)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.False(t, ok, "gap")

	applied, ok, err = v.appendMiniblock(one)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, ok)
	assert.True(t, v.State.IsMember("carol"))
	assert.False(t, v.Snapshot.IsMember("carol"), "the initial snapshot is not mutated")
	assert.Equal(t, one.Hash, v.SyncCookie.PrevMiniblockHash)

	applied, ok, _ = v.appendMiniblock(one)
	assert.False(t, applied)
	assert.True(t, ok, "replay")

	forged := two
	forged.Header.PrevHash = protocol.Hash{}
	_, ok, _ = v.appendMiniblock(forged)
	assert.False(t, ok)

	ptr, ok := v.Pointer()
	require.True(t, ok)
	assert.Equal(t, one.Pointer(), ptr)
}

func TestViewDropsConfirmedLocalEvents(t *testing.T) {
	h := newHarness(t, devnode.Options{}, Options{})
	id := h.seedChannel(t, newSigner(t, 2), 0)
	sh := h.init(t, id)

	_, res, err := h.reg.Committer().Post(ctx, id, message("echoed"), CommitOptions{})
	require.NoError(t, err)
	require.Len(t, sh.View().LocalEvents(), 1)

	blocks, err := h.node.GetMiniblocks(ctx, id, 1, 2, nil)
	require.NoError(t, err)
	require.NoError(t, h.reg.ApplyMiniblock(ctx, id, blocks.Miniblocks[0]))

	assert.Empty(t, sh.View().LocalEvents())
	var found bool
	for _, ev := range sh.View().Timeline() {
		if ev.EventID == res.EventID {
			found = true
			assert.NotNil(t, ev.Remote)
		}
	}
	assert.True(t, found)
}

func TestViewCloneIsIndependent(t *testing.T) {
	v := newStreamView(streamid.NewGDMID())
	v.addLocalEvent(&LocalEvent{LocalID: "a", EventID: "a", Status: LocalSending})
	cp := v.clone()
	v.updateLocalEvent("a", "b", LocalSent)

	assert.Equal(t, "a", cp.LocalEvents()[0].EventID)
	assert.Equal(t, "b", v.LocalEvents()[0].EventID)
	assert.Equal(t, int64(-1), cp.MinMiniblockNum())
	_, ok := cp.Pointer()
	assert.False(t, ok)
}

func TestViewReportsEventsStateCannotApply(t *testing.T) {
	id := streamid.NewGDMID()
	bad := protocol.Envelope{Hash: protocol.Hash{0xbd}, Event: protocol.StreamEvent{
		Payload: &protocol.MemberPayload{UserID: "mallory", Op: "promote"},
	}}
	good := protocol.Envelope{Hash: protocol.Hash{0x60}, Event: protocol.StreamEvent{
		Payload: &protocol.MemberPayload{UserID: "carol", Op: protocol.MembershipJoin},
	}}
	genesis := protocol.Miniblock{Hash: protocol.Hash{0x01}, Header: protocol.MiniblockHeader{Num: 0, Snapshot: &protocol.Snapshot{}}}
	one := protocol.Miniblock{Hash: protocol.Hash{0x02}, Header: protocol.MiniblockHeader{Num: 1, PrevHash: genesis.Hash}, Events: []protocol.Envelope{bad, good}}

	v := newStreamView(id)
	err := v.initialize(genesis.Header.Snapshot, []protocol.Miniblock{genesis, one}, nil, 0, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mallory")
	assert.True(t, v.IsInitialized())
	assert.True(t, v.State.IsMember("carol"), "later events still apply")
	assert.Equal(t, int64(1), v.MaxMiniblockNum())

	two := protocol.Miniblock{Hash: protocol.Hash{0x03}, Header: protocol.MiniblockHeader{Num: 2, PrevHash: one.Hash}, Events: []protocol.Envelope{bad}}
	applied, ok, err := v.appendMiniblock(two)
	assert.True(t, applied)
	assert.True(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "miniblock 2")
	assert.Equal(t, int64(2), v.MaxMiniblockNum())
}
