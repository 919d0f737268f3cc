package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/devnode"
	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/rpc"
	"github.com/roach88/strand/internal/streamid"
)

// seedSnapshotted builds a channel with blocks 0..7 and snapshots at 0, 3
// and 6, and initializes it: the view starts at block 6.
func seedSnapshotted(t *testing.T, opts Options) (*harness, streamid.ID) {
	t.Helper()
	h := newHarness(t, devnode.Options{SnapshotEvery: 3}, opts)
	id := h.seedChannel(t, newSigner(t, 2), 7)
	sh := h.init(t, id)
	v := sh.View()
	require.Equal(t, int64(6), v.MinMiniblockNum())
	require.Equal(t, int64(7), v.MaxMiniblockNum())
	require.Equal(t, int64(3), v.PrevSnapshotMiniblockNum)
	return h, id
}

func TestScrollbackWalksToGenesis(t *testing.T) {
	h, id := seedSnapshotted(t, Options{})
	sb := h.reg.Scrollback()

	res, err := sb.Scrollback(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ScrollbackResult{Terminus: false, FromInclusiveMiniblockNum: 3}, res)
	assert.Equal(t, int64(3), h.reg.Get(id).MinMiniblockNum())

	res, err = sb.Scrollback(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ScrollbackResult{Terminus: true, FromInclusiveMiniblockNum: 0}, res)
	assert.Equal(t, 2, h.node.Calls(rpc.MethodGetMiniblocks))

	res, err = sb.Scrollback(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Terminus)
	assert.Equal(t, 2, h.node.Calls(rpc.MethodGetMiniblocks))

	v := h.reg.Get(id).View()
	require.NoError(t, protocol.VerifyChain(v.Miniblocks))
	assert.Equal(t, int64(0), v.MinMiniblockNum())
	assert.True(t, v.Terminus)

	last := int64(-1)
	for _, ev := range v.Timeline() {
		assert.GreaterOrEqual(t, ev.MiniblockNum, last)
		last = ev.MiniblockNum
	}
}

func TestScrollbackServesFromCache(t *testing.T) {
	h, id := seedSnapshotted(t, Options{})
	for i := 0; i < 2; i++ {
		_, err := h.reg.Scrollback().Scrollback(ctx, id)
		require.NoError(t, err)
	}
	calls := h.node.Calls(rpc.MethodGetMiniblocks)

	other := attach(t, h.node, h.store, Options{})
	_, err := other.reg.Init(ctx, id, false, nil)
	require.NoError(t, err)

	res, err := other.reg.Scrollback().Scrollback(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.FromInclusiveMiniblockNum)
	res, err = other.reg.Scrollback().Scrollback(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Terminus)
	assert.Equal(t, calls, h.node.Calls(rpc.MethodGetMiniblocks))
	assert.Equal(t, int64(0), other.reg.Get(id).MinMiniblockNum())
}

func TestScrollbackDiscardsWhenViewMoved(t *testing.T) {
	h, id := seedSnapshotted(t, Options{})
	block5, err := h.node.GetMiniblocks(ctx, id, 5, 6, nil)
	require.NoError(t, err)
	calls := h.node.Calls(rpc.MethodGetMiniblocks)

	release := h.node.Block(rpc.MethodGetMiniblocks)
	done := make(chan ScrollbackResult, 1)
	go func() {
		res, err := h.reg.Scrollback().Scrollback(ctx, id)
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool { return h.node.Calls(rpc.MethodGetMiniblocks) == calls+1 }, time.Second, time.Millisecond)

	sh := h.reg.Get(id)
	require.True(t, sh.prependIf(6, block5.Miniblocks, nil, false))
	release()

	res := <-done
	assert.False(t, res.Terminus)
	assert.Equal(t, int64(5), sh.MinMiniblockNum())
}

func TestScrollbackSingleFlight(t *testing.T) {
	h, id := seedSnapshotted(t, Options{})
	release := h.node.Block(rpc.MethodGetMiniblocks)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.reg.Scrollback().Scrollback(ctx, id)
			assert.NoError(t, err)
			assert.Equal(t, int64(3), res.FromInclusiveMiniblockNum)
		}()
	}
	require.Eventually(t, func() bool { return waiters(h.reg.Scrollback().requests, id) == 2 }, time.Second, time.Millisecond)
	release()
	wg.Wait()
	assert.Equal(t, 1, h.node.Calls(rpc.MethodGetMiniblocks))
}

func TestScrollbackFilterKeysCache(t *testing.T) {
	filter := protocol.ExclusionFilter{{Category: protocol.CategoryChannel}}
	h, id := seedSnapshotted(t, Options{ScrollbackFilter: filter})

	_, err := h.reg.Scrollback().Scrollback(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, h.node.Calls(rpc.MethodGetMiniblocks))
	stored, err := h.store.GetMiniblock(ctx, id, 4)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Miniblock.Partial)
	assert.Equal(t, filter.Key(), stored.ExclusionKey)

	// Same filter: the partial blocks are reused.
	same := attach(t, h.node, h.store, Options{ScrollbackFilter: filter})
	_, err = same.reg.Init(ctx, id, false, nil)
	require.NoError(t, err)
	_, err = same.reg.Scrollback().Scrollback(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, h.node.Calls(rpc.MethodGetMiniblocks))

	// No filter: partial blocks cannot serve, so the node is asked.
	unfiltered := attach(t, h.node, h.store, Options{})
	_, err = unfiltered.reg.Init(ctx, id, false, nil)
	require.NoError(t, err)
	_, err = unfiltered.reg.Scrollback().Scrollback(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, h.node.Calls(rpc.MethodGetMiniblocks))

	stored, err = h.store.GetMiniblock(ctx, id, 4)
	require.NoError(t, err)
	assert.False(t, stored.Miniblock.Partial)
}

func TestScrollbackPreconditions(t *testing.T) {
	h := newHarness(t, devnode.Options{}, Options{})
	_, err := h.reg.Scrollback().Scrollback(ctx, streamid.NewGDMID())
	assert.True(t, IsStreamNotFound(err))

	id := streamid.NewGDMID()
	_, err = h.reg.Create(id)
	require.NoError(t, err)
	_, err = h.reg.Scrollback().Scrollback(ctx, id)
	assert.Equal(t, ErrCodeNotInitialized, CodeOf(err))

	// A stream whose view already starts at genesis needs no fetch.
	ch := h.seedChannel(t, newSigner(t, 2), 2)
	h.init(t, ch)
	res, err := h.reg.Scrollback().Scrollback(ctx, ch)
	require.NoError(t, err)
	assert.True(t, res.Terminus)
	assert.Equal(t, 0, h.node.Calls(rpc.MethodGetMiniblocks))
}
