package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sealChain(t *testing.T, events ...[]Envelope) []Miniblock {
	t.Helper()
	var out []Miniblock
	for i, evs := range events {
		var prev *Miniblock
		if i > 0 {
			prev = &out[i-1]
		}
		mb, err := SealMiniblock(prev, evs, 0, nil)
		require.NoError(t, err)
		out = append(out, mb)
	}
	return out
}

func TestSealMiniblockLinksChain(t *testing.T) {
	s := testSigner(t)
	ev, err := MakeEnvelope(context.Background(), s, &ChannelPayload{}, CommitPointer{}, nil, false)
	require.NoError(t, err)

	chain := sealChain(t, []Envelope{ev}, []Envelope{ev, ev}, nil)
	require.Len(t, chain, 3)

	assert.Equal(t, int64(2), chain[2].Header.Num)
	assert.Equal(t, chain[1].Hash, chain[2].Header.PrevHash)
	assert.Equal(t, int64(3), chain[2].Header.EventNumOffset)
	assert.Equal(t, CommitPointer{Hash: chain[2].Hash, Num: 2}, chain[2].Pointer())
	require.NoError(t, VerifyChain(chain))
}

func TestVerifyChainDetectsBreaks(t *testing.T) {
	chain := sealChain(t, nil, nil, nil)

	gap := []Miniblock{chain[0], chain[2]}
	assert.ErrorContains(t, VerifyChain(gap), "gap")

	broken := append([]Miniblock(nil), chain...)
	broken[1].Header.PrevHash = ZeroHash
	assert.ErrorContains(t, VerifyChain(broken), "prev hash")
}

func TestStreamAndCookieSnapshotAccessors(t *testing.T) {
	var empty StreamAndCookie
	assert.Nil(t, empty.Snapshot())
	assert.Equal(t, int64(0), empty.PrevSnapshotMiniblockNum())

	snap := &Snapshot{SpaceName: "x"}
	mb, err := SealMiniblock(nil, nil, 4, snap)
	require.NoError(t, err)
	sc := StreamAndCookie{Miniblocks: []Miniblock{mb}}
	assert.Same(t, snap, sc.Snapshot())
	assert.Equal(t, int64(4), sc.PrevSnapshotMiniblockNum())
	assert.True(t, mb.IsSnapshot())
}
