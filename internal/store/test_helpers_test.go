package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/signer"
	"github.com/roach88/strand/internal/streamid"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// buildChain seals n miniblocks for a new channel, one message each. Block 0
// carries the genesis snapshot; every block after it points back to 0.
func buildChain(t *testing.T, n int) (streamid.ID, []protocol.Miniblock) {
	t.Helper()
	space := streamid.NewSpaceID()
	id, err := streamid.NewChannelID(space)
	require.NoError(t, err)
	s, err := signer.GenerateEd25519()
	require.NoError(t, err)

	var blocks []protocol.Miniblock
	var prev *protocol.Miniblock
	for i := 0; i < n; i++ {
		var ptr protocol.CommitPointer
		var snap *protocol.Snapshot
		if prev != nil {
			ptr = prev.Pointer()
		} else {
			snap = &protocol.Snapshot{Inception: protocol.InceptionPayload{StreamID: id, SpaceID: space}}
		}
		ev, err := protocol.MakeEnvelope(context.Background(), s, &protocol.ChannelPayload{
			Message: protocol.EncryptedData{Algorithm: "test", Ciphertext: "c"},
		}, ptr, nil, false)
		require.NoError(t, err)
		mb, err := protocol.SealMiniblock(prev, []protocol.Envelope{ev}, 0, snap)
		require.NoError(t, err)
		blocks = append(blocks, mb)
		prev = &blocks[len(blocks)-1]
	}
	return id, blocks
}

// persist writes blocks, the snapshot of blocks[0] and a synced-stream record
// covering them.
func persist(t *testing.T, s *Store, id streamid.ID, blocks []protocol.Miniblock) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveMiniblocks(ctx, id, blocks, "", Forward))
	first, last := blocks[0], blocks[len(blocks)-1]
	require.NoError(t, s.SaveSyncedStream(ctx, PersistedSyncedStream{
		StreamID:                 id,
		SyncCookie:               protocol.SyncCookie{StreamID: id, NodeAddress: "node", PrevMiniblockHash: last.Hash},
		LastSnapshotMiniblockNum: first.Header.Num,
		LastMiniblockNum:         last.Header.Num,
	}))
}
