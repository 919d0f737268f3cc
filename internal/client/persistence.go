package client

import (
	"context"
	"time"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/streamid"
)

// Persistence is the part of the store the registry, committer and
// scrollback use. *store.Store satisfies it.
type Persistence interface {
	LoadStream(ctx context.Context, id streamid.ID) (*store.LoadedStream, error)
	GetMiniblock(ctx context.Context, id streamid.ID, num int64) (*store.StoredMiniblock, error)
	SaveMiniblocks(ctx context.Context, id streamid.ID, blocks []protocol.Miniblock, exclusionKey string, dir store.Direction) error
	GetCleartexts(ctx context.Context, eventIDs []string) (map[string][]byte, error)
	SaveCleartext(ctx context.Context, eventID string, cleartext []byte) error
	SaveSyncedStream(ctx context.Context, st store.PersistedSyncedStream) error
	SaveSnapshot(ctx context.Context, id streamid.ID, num int64, snap *protocol.Snapshot) error
	TouchStream(ctx context.Context, id streamid.ID, at time.Time) error
}

var _ Persistence = (*store.Store)(nil)
