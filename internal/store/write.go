package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
)

// Direction records how a miniblock reached the store.
type Direction string

const (
	// Forward miniblocks come from initialization and live sync.
	Forward Direction = "forward"
	// Backward miniblocks come from scrollback.
	Backward Direction = "backward"
)

// PersistedSyncedStream is the resumption state of one synced stream.
type PersistedSyncedStream struct {
	StreamID                 streamid.ID
	SyncCookie               protocol.SyncCookie
	LastSnapshotMiniblockNum int64
	LastMiniblockNum         int64
	MinipoolEvents           []protocol.Envelope
}

// SaveMiniblocks upserts blocks for a stream inside one transaction.
//
// A full block replaces anything. A partial block only replaces another
// partial block, so a cached full block is never downgraded. exclusionKey is
// the key of the filter that produced partial blocks; it is ignored for full
// ones.
func (s *Store) SaveMiniblocks(ctx context.Context, id streamid.ID, blocks []protocol.Miniblock, exclusionKey string, dir Direction) error {
	if len(blocks) == 0 {
		return nil
	}
	if dir == "" {
		dir = Forward
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save miniblocks: %w", err)
	}
	defer tx.Rollback()

	for _, mb := range blocks {
		data, err := marshalJSON(mb)
		if err != nil {
			return fmt.Errorf("save miniblock %s/%d: %w", id, mb.Header.Num, err)
		}
		key := ""
		if mb.Partial {
			key = exclusionKey
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO miniblocks (stream_id, num, hash, data, partial, exclusion_key, source)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(stream_id, num) DO UPDATE SET
				hash = excluded.hash,
				data = excluded.data,
				partial = excluded.partial,
				exclusion_key = excluded.exclusion_key,
				source = excluded.source
			WHERE excluded.partial = 0 OR miniblocks.partial = 1
		`,
			string(id),
			mb.Header.Num,
			mb.Hash.String(),
			data,
			boolToInt(mb.Partial),
			key,
			string(dir),
		)
		if err != nil {
			return fmt.Errorf("save miniblock %s/%d: %w", id, mb.Header.Num, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save miniblocks: %w", err)
	}
	return nil
}

// SaveSyncedStream records the resumption state for a stream.
func (s *Store) SaveSyncedStream(ctx context.Context, st PersistedSyncedStream) error {
	cookie, err := marshalJSON(st.SyncCookie)
	if err != nil {
		return fmt.Errorf("save synced stream %s: %w", st.StreamID, err)
	}
	minipool := st.MinipoolEvents
	if minipool == nil {
		minipool = []protocol.Envelope{}
	}
	pool, err := marshalJSON(minipool)
	if err != nil {
		return fmt.Errorf("save synced stream %s: %w", st.StreamID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO synced_streams
		(stream_id, sync_cookie, last_snapshot_num, last_miniblock_num, minipool, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			sync_cookie = excluded.sync_cookie,
			last_snapshot_num = excluded.last_snapshot_num,
			last_miniblock_num = excluded.last_miniblock_num,
			minipool = excluded.minipool,
			updated_at = excluded.updated_at
	`,
		string(st.StreamID),
		cookie,
		st.LastSnapshotMiniblockNum,
		st.LastMiniblockNum,
		pool,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save synced stream %s: %w", st.StreamID, err)
	}
	return nil
}

// SaveSnapshot stores the stream's snapshot taken at miniblock num. An older
// snapshot never replaces a newer one.
func (s *Store) SaveSnapshot(ctx context.Context, id streamid.ID, num int64, snap *protocol.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("save snapshot %s: nil snapshot", id)
	}
	data, err := marshalJSON(snap)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (stream_id, miniblock_num, data)
		VALUES (?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			miniblock_num = excluded.miniblock_num,
			data = excluded.data
		WHERE excluded.miniblock_num >= snapshots.miniblock_num
	`, string(id), num, data)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", id, err)
	}
	return nil
}

// SaveCleartext caches the decrypted form of an event.
// Uses ON CONFLICT DO UPDATE so a re-commit under the same id overwrites.
func (s *Store) SaveCleartext(ctx context.Context, eventID string, cleartext []byte) error {
	if cleartext == nil {
		cleartext = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cleartexts (event_id, cleartext)
		VALUES (?, ?)
		ON CONFLICT(event_id) DO UPDATE SET cleartext = excluded.cleartext
	`, eventID, cleartext)
	if err != nil {
		return fmt.Errorf("save cleartext %s: %w", eventID, err)
	}
	return nil
}

// SetHighPriorityStreams replaces the retention hint with ids, in order.
func (s *Store) SetHighPriorityStreams(ctx context.Context, ids []streamid.ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set high priority streams: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM high_priority_streams`); err != nil {
		return fmt.Errorf("set high priority streams: %w", err)
	}
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO high_priority_streams (stream_id, position) VALUES (?, ?)
			ON CONFLICT(stream_id) DO NOTHING
		`, string(id), i); err != nil {
			return fmt.Errorf("set high priority streams: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set high priority streams: %w", err)
	}
	return nil
}

// TouchStream records that the user looked at a stream at time at.
func (s *Store) TouchStream(ctx context.Context, id streamid.ID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_access (stream_id, last_accessed_at) VALUES (?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET last_accessed_at = excluded.last_accessed_at
		WHERE excluded.last_accessed_at > stream_access.last_accessed_at
	`, string(id), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("touch stream %s: %w", id, err)
	}
	return nil
}

// ForgetStream deletes everything stored for a stream except cleartexts,
// which are keyed by event and may be shared.
func (s *Store) ForgetStream(ctx context.Context, id streamid.ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("forget stream %s: %w", id, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"synced_streams", "miniblocks", "snapshots", "stream_access", "high_priority_streams"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE stream_id = ?", string(id)); err != nil {
			return fmt.Errorf("forget stream %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("forget stream %s: %w", id, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
