package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
)

// LoadedStream is everything needed to hydrate a stream without the network.
type LoadedStream struct {
	Persisted                PersistedSyncedStream
	Miniblocks               []protocol.Miniblock
	Snapshot                 *protocol.Snapshot
	PrevSnapshotMiniblockNum int64
	Cleartexts               map[string][]byte
}

// LoadStreamsResult is the batch form of LoadStream. Streams only holds ids
// that loaded; LastAccessedAt holds every requested id ever touched.
type LoadStreamsResult struct {
	Streams        map[streamid.ID]*LoadedStream
	LastAccessedAt map[streamid.ID]time.Time
}

// StoredMiniblock is a cached miniblock and the key of the exclusion filter
// that produced it ("" for full blocks).
type StoredMiniblock struct {
	Miniblock    protocol.Miniblock
	ExclusionKey string
}

// LoadStream returns the persisted state of a stream, or nil when the store
// cannot reconstruct it: no synced-stream record, no snapshot, or any full
// miniblock missing between the last snapshot and the last miniblock.
func (s *Store) LoadStream(ctx context.Context, id streamid.ID) (*LoadedStream, error) {
	persisted, err := s.readSyncedStream(ctx, id)
	if err != nil || persisted == nil {
		return nil, err
	}

	blocks, err := s.readFullRange(ctx, id, persisted.LastSnapshotMiniblockNum, persisted.LastMiniblockNum)
	if err != nil {
		return nil, err
	}
	want := persisted.LastMiniblockNum - persisted.LastSnapshotMiniblockNum + 1
	if int64(len(blocks)) != want || protocol.VerifyChain(blocks) != nil {
		return nil, nil
	}

	snap, err := s.readSnapshot(ctx, id, persisted.LastSnapshotMiniblockNum)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap = blocks[0].Header.Snapshot
	}
	if snap == nil {
		return nil, nil
	}

	var eventIDs []string
	for _, mb := range blocks {
		for _, ev := range mb.Events {
			eventIDs = append(eventIDs, ev.ID())
		}
	}
	for _, ev := range persisted.MinipoolEvents {
		eventIDs = append(eventIDs, ev.ID())
	}
	cleartexts, err := s.GetCleartexts(ctx, eventIDs)
	if err != nil {
		return nil, err
	}

	return &LoadedStream{
		Persisted:                *persisted,
		Miniblocks:               blocks,
		Snapshot:                 snap,
		PrevSnapshotMiniblockNum: blocks[0].Header.PrevSnapshotMiniblockNum,
		Cleartexts:               cleartexts,
	}, nil
}

// LoadStreams loads a batch of streams and their last-access times.
func (s *Store) LoadStreams(ctx context.Context, ids []streamid.ID) (LoadStreamsResult, error) {
	res := LoadStreamsResult{
		Streams:        make(map[streamid.ID]*LoadedStream, len(ids)),
		LastAccessedAt: make(map[streamid.ID]time.Time, len(ids)),
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		loaded, err := s.LoadStream(ctx, id)
		if err != nil {
			return res, fmt.Errorf("load stream %s: %w", id, err)
		}
		if loaded != nil {
			res.Streams[id] = loaded
		}
	}

	access, err := s.LastAccessed(ctx, ids)
	if err != nil {
		return res, err
	}
	res.LastAccessedAt = access
	return res, nil
}

// LastAccessed returns the last-access time of each id that has one.
func (s *Store) LastAccessed(ctx context.Context, ids []streamid.ID) (map[streamid.ID]time.Time, error) {
	out := make(map[streamid.ID]time.Time, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, last_accessed_at FROM stream_access
		WHERE stream_id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query stream access: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var ms int64
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, fmt.Errorf("scan stream access: %w", err)
		}
		out[streamid.ID(id)] = time.UnixMilli(ms)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream access: %w", err)
	}
	return out, nil
}

// GetMiniblock returns a cached miniblock, or nil if none is stored.
func (s *Store) GetMiniblock(ctx context.Context, id streamid.ID, num int64) (*StoredMiniblock, error) {
	var data, key string
	err := s.db.QueryRowContext(ctx, `
		SELECT data, exclusion_key FROM miniblocks WHERE stream_id = ? AND num = ?
	`, string(id), num).Scan(&data, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get miniblock %s/%d: %w", id, num, err)
	}
	var mb protocol.Miniblock
	if err := unmarshalJSON(data, &mb); err != nil {
		return nil, fmt.Errorf("get miniblock %s/%d: %w", id, num, err)
	}
	return &StoredMiniblock{Miniblock: mb, ExclusionKey: key}, nil
}

// GetCleartext returns the cached cleartext for an event. ok is false when
// nothing is cached.
func (s *Store) GetCleartext(ctx context.Context, eventID string) ([]byte, bool, error) {
	var out []byte
	err := s.db.QueryRowContext(ctx, `SELECT cleartext FROM cleartexts WHERE event_id = ?`, eventID).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cleartext %s: %w", eventID, err)
	}
	return out, true, nil
}

// GetCleartexts returns cached cleartexts for the given events. Events with
// nothing cached are absent from the map.
func (s *Store) GetCleartexts(ctx context.Context, eventIDs []string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	// SQLite's default variable limit is 999.
	const chunk = 500
	for start := 0; start < len(eventIDs); start += chunk {
		end := min(start+chunk, len(eventIDs))
		batch := eventIDs[start:end]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT event_id, cleartext FROM cleartexts
			WHERE event_id IN (`+placeholders(len(batch))+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("query cleartexts: %w", err)
		}
		for rows.Next() {
			var id string
			var ct []byte
			if err := rows.Scan(&id, &ct); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan cleartext: %w", err)
			}
			out[id] = ct
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate cleartexts: %w", err)
		}
	}
	return out, nil
}

// ListSyncedStreams returns the ids of every stream with a synced-stream
// record, sorted.
func (s *Store) ListSyncedStreams(ctx context.Context) ([]streamid.ID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id FROM synced_streams ORDER BY stream_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query synced streams: %w", err)
	}
	defer rows.Close()

	ids := []streamid.ID{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan synced stream: %w", err)
		}
		ids = append(ids, streamid.ID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate synced streams: %w", err)
	}
	return ids, nil
}

// HighPriorityStreams returns the retention hint in the order it was set.
func (s *Store) HighPriorityStreams(ctx context.Context) ([]streamid.ID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id FROM high_priority_streams ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query high priority streams: %w", err)
	}
	defer rows.Close()

	ids := []streamid.ID{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan high priority stream: %w", err)
		}
		ids = append(ids, streamid.ID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate high priority streams: %w", err)
	}
	return ids, nil
}

// readSyncedStream returns nil if the stream has no record.
func (s *Store) readSyncedStream(ctx context.Context, id streamid.ID) (*PersistedSyncedStream, error) {
	var cookie, pool string
	st := PersistedSyncedStream{StreamID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT sync_cookie, last_snapshot_num, last_miniblock_num, minipool
		FROM synced_streams WHERE stream_id = ?
	`, string(id)).Scan(&cookie, &st.LastSnapshotMiniblockNum, &st.LastMiniblockNum, &pool)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read synced stream %s: %w", id, err)
	}
	if err := unmarshalJSON(cookie, &st.SyncCookie); err != nil {
		return nil, fmt.Errorf("read synced stream %s: %w", id, err)
	}
	if err := unmarshalJSON(pool, &st.MinipoolEvents); err != nil {
		return nil, fmt.Errorf("read synced stream %s: %w", id, err)
	}
	return &st, nil
}

// readFullRange returns the full (non-partial) miniblocks in [from, to],
// ascending. Gaps are the caller's problem.
func (s *Store) readFullRange(ctx context.Context, id streamid.ID, from, to int64) ([]protocol.Miniblock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM miniblocks
		WHERE stream_id = ? AND num BETWEEN ? AND ? AND partial = 0
		ORDER BY num ASC
	`, string(id), from, to)
	if err != nil {
		return nil, fmt.Errorf("query miniblocks %s: %w", id, err)
	}
	defer rows.Close()

	var blocks []protocol.Miniblock
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan miniblock: %w", err)
		}
		var mb protocol.Miniblock
		if err := unmarshalJSON(data, &mb); err != nil {
			return nil, err
		}
		blocks = append(blocks, mb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate miniblocks: %w", err)
	}
	return blocks, nil
}

// readSnapshot returns the stored snapshot if it was taken at num.
func (s *Store) readSnapshot(ctx context.Context, id streamid.ID, num int64) (*protocol.Snapshot, error) {
	var data string
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT miniblock_num, data FROM snapshots WHERE stream_id = ?
	`, string(id)).Scan(&at, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	if at != num {
		return nil, nil
	}
	var snap protocol.Snapshot
	if err := unmarshalJSON(data, &snap); err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	return &snap, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
