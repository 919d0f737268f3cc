package client

import (
	"context"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/streamid"
)

// ScrollbackResult reports where history now starts.
type ScrollbackResult struct {
	// Terminus is true once the genesis miniblock is known.
	Terminus                  bool
	FromInclusiveMiniblockNum int64
}

// Scrollback extends a stream's known history backward.
type Scrollback struct {
	reg      *Registry
	filter   protocol.ExclusionFilter
	log      *logrus.Entry
	requests *pendingRequests[ScrollbackResult]
}

func newScrollback(r *Registry) *Scrollback {
	return &Scrollback{
		reg:      r,
		filter:   r.opts.ScrollbackFilter,
		log:      r.log.WithField("component", "scrollback"),
		requests: newPendingRequests[ScrollbackResult](),
	}
}

// Scrollback loads the miniblocks between the stream's previous snapshot
// and its earliest known miniblock and prepends them. Concurrent calls for
// one stream share a request.
//
// If the earliest known miniblock changed while fetching, the results are
// dropped and Terminus is false.
func (s *Scrollback) Scrollback(ctx context.Context, id streamid.ID) (ScrollbackResult, error) {
	res, _, err := s.requests.Do(ctx, id, func(ctx context.Context) (ScrollbackResult, error) {
		return s.scrollback(ctx, id)
	})
	return res, err
}

func (s *Scrollback) scrollback(ctx context.Context, id streamid.ID) (ScrollbackResult, error) {
	h := s.reg.Get(id)
	if h == nil {
		return ScrollbackResult{}, newError(ErrCodeStreamNotFound, id, "scrollback on unregistered stream")
	}
	from, to, terminus, ok := h.scrollbackRange()
	if !ok {
		return ScrollbackResult{}, newError(ErrCodeNotInitialized, id, "scrollback before initialization")
	}
	if terminus {
		return ScrollbackResult{Terminus: true, FromInclusiveMiniblockNum: to}, nil
	}

	log := s.log.WithFields(logrus.Fields{"stream": id, "from": from, "to": to})
	blocks, reachedGenesis, err := s.getMiniblocks(ctx, id, from, to)
	if err != nil {
		return ScrollbackResult{}, err
	}

	cleartexts, err := s.reg.store.GetCleartexts(ctx, eventIDs(blocks, nil))
	if err != nil {
		log.WithError(err).Warn("scrollback: cleartext lookup failed")
	}

	if !h.prependIf(to, blocks, cleartexts, reachedGenesis) {
		log.Debug("scrollback: stream changed during fetch, discarding")
		return ScrollbackResult{FromInclusiveMiniblockNum: from}, nil
	}
	log.WithField("miniblocks", len(blocks)).Debug("scrollback: prepended")
	return ScrollbackResult{Terminus: reachedGenesis, FromInclusiveMiniblockNum: from}, nil
}

// getMiniblocks returns [from, to) oldest first: the contiguous tail that is
// cached locally, and the rest from the node. Fetched blocks are cached.
func (s *Scrollback) getMiniblocks(ctx context.Context, id streamid.ID, from, to int64) ([]protocol.Miniblock, bool, error) {
	key := s.filter.Key()
	var cached []protocol.Miniblock
	for num := to - 1; num >= from; num-- {
		stored, err := s.reg.store.GetMiniblock(ctx, id, num)
		if err != nil {
			s.log.WithError(err).WithField("stream", id).Warn("scrollback: cache read failed")
			break
		}
		if !usable(stored, key) {
			break
		}
		cached = append(cached, stored.Miniblock)
		to = num
	}
	slices.Reverse(cached)
	cached = s.filter.ApplyAll(cached)

	if to == from {
		return cached, to == 0, nil
	}

	resp, err := s.reg.rpc.GetMiniblocks(ctx, id, from, to, s.filter)
	if err != nil {
		return nil, false, fmt.Errorf("scrollback %s [%d, %d): %w", id, from, to, err)
	}
	if err := s.reg.store.SaveMiniblocks(ctx, id, resp.Miniblocks, key, store.Backward); err != nil {
		s.log.WithError(err).WithField("stream", id).Warn("scrollback: cache write failed")
	}
	return append(resp.Miniblocks, cached...), resp.Terminus, nil
}

// usable reports whether a cached block can serve a request under the
// filter with the given key: full blocks always can, partial blocks only
// under the same filter.
func usable(stored *store.StoredMiniblock, key string) bool {
	if stored == nil {
		return false
	}
	if !stored.Miniblock.Partial {
		return true
	}
	return key != "" && stored.ExclusionKey == key
}
