package syncctl

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/strand/internal/logging"
	"github.com/roach88/strand/internal/streamid"
)

// Lite hydrates only what the user is looking at: favorites and
// high-priority streams, then one eligible stream per tick. A DM or GDM is
// eligible, and so is a channel whose space is high priority. With nothing
// eligible it idles until the priority sets change.
//
// Lite never reports remote data as fully loaded.
type Lite struct {
	delegate    Delegate
	persistence Persistence
	opts        Options
	log         *logrus.Entry
	status      statusTracker
	persist     *limiter
	network     *limiter

	mu           sync.Mutex
	streamIDs    []streamid.ID
	known        streamid.Set
	highPriority []streamid.ID
	favorites    streamid.Set
	// attempted holds streams tried during this run, loaded or not.
	attempted streamid.Set
	loaded    streamid.Set
	changed   chan struct{}
	run       *liteRun
}

type liteRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Controller = (*Lite)(nil)

func NewLite(delegate Delegate, persistence Persistence, opts Options) *Lite {
	opts = opts.withDefaults()
	return &Lite{
		delegate:    delegate,
		persistence: persistence,
		opts:        opts,
		log:         logging.OrDiscard(opts.Log).WithField("controller", ModeLite),
		status:      statusTracker{delegate: delegate},
		persist:     newLimiter(opts.PersistenceConcurrency),
		network:     newLimiter(opts.NetworkConcurrency),
		known:       streamid.NewSet(),
		favorites:   streamid.NewSet(),
		attempted:   streamid.NewSet(),
		loaded:      streamid.NewSet(),
		changed:     make(chan struct{}, 1),
	}
}

func (l *Lite) SetStreamIDs(ids []streamid.ID) {
	l.mu.Lock()
	for _, id := range ids {
		if !l.known.Has(id) {
			l.known.Add(id)
			l.streamIDs = append(l.streamIDs, id)
		}
	}
	l.mu.Unlock()
	l.signal()
}

func (l *Lite) SetHighPriorityIDs(ids []streamid.ID) {
	ids = dedupe(ids)
	l.mu.Lock()
	l.highPriority = ids
	l.forgetFailures()
	ctx := context.Background()
	if l.run != nil {
		ctx = l.run.ctx
	}
	l.mu.Unlock()

	if err := l.persistence.SetHighPriorityStreams(ctx, ids); err != nil && ctx.Err() == nil {
		l.log.WithError(err).Warn("persist high priority streams")
	}
	l.signal()
}

func (l *Lite) SetFavoriteIDs(ids []streamid.ID) {
	l.mu.Lock()
	l.favorites = streamid.NewSet(ids...)
	l.forgetFailures()
	l.mu.Unlock()
	l.signal()
}

// forgetFailures lets streams that failed under the old priority sets be
// tried again. Callers hold l.mu.
func (l *Lite) forgetFailures() {
	for id := range l.attempted {
		if !l.loaded.Has(id) {
			l.attempted.Remove(id)
		}
	}
}

func (l *Lite) signal() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *Lite) Status() InitStatus { return l.status.get() }

func (l *Lite) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &liteRun{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	l.run = r
	l.attempted = streamid.NewSet()
	l.loaded = streamid.NewSet()
	l.status.reset()
	go l.loop(r)
}

func (l *Lite) Stop() {
	l.mu.Lock()
	r := l.run
	l.run = nil
	l.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (l *Lite) loop(r *liteRun) {
	defer close(r.done)
	ctx := r.ctx

	l.loadPriority(ctx)
	l.status.update(func(s *InitStatus) {
		s.IsHighPriorityDataLoaded = true
		s.IsLocalDataLoaded = true
	})
	l.emitProgress()
	if err := l.delegate.StartSyncStreams(ctx, nil); err != nil && ctx.Err() == nil {
		l.log.WithError(err).Warn("start sync streams")
	}

	ticker := time.NewTicker(l.opts.LiteTick)
	defer ticker.Stop()
	idle := false
	for {
		var tick <-chan time.Time
		if !idle {
			tick = ticker.C
		}
		select {
		case <-ctx.Done():
			return
		case <-l.changed:
			l.loadPriority(ctx)
			idle = false
		case <-tick:
			if !l.hydrateNext(ctx) {
				l.log.Debug("nothing eligible, idling")
				idle = true
			}
		}
		l.emitProgress()
	}
}

// loadPriority loads favorites and high-priority streams not yet tried,
// from persistence when possible and otherwise from the network.
func (l *Lite) loadPriority(ctx context.Context) {
	l.mu.Lock()
	var ids []streamid.ID
	for _, id := range dedupe(append(append([]streamid.ID(nil), l.highPriority...), l.favorites.Sorted()...)) {
		if !l.attempted.Has(id) {
			l.attempted.Add(id)
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	res, err := l.persistence.LoadStreams(ctx, ids)
	if err != nil {
		l.log.WithError(err).Warn("load priority streams from persistence")
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		persisted := res.Streams[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			lim := l.persist
			if persisted == nil {
				lim = l.network
			}
			l.record(ctx, id, lim.do(ctx, func() error {
				return l.delegate.InitStream(ctx, id, true, persisted)
			}))
		}()
	}
	wg.Wait()
}

// hydrateNext initializes the best eligible stream. Returns false when
// nothing is eligible.
func (l *Lite) hydrateNext(ctx context.Context) bool {
	l.mu.Lock()
	eligible := l.eligible()
	if len(eligible) == 0 {
		l.mu.Unlock()
		return false
	}
	NewPrioritizer(streamid.NewSet(l.highPriority...), l.favorites).Sort(eligible, nil)
	id := eligible[0]
	l.attempted.Add(id)
	l.mu.Unlock()

	l.log.WithField("stream", id).Debug("hydrating")
	l.record(ctx, id, l.network.do(ctx, func() error {
		return l.delegate.InitStream(ctx, id, true, nil)
	}))
	return true
}

// eligible returns untried streams Lite may hydrate under the current
// priority sets. Callers hold l.mu.
func (l *Lite) eligible() []streamid.ID {
	p := NewPrioritizer(streamid.NewSet(l.highPriority...), l.favorites)
	var out []streamid.ID
	for _, id := range l.streamIDs {
		if l.attempted.Has(id) {
			continue
		}
		if id.IsDMOrGDM() || (id.IsChannel() && p.inHighPrioritySpace(id)) {
			out = append(out, id)
		}
	}
	return out
}

func (l *Lite) record(ctx context.Context, id streamid.ID, err error) {
	if err != nil {
		if ctx.Err() == nil {
			l.log.WithError(err).WithField("stream", id).Warn("init stream")
		}
		return
	}
	l.mu.Lock()
	l.loaded.Add(id)
	l.mu.Unlock()
}

// emitProgress reports loaded over everything Lite currently wants.
func (l *Lite) emitProgress() {
	l.mu.Lock()
	wanted := streamid.NewSet(l.highPriority...)
	for id := range l.favorites {
		wanted.Add(id)
	}
	for _, id := range l.eligible() {
		wanted.Add(id)
	}
	for id := range l.attempted {
		wanted.Add(id)
	}
	done := 0
	for id := range wanted {
		if l.loaded.Has(id) {
			done++
		}
	}
	l.mu.Unlock()
	l.status.update(func(s *InitStatus) {
		s.Progress = progress(len(wanted), len(wanted)-done)
	})
}
