package syncctl

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/strand/internal/logging"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/streamid"
)

// Full hydrates every stream the account belongs to: high-priority streams
// first, then the rest from persistence in priority batches, then whatever
// persistence could not satisfy from the network.
type Full struct {
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
	run          *fullRun
}

// idState tracks one stream through a run.
type idState int

const (
	idPending idState = iota
	idInFlight
	idNeedsNetwork
	idDone
)

// fullRun is the state of one Start..Stop lifetime. Fields below wg are
// guarded by Full.mu.
type fullRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	queue  *phaseQueue
	wg     sync.WaitGroup

	states         map[streamid.ID]idState
	remaining      []streamid.ID
	lastAccessed   map[streamid.ID]time.Time
	total          int
	settled        int
	pendingNetwork int
	tasks          int
	localDone      bool
	networkStarted bool
}

var _ Controller = (*Full)(nil)

func NewFull(delegate Delegate, persistence Persistence, opts Options) *Full {
	opts = opts.withDefaults()
	return &Full{
		delegate:    delegate,
		persistence: persistence,
		opts:        opts,
		log:         logging.OrDiscard(opts.Log).WithField("controller", ModeFull),
		status:      statusTracker{delegate: delegate},
		persist:     newLimiter(opts.PersistenceConcurrency),
		network:     newLimiter(opts.NetworkConcurrency),
		known:       streamid.NewSet(),
		favorites:   streamid.NewSet(),
	}
}

func (f *Full) SetStreamIDs(ids []streamid.ID) {
	f.mu.Lock()
	var added []streamid.ID
	for _, id := range ids {
		if f.known.Has(id) {
			continue
		}
		f.known.Add(id)
		f.streamIDs = append(f.streamIDs, id)
		added = append(added, id)
	}
	r := f.run
	if r != nil {
		added = r.admit(added)
	}
	f.mu.Unlock()

	if r != nil && len(added) > 0 {
		f.log.WithField("streams", len(added)).Debug("streams added while running")
		f.enqueue(r, task{phase: phaseAdded, ids: added})
		f.emitProgress(r)
	}
}

func (f *Full) SetHighPriorityIDs(ids []streamid.ID) {
	ids = dedupe(ids)
	f.mu.Lock()
	prev := streamid.NewSet(f.highPriority...)
	f.highPriority = ids
	r := f.run
	var promoted []streamid.ID
	if r != nil {
		for _, id := range ids {
			if !prev.Has(id) {
				promoted = append(promoted, id)
			}
		}
		r.admit(promoted)
	}
	f.mu.Unlock()

	ctx := context.Background()
	if r != nil {
		ctx = r.ctx
	}
	if err := f.persistence.SetHighPriorityStreams(ctx, ids); err != nil && ctx.Err() == nil {
		f.log.WithError(err).Warn("persist high priority streams")
	}
	if r != nil && len(promoted) > 0 {
		f.mu.Lock()
		r.tasks++
		f.mu.Unlock()
		if !r.queue.PushFront(task{phase: phasePromote, ids: promoted}) {
			f.finishTask(r)
		}
	}
}

func (f *Full) SetFavoriteIDs(ids []streamid.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.favorites = streamid.NewSet(ids...)
}

func (f *Full) Status() InitStatus { return f.status.get() }

// Start begins hydration. isHighPriorityDataLoaded starts false again for
// the new run.
func (f *Full) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.run != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &fullRun{
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		queue:        newPhaseQueue(),
		states:       make(map[streamid.ID]idState),
		lastAccessed: make(map[streamid.ID]time.Time),
	}
	all := slices.Clone(f.highPriority)
	for _, id := range f.streamIDs {
		if !slices.Contains(f.highPriority, id) {
			all = append(all, id)
		}
	}
	r.admit(all)
	f.status.reset()
	r.tasks = 1
	r.queue.PushBack(task{phase: phaseHighPriority, ids: slices.Clone(f.highPriority)})
	f.run = r
	f.log.WithFields(logrus.Fields{"streams": r.total, "high_priority": len(f.highPriority)}).Info("sync starting")
	go f.loop(r)
}

// Stop cancels the run and waits for every in-flight load.
func (f *Full) Stop() {
	f.mu.Lock()
	r := f.run
	f.run = nil
	f.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	r.queue.Close()
	<-r.done
	r.wg.Wait()
	f.log.Debug("sync stopped")
}

func (f *Full) loop(r *fullRun) {
	defer close(r.done)
	for {
		t, ok := r.queue.TryPop()
		if !ok {
			select {
			case <-r.ctx.Done():
				return
			case _, open := <-r.queue.Wait():
				if !open {
					return
				}
			}
			continue
		}
		if r.ctx.Err() != nil {
			return
		}
		f.log.WithFields(logrus.Fields{"phase": t.phase, "streams": len(t.ids)}).Debug("phase")
		f.step(r, t)
		f.finishTask(r)
	}
}

// enqueue appends t to the run's queue. Queued and executing tasks count
// as outstanding work, so remote data is never reported loaded while one
// of them could still start a load.
func (f *Full) enqueue(r *fullRun, t task) {
	f.mu.Lock()
	r.tasks++
	f.mu.Unlock()
	if !r.queue.PushBack(t) {
		f.finishTask(r)
	}
}

func (f *Full) finishTask(r *fullRun) {
	f.mu.Lock()
	r.tasks--
	f.mu.Unlock()
	f.emitProgress(r)
}

func (f *Full) step(r *fullRun, t task) {
	ctx := r.ctx
	switch t.phase {
	case phaseHighPriority:
		f.loadHighPriority(ctx, r, t.ids)

	case phaseBatch:
		f.mu.Lock()
		f.prioritizer().Sort(r.remaining, r.lastAccessed)
		n := min(f.opts.BatchSize, len(r.remaining))
		batch := r.claim(r.remaining[:n])
		r.remaining = slices.Clone(r.remaining[n:])
		more := len(r.remaining) > 0
		hp := streamid.NewSet(f.highPriority...)
		f.mu.Unlock()

		f.loadBatch(ctx, r, batch, hp.Has)
		if more {
			f.enqueue(r, task{phase: phaseBatch})
		} else {
			f.enqueue(r, task{phase: phaseLocalDone})
		}

	case phaseLocalDone:
		f.mu.Lock()
		r.localDone = true
		f.mu.Unlock()
		f.log.Info("streams loaded from persistence")
		f.emitProgress(r)
		f.enqueue(r, task{phase: phaseNetwork})

	case phaseNetwork:
		f.mu.Lock()
		r.networkStarted = true
		f.mu.Unlock()
		f.dispatchNetwork(ctx, r)

	case phasePromote:
		f.mu.Lock()
		ids := r.claim(t.ids)
		started := r.networkStarted
		f.mu.Unlock()
		f.loadBatch(ctx, r, ids, func(streamid.ID) bool { return true })
		if started {
			// Failed promotions fall back to the network queue.
			f.dispatchNetwork(ctx, r)
		}

	case phaseAdded:
		f.mu.Lock()
		ids := r.claim(t.ids)
		started := r.networkStarted
		hp := streamid.NewSet(f.highPriority...)
		f.mu.Unlock()
		f.loadBatch(ctx, r, ids, hp.Has)
		if started {
			f.dispatchNetwork(ctx, r)
		}
	}
}

// loadHighPriority loads the high-priority streams that persistence has,
// reports them loaded, starts live sync, and freezes the remainder.
func (f *Full) loadHighPriority(ctx context.Context, r *fullRun, hp []streamid.ID) {
	f.mu.Lock()
	all := slices.Collect(maps.Keys(r.states))
	f.mu.Unlock()

	access, err := f.persistence.LastAccessed(ctx, all)
	if err != nil {
		f.log.WithError(err).Warn("load last access times")
	}

	res, err := f.persistence.LoadStreams(ctx, hp)
	if err != nil {
		f.log.WithError(err).Warn("load high priority streams from persistence")
	}
	f.mu.Lock()
	maps.Copy(r.lastAccessed, access)
	maps.Copy(r.lastAccessed, res.LastAccessedAt)
	var present []streamid.ID
	for _, id := range hp {
		if res.Streams[id] != nil {
			present = append(present, id)
		}
	}
	present = r.claim(present)
	f.mu.Unlock()

	f.loadLoaded(ctx, r, present, res.Streams, func(streamid.ID) bool { return true })
	f.status.update(func(s *InitStatus) {
		s.IsHighPriorityDataLoaded = true
	})
	f.emitProgress(r)

	f.mu.Lock()
	lastAccessed := maps.Clone(r.lastAccessed)
	r.remaining = r.remaining[:0]
	for _, id := range f.orderedIDs() {
		if r.states[id] == idPending {
			r.remaining = append(r.remaining, id)
		}
	}
	empty := len(r.remaining) == 0
	f.mu.Unlock()

	if err := f.delegate.StartSyncStreams(ctx, lastAccessed); err != nil && ctx.Err() == nil {
		f.log.WithError(err).Warn("start sync streams")
	}
	if empty {
		f.enqueue(r, task{phase: phaseLocalDone})
	} else {
		f.enqueue(r, task{phase: phaseBatch})
	}
}

// loadBatch loads ids from persistence. Streams persistence cannot serve
// are fetched from the network when allowNetwork says so, and otherwise
// left for the network phase.
func (f *Full) loadBatch(ctx context.Context, r *fullRun, ids []streamid.ID, allowNetwork func(streamid.ID) bool) {
	if len(ids) == 0 {
		return
	}
	res, err := f.persistence.LoadStreams(ctx, ids)
	if err != nil {
		f.log.WithError(err).Warn("load streams from persistence")
	}
	f.mu.Lock()
	maps.Copy(r.lastAccessed, res.LastAccessedAt)
	f.mu.Unlock()
	f.loadLoaded(ctx, r, ids, res.Streams, allowNetwork)
}

func (f *Full) loadLoaded(ctx context.Context, r *fullRun, ids []streamid.ID, loaded map[streamid.ID]*store.LoadedStream, allowNetwork func(streamid.ID) bool) {
	var wg sync.WaitGroup
	for _, id := range ids {
		persisted := loaded[id]
		network := allowNetwork(id)
		if persisted == nil && !network {
			f.settle(r, id, idNeedsNetwork)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			lim := f.persist
			if persisted == nil {
				lim = f.network
			}
			err := lim.do(ctx, func() error {
				return f.delegate.InitStream(ctx, id, network, persisted)
			})
			if err != nil {
				if ctx.Err() == nil {
					f.log.WithError(err).WithField("stream", id).Warn("init stream from persistence")
				}
				f.settle(r, id, idNeedsNetwork)
				return
			}
			f.settle(r, id, idDone)
		}()
	}
	wg.Wait()
}

// dispatchNetwork fetches every stream waiting for the network, highest
// priority first. Fetches are started in order as limiter slots free up.
func (f *Full) dispatchNetwork(ctx context.Context, r *fullRun) {
	f.mu.Lock()
	var ids []streamid.ID
	for id, st := range r.states {
		if st == idNeedsNetwork {
			ids = append(ids, id)
			r.states[id] = idInFlight
		}
	}
	f.prioritizer().Sort(ids, r.lastAccessed)
	r.pendingNetwork += len(ids)
	f.mu.Unlock()

	if len(ids) > 0 {
		f.log.WithField("streams", len(ids)).Info("loading streams from network")
	}
	f.emitProgress(r)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for i, id := range ids {
			if err := f.network.acquire(ctx); err != nil {
				f.abandonNetwork(r, len(ids)-i)
				return
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer f.network.release()
				err := f.delegate.InitStream(ctx, id, true, nil)
				if err != nil && ctx.Err() == nil {
					f.log.WithError(err).WithField("stream", id).Warn("init stream from network")
				}
				f.mu.Lock()
				r.pendingNetwork--
				f.mu.Unlock()
				f.settle(r, id, idDone)
			}()
		}
	}()
}

func (f *Full) abandonNetwork(r *fullRun, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.pendingNetwork -= n
}

// settle records the outcome for id and reports progress.
func (f *Full) settle(r *fullRun, id streamid.ID, st idState) {
	f.mu.Lock()
	if st == idDone && r.states[id] != idDone {
		r.settled++
	}
	r.states[id] = st
	f.mu.Unlock()
	f.emitProgress(r)
}

func (f *Full) emitProgress(r *fullRun) {
	f.mu.Lock()
	if f.run != r {
		f.mu.Unlock()
		return
	}
	local := r.localDone
	busy := r.tasks > 0 || r.pendingNetwork > 0
	for _, st := range r.states {
		if st != idDone {
			busy = true
			break
		}
	}
	remote := local && r.networkStarted && !busy
	p := progress(r.total, r.total-r.settled)
	if remote {
		p = 1
	}
	f.mu.Unlock()

	f.status.update(func(s *InitStatus) {
		s.IsLocalDataLoaded = local
		s.IsRemoteDataLoaded = remote
		s.Progress = p
	})
}

// prioritizer snapshots the current priority sets. Callers hold f.mu.
func (f *Full) prioritizer() *Prioritizer {
	return NewPrioritizer(streamid.NewSet(f.highPriority...), f.favorites.Clone())
}

// orderedIDs returns high-priority ids then the stream set, deduplicated.
// Callers hold f.mu.
func (f *Full) orderedIDs() []streamid.ID {
	return dedupe(append(slices.Clone(f.highPriority), f.streamIDs...))
}

// admit adds ids the run has not seen and returns them.
func (r *fullRun) admit(ids []streamid.ID) []streamid.ID {
	var out []streamid.ID
	for _, id := range ids {
		if _, ok := r.states[id]; ok {
			continue
		}
		r.states[id] = idPending
		r.total++
		out = append(out, id)
	}
	return out
}

// claim marks the pending or network-waiting ids as in flight and returns
// them.
func (r *fullRun) claim(ids []streamid.ID) []streamid.ID {
	var out []streamid.ID
	for _, id := range ids {
		switch r.states[id] {
		case idPending, idNeedsNetwork:
			r.states[id] = idInFlight
			out = append(out, id)
		}
	}
	return out
}

func dedupe(ids []streamid.ID) []streamid.ID {
	seen := streamid.NewSet()
	out := make([]streamid.ID, 0, len(ids))
	for _, id := range ids {
		if seen.Has(id) {
			continue
		}
		seen.Add(id)
		out = append(out, id)
	}
	return out
}
