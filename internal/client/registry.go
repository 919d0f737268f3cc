package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/strand/internal/logging"
	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/rpc"
	"github.com/roach88/strand/internal/signer"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/streamid"
	"github.com/roach88/strand/internal/syncctl"
)

// Options configures a Registry and the committer and scrollback it owns.
type Options struct {
	Log      *logrus.Entry
	Notifier *Notifier
	LocalIDs LocalIDGenerator
	Sleeper  Sleeper
	Commit   CommitPolicy

	// WaitTimeout bounds Init when it has to wait for another
	// initialization of the same stream. Zero means DefaultWaitTimeout.
	WaitTimeout time.Duration

	// ScrollbackFilter is applied to history fetched by scrollback.
	ScrollbackFilter protocol.ExclusionFilter

	// SyncInterval is how often the live-sync set polls the node. Zero
	// disables polling; miniblocks then arrive through ApplyMiniblock.
	SyncInterval time.Duration
}

// DefaultWaitTimeout bounds Init on a handle someone else is initializing
// when Options.WaitTimeout is unset.
const DefaultWaitTimeout = 30 * time.Second

// Registry is the single source of truth for which streams exist locally and
// whether they are initialized.
type Registry struct {
	rpc    rpc.Client
	store  Persistence
	signer signer.Signer
	opts   Options
	log    *logrus.Entry

	notifier   *Notifier
	committer  *Committer
	scrollback *Scrollback
	syncSet    *SyncSet

	mu       sync.RWMutex
	streams  map[streamid.ID]*StreamHandle
	creating streamid.Set
	status   syncctl.InitStatus

	getRequests   *pendingRequests[*StreamView]
	getExRequests *pendingRequests[*StreamView]
	initRequests  *pendingRequests[*StreamHandle]
}

var _ syncctl.Delegate = (*Registry)(nil)

// New creates a registry talking to node, persisting to st and signing with
// s.
func New(node rpc.Client, st Persistence, s signer.Signer, opts Options) *Registry {
	if opts.Notifier == nil {
		opts.Notifier = NewNotifier()
	}
	if opts.LocalIDs == nil {
		opts.LocalIDs = UUIDv7Generator{}
	}
	if opts.Sleeper == nil {
		opts.Sleeper = TimerSleeper{}
	}
	opts.Commit = opts.Commit.withDefaults()
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}

	r := &Registry{
		rpc:           node,
		store:         st,
		signer:        s,
		opts:          opts,
		log:           logging.OrDiscard(opts.Log),
		notifier:      opts.Notifier,
		streams:       make(map[streamid.ID]*StreamHandle),
		creating:      streamid.NewSet(),
		getRequests:   newPendingRequests[*StreamView](),
		getExRequests: newPendingRequests[*StreamView](),
		initRequests:  newPendingRequests[*StreamHandle](),
	}
	r.committer = newCommitter(r)
	r.scrollback = newScrollback(r)
	r.syncSet = newSyncSet(r, opts.SyncInterval)
	return r
}

// Committer returns the committer that posts events through this registry.
func (r *Registry) Committer() *Committer { return r.committer }

// Scrollback returns the backward history pager for registered streams.
func (r *Registry) Scrollback() *Scrollback { return r.scrollback }

// SyncSet returns the set of streams kept live against the node.
func (r *Registry) SyncSet() *SyncSet { return r.syncSet }

// Notifier returns the notifier lifecycle events are emitted on.
func (r *Registry) Notifier() *Notifier { return r.notifier }

// Subscribe registers l for lifecycle notifications.
func (r *Registry) Subscribe(l Listener) (unsubscribe func()) {
	return r.notifier.Subscribe(l)
}

// UserID returns the hex address of the signing account.
func (r *Registry) UserID() string { return hex.EncodeToString(r.signer.Address()) }

// UserStreamID returns the account's own user stream id.
func (r *Registry) UserStreamID() streamid.ID {
	id, err := streamid.UserStreamID(streamid.PrefixUser, r.signer.Address())
	if err != nil {
		panic(fmt.Sprintf("signer address: %v", err))
	}
	return id
}

// Get returns the handle for id, or nil. No I/O.
func (r *Registry) Get(id streamid.ID) *StreamHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[id]
}

// StreamIDs returns every registered id, sorted.
func (r *Registry) StreamIDs() []streamid.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := streamid.NewSet()
	for id := range r.streams {
		set.Add(id)
	}
	return set.Sorted()
}

// Create registers an empty handle. Fails if one exists.
func (r *Registry) Create(id streamid.ID) (*StreamHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[id]; ok {
		return nil, newError(ErrCodeStreamExists, id, "stream already registered")
	}
	h := newStreamHandle(id)
	r.streams[id] = h
	return h, nil
}

// remove drops the handle and stops live sync for it.
func (r *Registry) remove(id streamid.ID, notify bool) {
	r.mu.Lock()
	_, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()
	r.syncSet.Remove(id)
	if ok && notify {
		r.notifier.emit(Notification{Kind: StreamRemoved, StreamID: id})
	}
}

// RemoveStream drops a stream from the registry and live sync.
func (r *Registry) RemoveStream(id streamid.ID) {
	r.log.WithField("stream", id).Debug("removing stream")
	r.remove(id, true)
}

// Init initializes id, at most once concurrently. See initStream for the
// order of sources.
func (r *Registry) Init(ctx context.Context, id streamid.ID, allowNetwork bool, persisted *store.LoadedStream) (*StreamHandle, error) {
	h, shared, err := r.initRequests.Do(ctx, id, func(ctx context.Context) (*StreamHandle, error) {
		return r.initStream(ctx, id, allowNetwork, persisted)
	})
	if shared {
		r.log.WithField("stream", id).Debug("init stream: joined existing request")
	}
	return h, err
}

// initStream hydrates from persisted data first, then from the network.
// A failure removes the handle it created.
func (r *Registry) initStream(ctx context.Context, id streamid.ID, allowNetwork bool, persisted *store.LoadedStream) (*StreamHandle, error) {
	log := r.log.WithField("stream", id)
	if h := r.Get(id); h != nil {
		if h.IsInitialized() {
			return h, nil
		}
		log.Debug("init stream: waiting for existing handle")
		return r.WaitFor(ctx, id, r.opts.WaitTimeout)
	}

	h, err := r.Create(id)
	if err != nil {
		return nil, err
	}

	if persisted == nil {
		persisted, err = r.store.LoadStream(ctx, id)
		if err != nil {
			log.WithError(err).Warn("init stream: load from persistence failed")
			persisted = nil
		}
	}
	loaded, err := h.initializeFromPersistence(persisted)
	if err != nil {
		log.WithError(err).Warn("init stream: persisted events not applied to state")
	}
	if loaded {
		log.Debug("init stream: loaded from persistence")
		r.afterInit(h)
		return h, nil
	}

	if !allowNetwork {
		r.remove(id, false)
		return nil, newError(ErrCodeNotInPersistence, id, "stream not available from persistence")
	}

	resp, err := r.rpc.GetStream(ctx, id)
	if err != nil {
		log.WithError(err).Warn("init stream: get stream failed")
		r.remove(id, false)
		return nil, fmt.Errorf("init stream %s: %w", id, err)
	}
	cleartexts, err := r.store.GetCleartexts(ctx, eventIDs(resp.Miniblocks, resp.Minipool))
	if err != nil {
		log.WithError(err).Warn("init stream: cleartext lookup failed")
	}
	if err := h.initializeFromResponse(resp, cleartexts); err != nil {
		log.WithError(err).Warn("init stream: events not applied to state")
	}
	if err := r.persist(ctx, h); err != nil {
		log.WithError(err).Warn("init stream: persist failed")
	}
	log.WithField("miniblocks", len(resp.Miniblocks)).Debug("init stream: loaded from network")
	r.afterInit(h)
	return h, nil
}

func (r *Registry) afterInit(h *StreamHandle) {
	if v := h.View(); v.SyncCookie != nil {
		r.syncSet.Add(h.id, *v.SyncCookie)
	}
	r.notifier.emit(Notification{Kind: StreamInitialized, StreamID: h.id})
}

// persist writes the handle's resumable state: miniblocks from its newest
// snapshot onward, that snapshot, and the synced-stream record.
func (r *Registry) persist(ctx context.Context, h *StreamHandle) error {
	st, blocks, ok := h.persistedState()
	if !ok {
		return nil
	}
	if err := r.store.SaveMiniblocks(ctx, h.id, blocks, "", store.Forward); err != nil {
		return err
	}
	if err := r.store.SaveSnapshot(ctx, h.id, blocks[0].Header.Num, blocks[0].Header.Snapshot); err != nil {
		return err
	}
	return r.store.SaveSyncedStream(ctx, st)
}

// WaitFor blocks until id is initialized, ctx ends or timeout elapses
// (zero means no timeout). The listener it registers is always removed.
func (r *Registry) WaitFor(ctx context.Context, id streamid.ID, timeout time.Duration) (*StreamHandle, error) {
	ready := make(chan struct{}, 1)
	unsubscribe := r.notifier.Subscribe(func(n Notification) {
		if n.Kind == StreamInitialized && n.StreamID == id {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if h := r.Get(id); h != nil && h.IsInitialized() {
		return h, nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-ready:
		if h := r.Get(id); h != nil {
			return h, nil
		}
		return nil, newError(ErrCodeStreamNotFound, id, "stream removed after initialization")
	case <-expired:
		return nil, newError(ErrCodeWaitTimeout, id, "timed out after %s waiting for stream", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetStream fetches a detached view of id from the node. The result is not
// registered. Concurrent calls for one id share a request.
func (r *Registry) GetStream(ctx context.Context, id streamid.ID) (*StreamView, error) {
	v, _, err := r.getRequests.Do(ctx, id, func(ctx context.Context) (*StreamView, error) {
		resp, err := r.rpc.GetStream(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get stream %s: %w", id, err)
		}
		return r.viewFromResponse(resp), nil
	})
	return v, err
}

// GetStreamEx is GetStream over the streaming endpoint.
func (r *Registry) GetStreamEx(ctx context.Context, id streamid.ID) (*StreamView, error) {
	v, _, err := r.getExRequests.Do(ctx, id, func(ctx context.Context) (*StreamView, error) {
		reader, err := r.rpc.GetStreamEx(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get stream ex %s: %w", id, err)
		}
		blocks, minipool, err := rpc.CollectStream(reader)
		if err != nil {
			return nil, fmt.Errorf("get stream ex %s: %w", id, err)
		}
		if len(blocks) == 0 {
			return nil, fmt.Errorf("get stream ex %s: no miniblocks", id)
		}
		return r.viewFromResponse(&protocol.StreamAndCookie{StreamID: id, Miniblocks: blocks, Minipool: minipool}), nil
	})
	return v, err
}

func (r *Registry) viewFromResponse(resp *protocol.StreamAndCookie) *StreamView {
	v := newStreamView(resp.StreamID)
	var cookie *protocol.SyncCookie
	if resp.NextSyncCookie.StreamID != "" {
		c := resp.NextSyncCookie
		cookie = &c
	}
	if err := v.initialize(resp.Snapshot(), resp.Miniblocks, resp.Minipool, resp.PrevSnapshotMiniblockNum(), cookie, nil); err != nil {
		r.log.WithError(err).WithField("stream", resp.StreamID).Warn("get stream: events not applied to state")
	}
	return v
}

// CreateStream creates id on the node from inception plus extra genesis
// payloads, and registers the result.
func (r *Registry) CreateStream(ctx context.Context, id streamid.ID, inception *protocol.InceptionPayload, genesis ...protocol.Payload) (*StreamHandle, error) {
	log := r.log.WithField("stream", id)
	if r.Get(id) != nil {
		return nil, newError(ErrCodeStreamExists, id, "stream already registered")
	}

	r.mu.Lock()
	r.creating.Add(id)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.creating.Remove(id)
		r.mu.Unlock()
	}()

	payloads := append([]protocol.Payload{inception}, genesis...)
	events := make([]protocol.Envelope, 0, len(payloads))
	for _, p := range payloads {
		ev, err := protocol.MakeEnvelope(ctx, r.signer, p, protocol.CommitPointer{}, nil, false)
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", id, err)
		}
		events = append(events, ev)
	}

	resp, err := r.rpc.CreateStream(ctx, rpc.CreateStreamRequest{StreamID: id, Events: events})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", id, err)
	}

	h, err := r.Create(id)
	if err != nil {
		// Someone initialized it from the membership echo meanwhile.
		if existing := r.Get(id); existing != nil {
			return existing, nil
		}
		return nil, err
	}
	if err := h.initializeFromResponse(resp, nil); err != nil {
		log.WithError(err).Warn("create stream: events not applied to state")
	}
	if err := r.persist(ctx, h); err != nil {
		log.WithError(err).Warn("create stream: persist failed")
	}
	log.Info("stream created")
	r.afterInit(h)
	return h, nil
}

func (r *Registry) isCreating(id streamid.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.creating.Has(id)
}

// EnsureUserStreams initializes the account's user-scoped streams, creating
// any the node does not have.
func (r *Registry) EnsureUserStreams(ctx context.Context) error {
	ids, err := streamid.UserStreamIDs(r.signer.Address())
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, err := r.Init(ctx, id, true, nil)
		if err == nil {
			continue
		}
		if !rpc.IsNotFound(err) {
			return err
		}
		if _, err := r.CreateStream(ctx, id, &protocol.InceptionPayload{StreamID: id}); err != nil {
			return err
		}
	}
	return nil
}

// JoinStream initializes id and commits the account's join to it.
func (r *Registry) JoinStream(ctx context.Context, id streamid.ID) (*StreamHandle, error) {
	h, err := r.Init(ctx, id, true, nil)
	if err != nil {
		return nil, err
	}
	_, err = r.committer.Commit(ctx, id, &protocol.MemberPayload{UserID: r.UserID(), Op: protocol.MembershipJoin}, CommitOptions{Method: "join_stream"})
	if err != nil {
		return nil, fmt.Errorf("join stream %s: %w", id, err)
	}
	return h, nil
}

// LeaveStream commits the account's leave and drops the stream.
func (r *Registry) LeaveStream(ctx context.Context, id streamid.ID) error {
	_, err := r.committer.Commit(ctx, id, &protocol.MemberPayload{UserID: r.UserID(), Op: protocol.MembershipLeave}, CommitOptions{Method: "leave_stream"})
	if err != nil {
		return fmt.Errorf("leave stream %s: %w", id, err)
	}
	r.RemoveStream(id)
	return nil
}

// MembershipChange is an own-user membership transition.
type MembershipChange struct {
	StreamID streamid.ID
	Op       protocol.MembershipOp
}

// ApplyMembership reacts to the account joining, being invited to, or
// leaving a stream.
func (r *Registry) ApplyMembership(ctx context.Context, change MembershipChange) error {
	log := r.log.WithFields(logrus.Fields{"stream": change.StreamID, "op": change.Op})
	r.notifier.emit(Notification{Kind: MembershipChanged, StreamID: change.StreamID, Membership: change.Op})

	switch change.Op {
	case protocol.MembershipJoin:
		if r.isCreating(change.StreamID) {
			log.Debug("membership: stream is being created, skipping init")
			return nil
		}
		_, err := r.Init(ctx, change.StreamID, true, nil)
		return err
	case protocol.MembershipInvite:
		if change.StreamID.IsDMOrGDM() {
			_, err := r.Init(ctx, change.StreamID, true, nil)
			return err
		}
		return nil
	case protocol.MembershipLeave:
		r.RemoveStream(change.StreamID)
		return nil
	default:
		return fmt.Errorf("unknown membership op %q", change.Op)
	}
}

// ApplyMiniblock appends a newly sealed miniblock to id. Miniblocks already
// known are ignored. Membership echoes in the account's user stream are
// applied after the block.
func (r *Registry) ApplyMiniblock(ctx context.Context, id streamid.ID, mb protocol.Miniblock) error {
	h := r.Get(id)
	if h == nil {
		return newError(ErrCodeStreamNotFound, id, "apply miniblock %d", mb.Header.Num)
	}
	applied, ok, applyErr := h.appendMiniblock(mb)
	if applyErr != nil {
		r.log.WithError(applyErr).WithField("stream", id).Warn("apply miniblock: events not applied to state")
	}
	if !ok {
		return fmt.Errorf("apply miniblock %s/%d: does not follow %d", id, mb.Header.Num, h.View().MaxMiniblockNum())
	}
	if !applied {
		return nil
	}
	if err := r.persist(ctx, h); err != nil {
		r.log.WithError(err).WithField("stream", id).Warn("apply miniblock: persist failed")
	}
	r.notifier.emit(Notification{Kind: StreamUpToDate, StreamID: id})

	if id != r.UserStreamID() {
		return nil
	}
	var errs []error
	for _, ev := range mb.Events {
		if up, ok := ev.Event.Payload.(*protocol.UserPayload); ok {
			if err := r.ApplyMembership(ctx, MembershipChange{StreamID: up.StreamID, Op: up.Op}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// TouchStream records that the user opened id.
func (r *Registry) TouchStream(ctx context.Context, id streamid.ID) error {
	return r.store.TouchStream(ctx, id, time.Now())
}

// InitStream implements syncctl.Delegate.
func (r *Registry) InitStream(ctx context.Context, id streamid.ID, allowNetwork bool, persisted *store.LoadedStream) error {
	_, err := r.Init(ctx, id, allowNetwork, persisted)
	return err
}

// StartSyncStreams implements syncctl.Delegate.
func (r *Registry) StartSyncStreams(ctx context.Context, _ map[streamid.ID]time.Time) error {
	r.syncSet.Start(ctx)
	return nil
}

// EmitInitStatus implements syncctl.Delegate.
func (r *Registry) EmitInitStatus(status syncctl.InitStatus) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
	r.notifier.emit(Notification{Kind: InitStatusUpdated, Status: status})
}

// InitStatus returns the last status the sync controller emitted.
func (r *Registry) InitStatus() syncctl.InitStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Close stops live sync.
func (r *Registry) Close() {
	r.syncSet.Stop()
}

// addLocalEvent registers a local event on id with a fresh local id.
func (r *Registry) addLocalEvent(h *StreamHandle, localID string, payload protocol.Payload) {
	le := &LocalEvent{LocalID: localID, EventID: localID, Status: LocalSending, Payload: payload}
	h.addLocalEvent(le)
	cp := *le
	r.notifier.emit(Notification{Kind: LocalEventUpdated, StreamID: h.id, LocalEvent: &cp})
}

func (r *Registry) updateLocalEvent(h *StreamHandle, prevID, newID string, status LocalStatus) {
	le, ok := h.updateLocalEvent(prevID, newID, status)
	if !ok {
		return
	}
	r.notifier.emit(Notification{Kind: LocalEventUpdated, StreamID: h.id, LocalEvent: le, PreviousEventID: prevID})
}

func eventIDs(blocks []protocol.Miniblock, minipool []protocol.Envelope) []string {
	var ids []string
	for _, mb := range blocks {
		for _, ev := range mb.Events {
			ids = append(ids, ev.ID())
		}
	}
	for _, ev := range minipool {
		ids = append(ids, ev.ID())
	}
	return ids
}
