package devnode

import (
	"context"
	"encoding/hex"

	"github.com/sirupsen/logrus"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/rpc"
	"github.com/roach88/strand/internal/streamid"
)

func (n *Node) CreateStream(ctx context.Context, req rpc.CreateStreamRequest) (*protocol.StreamAndCookie, error) {
	if err := n.enter(ctx, rpc.MethodCreateStream); err != nil {
		return nil, err
	}
	id, err := streamid.Parse(string(req.StreamID))
	if err != nil {
		return nil, rpc.Errorf(rpc.CodeInvalidArgument, "%v", err)
	}
	if len(req.Events) == 0 {
		return nil, rpc.Errorf(rpc.CodeInvalidArgument, "stream %s: no genesis events", id)
	}
	if _, ok := req.Events[0].Event.Payload.(*protocol.InceptionPayload); !ok {
		return nil, rpc.Errorf(rpc.CodeInvalidArgument, "stream %s: first event must be inception", id)
	}
	for _, ev := range req.Events {
		if ev.Event.PrevMiniblockNum != 0 || !ev.Event.PrevMiniblockHash.IsZero() {
			return nil, rpc.Errorf(rpc.CodeInvalidArgument, "genesis event %s references a miniblock", ev.Hash.Short())
		}
		if err := n.verify(ev); err != nil {
			return nil, err
		}
	}

	n.mu.Lock()
	if _, exists := n.streams[id]; exists {
		n.mu.Unlock()
		return nil, rpc.Errorf(rpc.CodeAlreadyExists, "stream %s already exists", id)
	}
	s, err := newStream(id, req.Events)
	if err != nil {
		n.mu.Unlock()
		return nil, rpc.Errorf(rpc.CodeInternal, "create %s: %v", id, err)
	}
	n.streams[id] = s
	var notify []func()
	for _, ev := range req.Events {
		if m, ok := ev.Event.Payload.(*protocol.MemberPayload); ok {
			_, more, err := n.echoMembershipLocked(ctx, id, m)
			if err != nil {
				n.log.WithError(err).WithField("stream", id).Warn("membership echo failed")
			}
			notify = append(notify, more...)
		}
	}
	view := s.view(n.opts.Address)
	n.mu.Unlock()

	for _, f := range notify {
		f()
	}
	n.log.WithFields(logrus.Fields{"stream": id, "events": len(req.Events)}).Info("stream created")
	return view, nil
}

func (n *Node) GetStream(ctx context.Context, id streamid.ID) (*protocol.StreamAndCookie, error) {
	if err := n.enter(ctx, rpc.MethodGetStream); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.stream(id)
	if err != nil {
		return nil, err
	}
	return s.view(n.opts.Address), nil
}

func (n *Node) GetStreamEx(ctx context.Context, id streamid.ID) (rpc.StreamReader, error) {
	if err := n.enter(ctx, rpc.MethodGetStreamEx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.stream(id)
	if err != nil {
		return nil, err
	}
	view := s.view(n.opts.Address)
	chunks := make([]rpc.StreamChunk, 0, len(view.Miniblocks)+1)
	for i := range view.Miniblocks {
		chunks = append(chunks, rpc.StreamChunk{Miniblock: &view.Miniblocks[i]})
	}
	chunks = append(chunks, rpc.StreamChunk{Minipool: view.Minipool})
	return rpc.NewSliceReader(chunks), nil
}

func (n *Node) AddEvent(ctx context.Context, id streamid.ID, ev protocol.Envelope) (*rpc.AddEventResponse, error) {
	n.mu.Lock()
	n.submitted[id] = append(n.submitted[id], ev.Event.Pointer())
	n.mu.Unlock()

	if err := n.enter(ctx, rpc.MethodAddEvent); err != nil {
		return nil, err
	}
	if err := n.verify(ev); err != nil {
		return nil, err
	}

	n.mu.Lock()
	s, err := n.stream(id)
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	if err := n.checkPointer(s, ev.Event.Pointer()); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	if err := n.checkMembership(s, ev); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	if err := s.append(ev); err != nil {
		n.mu.Unlock()
		return nil, rpc.Errorf(rpc.CodeInternal, "%v", err)
	}

	resp := &rpc.AddEventResponse{}
	var notify []func()
	if m, ok := ev.Event.Payload.(*protocol.MemberPayload); ok {
		ref, more, err := n.echoMembershipLocked(ctx, id, m)
		if err != nil {
			n.log.WithError(err).WithField("stream", id).Warn("membership echo failed")
		}
		if ref != nil {
			resp.NewEvents = append(resp.NewEvents, *ref)
		}
		notify = append(notify, more...)
	}
	if n.opts.SealEvery > 0 && len(s.minipool) >= n.opts.SealEvery {
		more, err := n.sealLocked(s)
		if err != nil {
			n.mu.Unlock()
			return nil, rpc.Errorf(rpc.CodeInternal, "seal %s: %v", id, err)
		}
		notify = append(notify, more...)
	}
	n.mu.Unlock()

	for _, f := range notify {
		f()
	}
	return resp, nil
}

func (n *Node) AddMediaEvent(ctx context.Context, ev protocol.Envelope, cookie protocol.CreationCookie, last bool) (*protocol.CreationCookie, error) {
	if err := n.enter(ctx, rpc.MethodAddMediaEvent); err != nil {
		return nil, err
	}
	if _, ok := ev.Event.Payload.(*protocol.MediaPayload); !ok {
		return nil, rpc.Errorf(rpc.CodeInvalidArgument, "add media event: payload is not media")
	}
	if err := n.verify(ev); err != nil {
		return nil, err
	}

	n.mu.Lock()
	s, err := n.stream(cookie.StreamID)
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	if s.sealed {
		n.mu.Unlock()
		return nil, rpc.Errorf(rpc.CodeInvalidArgument, "media stream %s is complete", cookie.StreamID)
	}
	ptr := protocol.CommitPointer{Hash: cookie.PrevMiniblockHash, Num: cookie.MiniblockNum}
	if err := n.checkPointer(s, ptr); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	if err := s.append(ev); err != nil {
		n.mu.Unlock()
		return nil, rpc.Errorf(rpc.CodeInternal, "%v", err)
	}
	notify, err := n.sealLocked(s)
	if err != nil {
		n.mu.Unlock()
		return nil, rpc.Errorf(rpc.CodeInternal, "%v", err)
	}
	s.sealed = last
	mb := s.latest()
	next := &protocol.CreationCookie{
		StreamID:          cookie.StreamID,
		MiniblockNum:      mb.Header.Num,
		PrevMiniblockHash: mb.Hash,
	}
	n.mu.Unlock()

	for _, f := range notify {
		f()
	}
	return next, nil
}

func (n *Node) GetLastMiniblockHash(ctx context.Context, id streamid.ID) (protocol.CommitPointer, error) {
	if err := n.enter(ctx, rpc.MethodGetLastMiniblockHash); err != nil {
		return protocol.CommitPointer{}, err
	}
	return n.Pointer(id)
}

func (n *Node) GetMiniblocks(ctx context.Context, id streamid.ID, from, to int64, filter protocol.ExclusionFilter) (*rpc.GetMiniblocksResponse, error) {
	if err := n.enter(ctx, rpc.MethodGetMiniblocks); err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	if to < from {
		return nil, rpc.Errorf(rpc.CodeInvalidArgument, "get miniblocks: range [%d, %d) is inverted", from, to)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.stream(id)
	if err != nil {
		return nil, err
	}
	if total := int64(len(s.blocks)); to > total {
		to = total
	}
	if from > to {
		from = to
	}
	blocks := make([]protocol.Miniblock, to-from)
	copy(blocks, s.blocks[from:to])
	return &rpc.GetMiniblocksResponse{
		Miniblocks: filter.ApplyAll(blocks),
		Terminus:   from == 0,
	}, nil
}

func (n *Node) verify(ev protocol.Envelope) error {
	if !n.opts.VerifySignatures {
		return nil
	}
	if err := ev.Verify(); err != nil {
		return rpc.Errorf(rpc.CodeInvalidArgument, "%v", err)
	}
	return nil
}

func (n *Node) checkPointer(s *stream, ptr protocol.CommitPointer) error {
	cur := s.pointer()
	if ptr.Num > cur.Num {
		return rpc.Errorf(rpc.CodeMiniblockTooNew, "stream %s: miniblock %d is ahead of %d", s.id, ptr.Num, cur.Num)
	}
	if ptr != cur {
		return &rpc.Error{
			Code:     rpc.CodeBadPrevMiniblockHash,
			Message:  "stream " + string(s.id) + ": event references " + ptr.String(),
			Expected: &cur,
		}
	}
	return nil
}

func (n *Node) checkMembership(s *stream, ev protocol.Envelope) error {
	if !n.opts.EnforceMembership {
		return nil
	}
	switch ev.Event.Payload.(type) {
	case *protocol.ChannelPayload, *protocol.DMPayload, *protocol.GDMPayload:
		addr := hex.EncodeToString(ev.Event.CreatorAddress)
		if !s.state.IsMember(addr) {
			return rpc.Errorf(rpc.CodePermissionDenied, "%s is not a member of %s", addr, s.id)
		}
	}
	return nil
}

// echoMembershipLocked writes the user-stream side of a membership change,
// signed by the node, when the member's user stream exists.
func (n *Node) echoMembershipLocked(ctx context.Context, id streamid.ID, m *protocol.MemberPayload) (*protocol.EventRef, []func(), error) {
	addr, err := hex.DecodeString(m.UserID)
	if err != nil {
		return nil, nil, err
	}
	userID, err := streamid.UserStreamID(streamid.PrefixUser, addr)
	if err != nil {
		return nil, nil, err
	}
	us, ok := n.streams[userID]
	if !ok {
		return nil, nil, nil
	}
	payload := &protocol.UserPayload{StreamID: id, Op: m.Op}
	echo, err := protocol.MakeEnvelope(ctx, n.signer, payload, us.pointer(), nil, false)
	if err != nil {
		return nil, nil, err
	}
	if err := us.append(echo); err != nil {
		return nil, nil, err
	}
	var notify []func()
	if n.opts.SealEvery > 0 && len(us.minipool) >= n.opts.SealEvery {
		if notify, err = n.sealLocked(us); err != nil {
			return nil, nil, err
		}
	}
	return &protocol.EventRef{StreamID: userID, Hash: echo.Hash, Signature: echo.Signature}, notify, nil
}
