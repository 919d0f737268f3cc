// Package devnode is an in-memory stream node for development and tests.
//
// It enforces the commit pointer chain the way a production node does:
// events must reference the latest sealed miniblock, a pointer from the
// future is MINIBLOCK_TOO_NEW, and a stale pointer is rejected with the
// expected one attached. Tests can inject errors, gate calls, and inspect
// what was submitted.
package devnode

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/roach88/strand/internal/logging"
	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/rpc"
	"github.com/roach88/strand/internal/signer"
	"github.com/roach88/strand/internal/streamid"
)

// Options configures a Node.
type Options struct {
	// SealEvery seals the minipool after this many events. Zero leaves
	// sealing to explicit Seal calls.
	SealEvery int
	// SnapshotEvery attaches a snapshot every N miniblocks. Zero means only
	// the genesis block carries one.
	SnapshotEvery int
	// EnforceMembership rejects message events from non-members.
	EnforceMembership bool
	// VerifySignatures checks event hashes and signatures on submission.
	VerifySignatures bool
	Address          string
	Log              *logrus.Entry
}

// SealListener observes newly sealed miniblocks.
type SealListener func(id streamid.ID, mb protocol.Miniblock)

// Node is an in-memory rpc.Client.
type Node struct {
	opts   Options
	log    *logrus.Entry
	signer signer.Signer

	mu        sync.Mutex
	streams   map[streamid.ID]*stream
	calls     map[string]int
	failures  map[string][]error
	gates     map[string]chan struct{}
	submitted map[streamid.ID][]protocol.CommitPointer
	listeners map[int]SealListener
	nextLisID int
}

var _ rpc.Client = (*Node)(nil)

// New creates an empty node.
func New(opts Options) (*Node, error) {
	s, err := signer.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	if opts.Address == "" {
		opts.Address = "devnode-" + hex.EncodeToString(s.Address()[:4])
	}
	return &Node{
		opts:      opts,
		log:       logging.OrDiscard(opts.Log),
		signer:    s,
		streams:   make(map[streamid.ID]*stream),
		calls:     make(map[string]int),
		failures:  make(map[string][]error),
		gates:     make(map[string]chan struct{}),
		submitted: make(map[streamid.ID][]protocol.CommitPointer),
		listeners: make(map[int]SealListener),
	}, nil
}

// FailNext queues errors returned by the next calls to method, one per
// call, before any other processing.
func (n *Node) FailNext(method string, errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[method] = append(n.failures[method], errs...)
}

// Block makes calls to method wait until the returned release func is
// called or their context ends.
func (n *Node) Block(method string) (release func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	gate := make(chan struct{})
	n.gates[method] = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			if n.gates[method] == gate {
				delete(n.gates, method)
			}
			n.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many times method was invoked.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// Submitted returns the pointers add-event was called with for id, in
// arrival order, including rejected attempts.
func (n *Node) Submitted(id streamid.ID) []protocol.CommitPointer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]protocol.CommitPointer(nil), n.submitted[id]...)
}

// OnSeal registers l for every sealed miniblock.
func (n *Node) OnSeal(l SealListener) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextLisID
	n.nextLisID++
	n.listeners[id] = l
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// enter counts the call, waits on any gate, and pops an injected failure.
func (n *Node) enter(ctx context.Context, method string) error {
	n.mu.Lock()
	n.calls[method]++
	gate := n.gates[method]
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if queued := n.failures[method]; len(queued) > 0 {
		n.failures[method] = queued[1:]
		return queued[0]
	}
	return ctx.Err()
}

func (n *Node) stream(id streamid.ID) (*stream, error) {
	s, ok := n.streams[id]
	if !ok {
		return nil, rpc.Errorf(rpc.CodeNotFound, "stream %s not found", id)
	}
	return s, nil
}

// sealLocked seals s and collects listener calls to run after unlocking.
func (n *Node) sealLocked(s *stream) ([]func(), error) {
	mb, err := s.seal(n.opts.SnapshotEvery)
	if err != nil {
		return nil, err
	}
	n.log.WithFields(logrus.Fields{"stream": s.id, "num": mb.Header.Num, "events": len(mb.Events)}).Debug("sealed miniblock")
	notify := make([]func(), 0, len(n.listeners))
	for _, l := range n.listeners {
		notify = append(notify, func() { l(s.id, mb) })
	}
	return notify, nil
}

// Seal seals the minipool of id, even when it is empty.
func (n *Node) Seal(id streamid.ID) (protocol.Miniblock, error) {
	n.mu.Lock()
	s, err := n.stream(id)
	if err != nil {
		n.mu.Unlock()
		return protocol.Miniblock{}, err
	}
	notify, err := n.sealLocked(s)
	mb := *s.latest()
	n.mu.Unlock()
	if err != nil {
		return protocol.Miniblock{}, err
	}
	for _, f := range notify {
		f()
	}
	return mb, nil
}

// Pointer returns the current commit pointer of id.
func (n *Node) Pointer(id streamid.ID) (protocol.CommitPointer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.stream(id)
	if err != nil {
		return protocol.CommitPointer{}, err
	}
	return s.pointer(), nil
}
