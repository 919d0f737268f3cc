package client

import (
	"sync"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
	"github.com/roach88/strand/internal/syncctl"
)

// NotificationKind enumerates what a Notification reports.
type NotificationKind int

const (
	// StreamInitialized fires once a handle has state.
	StreamInitialized NotificationKind = iota + 1
	// StreamUpToDate fires after a live miniblock was applied.
	StreamUpToDate
	// StreamRemoved fires after a handle was dropped.
	StreamRemoved
	// MembershipChanged fires when the own user joins, leaves or is
	// invited to a stream.
	MembershipChanged
	// LocalEventUpdated fires on every local event status transition.
	LocalEventUpdated
	// InitStatusUpdated fires on every sync controller status emission.
	InitStatusUpdated
)

var notificationNames = map[NotificationKind]string{
	StreamInitialized: "stream_initialized",
	StreamUpToDate:    "stream_up_to_date",
	StreamRemoved:     "stream_removed",
	MembershipChanged: "membership_changed",
	LocalEventUpdated: "local_event_updated",
	InitStatusUpdated: "init_status_updated",
}

func (k NotificationKind) String() string {
	if s, ok := notificationNames[k]; ok {
		return s
	}
	return "unknown"
}

// Notification is one lifecycle event. Only the fields relevant to Kind are
// set.
type Notification struct {
	Kind     NotificationKind
	StreamID streamid.ID

	// LocalEventUpdated
	LocalEvent *LocalEvent
	// PreviousEventID is the id the local event was known by before this
	// update.
	PreviousEventID string

	// MembershipChanged
	Membership protocol.MembershipOp

	// InitStatusUpdated
	Status syncctl.InitStatus
}

// Listener receives notifications. It runs on the goroutine that caused the
// change and must not block.
type Listener func(Notification)

// Notifier fans notifications out to explicitly registered listeners.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	next      int
}

// NewNotifier returns a notifier with no listeners.
func NewNotifier() *Notifier {
	return &Notifier{listeners: make(map[int]Listener)}
}

// Subscribe registers l and returns the function that unregisters it.
func (n *Notifier) Subscribe(l Listener) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.listeners[id] = l
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// Len returns the number of registered listeners.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}

func (n *Notifier) emit(note Notification) {
	n.mu.RLock()
	ls := make([]Listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		ls = append(ls, l)
	}
	n.mu.RUnlock()
	for _, l := range ls {
		l(note)
	}
}
