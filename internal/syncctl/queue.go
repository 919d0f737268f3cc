package syncctl

import (
	"sync"

	"github.com/roach88/strand/internal/streamid"
)

// phase is one step of the full controller's hydration state machine.
type phase int

const (
	// phaseHighPriority loads the high-priority streams, network allowed.
	phaseHighPriority phase = iota + 1
	// phaseBatch loads the next batch of the frozen remainder from
	// persistence and requeues itself until the remainder is drained.
	phaseBatch
	// phaseLocalDone marks persistence hydration complete.
	phaseLocalDone
	// phaseNetwork fetches everything persistence could not satisfy.
	phaseNetwork
	// phasePromote loads streams that became high priority mid-run.
	phasePromote
	// phaseAdded loads streams added to the stream set mid-run.
	phaseAdded
)

var phaseNames = map[phase]string{
	phaseHighPriority: "high_priority",
	phaseBatch:        "batch",
	phaseLocalDone:    "local_done",
	phaseNetwork:      "network",
	phasePromote:      "promote",
	phaseAdded:        "added",
}

func (p phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

type task struct {
	phase phase
	ids   []streamid.ID
}

// phaseQueue is a thread-safe deque of phase tasks.
//
// The queue uses a channel for signaling so the run loop can wait on it
// and on context cancellation in one select.
type phaseQueue struct {
	mu     sync.Mutex
	tasks  []task
	closed bool
	signal chan struct{} // buffered, size 1
}

func newPhaseQueue() *phaseQueue {
	return &phaseQueue{signal: make(chan struct{}, 1)}
}

// PushBack appends t. Returns false if the queue is closed.
func (q *phaseQueue) PushBack(t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)
	q.notify()
	return true
}

// PushFront puts t ahead of everything queued.
func (q *phaseQueue) PushFront(t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append([]task{t}, q.tasks...)
	q.notify()
	return true
}

func (q *phaseQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop removes the front task without blocking.
func (q *phaseQueue) TryPop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return task{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = task{}
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// Wait returns a channel that signals when tasks may be available. It is
// closed by Close.
func (q *phaseQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *phaseQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Closed reports whether Close was called.
func (q *phaseQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further pushes and wakes waiters.
func (q *phaseQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
