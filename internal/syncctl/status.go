package syncctl

import "sync"

// statusTracker owns a controller's InitStatus and reports every change to
// the delegate. Flags only ever go from false to true and progress never
// decreases until reset.
type statusTracker struct {
	delegate Delegate

	// emitMu serializes updates so emissions arrive in order.
	emitMu sync.Mutex
	mu     sync.Mutex
	status InitStatus
}

func (s *statusTracker) get() InitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// reset clears the status for a new run without emitting.
func (s *statusTracker) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = InitStatus{}
}

// update applies f and emits the result if anything changed.
func (s *statusTracker) update(f func(*InitStatus)) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	prev := s.status
	next := prev
	f(&next)
	next.IsHighPriorityDataLoaded = next.IsHighPriorityDataLoaded || prev.IsHighPriorityDataLoaded
	next.IsLocalDataLoaded = next.IsLocalDataLoaded || prev.IsLocalDataLoaded
	next.IsRemoteDataLoaded = next.IsRemoteDataLoaded || prev.IsRemoteDataLoaded
	next.Progress = min(max(next.Progress, prev.Progress), 1)
	s.status = next
	s.mu.Unlock()

	if next != prev {
		s.delegate.EmitInitStatus(next)
	}
}

// progress is completed/total, 1 when there is nothing to do.
func progress(total, outstanding int) float64 {
	if total <= 0 {
		return 1
	}
	done := total - outstanding
	if done < 0 {
		done = 0
	}
	return float64(done) / float64(total)
}
