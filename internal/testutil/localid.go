package testutil

import (
	"fmt"
	"sync"
)

// SequentialLocalIDs generates "local-1", "local-2", ... in order.
//
// This enables deterministic test execution and golden output comparison.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequentialLocalIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialLocalIDs creates a generator. An empty prefix means "local".
func NewSequentialLocalIDs(prefix string) *SequentialLocalIDs {
	if prefix == "" {
		prefix = "local"
	}
	return &SequentialLocalIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialLocalIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// FixedLocalIDs returns predetermined local ids.
//
// Panics if all ids have been consumed. This is a fail-fast approach to
// catch a test that produced more local events than it expected.
type FixedLocalIDs struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedLocalIDs creates a generator that returns ids in order.
func NewFixedLocalIDs(ids ...string) *FixedLocalIDs {
	return &FixedLocalIDs{ids: ids}
}

// Generate returns the next predetermined id.
func (g *FixedLocalIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("FixedLocalIDs: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
