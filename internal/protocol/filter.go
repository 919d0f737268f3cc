package protocol

import (
	"slices"
	"strings"
)

// ExclusionRule removes events of one category, optionally narrowed to one
// kind. An empty Kind matches every kind in the category.
type ExclusionRule struct {
	Category Category `json:"category" yaml:"category"`
	Kind     string   `json:"kind,omitempty" yaml:"kind,omitempty"`
}

func (r ExclusionRule) matches(p Payload) bool {
	if p == nil || p.Category() != r.Category {
		return false
	}
	return r.Kind == "" || r.Kind == p.Kind()
}

func (r ExclusionRule) String() string {
	if r.Kind == "" {
		return string(r.Category)
	}
	return string(r.Category) + "." + r.Kind
}

// ExclusionFilter is a set of exclusion rules.
type ExclusionFilter []ExclusionRule

// Excludes reports whether any rule matches p.
func (f ExclusionFilter) Excludes(p Payload) bool {
	for _, r := range f {
		if r.matches(p) {
			return true
		}
	}
	return false
}

// Key is a stable identity for the filter. Two filters with the same rules
// in any order share a key; the empty filter's key is "".
func (f ExclusionFilter) Key() string {
	if len(f) == 0 {
		return ""
	}
	parts := make([]string, 0, len(f))
	for _, r := range f {
		parts = append(parts, r.String())
	}
	slices.Sort(parts)
	parts = slices.Compact(parts)
	return strings.Join(parts, ",")
}

// Apply returns mb with excluded events removed. The result is marked
// Partial when anything was removed; mb itself is not modified.
func (f ExclusionFilter) Apply(mb Miniblock) Miniblock {
	if len(f) == 0 {
		return mb
	}
	kept := make([]Envelope, 0, len(mb.Events))
	for _, ev := range mb.Events {
		if !f.Excludes(ev.Event.Payload) {
			kept = append(kept, ev)
		}
	}
	if len(kept) == len(mb.Events) {
		return mb
	}
	out := mb
	out.Events = kept
	out.Partial = true
	return out
}

// ApplyAll applies the filter to every miniblock.
func (f ExclusionFilter) ApplyAll(blocks []Miniblock) []Miniblock {
	if len(f) == 0 {
		return blocks
	}
	out := make([]Miniblock, len(blocks))
	for i, mb := range blocks {
		out[i] = f.Apply(mb)
	}
	return out
}
