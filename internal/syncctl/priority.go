package syncctl

import (
	"slices"
	"strings"
	"time"

	"github.com/roach88/strand/internal/streamid"
)

// Priority tiers, lowest loads first.
const (
	TierOwnUser = iota
	TierHighPriority
	TierHighPriorityDMSibling
	TierHighPrioritySpaceChannel
	TierDM
	TierChannel
	TierSpace
	TierOther
)

// Prioritizer ranks streams against one high-priority and favorites set.
type Prioritizer struct {
	highPriority streamid.Set
	favorites    streamid.Set
	hpSpaces     streamid.Set
	hpHasDM      bool
}

func NewPrioritizer(highPriority, favorites streamid.Set) *Prioritizer {
	p := &Prioritizer{
		highPriority: highPriority,
		favorites:    favorites,
		hpSpaces:     streamid.NewSet(),
	}
	for id := range highPriority {
		switch {
		case id.IsDMOrGDM():
			p.hpHasDM = true
		case id.IsSpace():
			p.hpSpaces.Add(id)
		}
	}
	return p
}

// Tier returns id's priority tier.
func (p *Prioritizer) Tier(id streamid.ID) int {
	switch {
	case id.IsUserScoped():
		return TierOwnUser
	case p.highPriority.Has(id) || p.favorites.Has(id):
		return TierHighPriority
	case id.IsDMOrGDM() && p.hpHasDM:
		return TierHighPriorityDMSibling
	case id.IsChannel() && p.inHighPrioritySpace(id):
		return TierHighPrioritySpaceChannel
	case id.IsDMOrGDM():
		return TierDM
	case id.IsChannel():
		return TierChannel
	case id.IsSpace():
		return TierSpace
	default:
		return TierOther
	}
}

func (p *Prioritizer) inHighPrioritySpace(channel streamid.ID) bool {
	space, err := streamid.SpaceIDFromChannelID(channel)
	return err == nil && p.hpSpaces.Has(space)
}

// Sort orders ids in place by tier, then most recent access, then id.
func (p *Prioritizer) Sort(ids []streamid.ID, lastAccessed map[streamid.ID]time.Time) {
	slices.SortStableFunc(ids, func(a, b streamid.ID) int {
		if ta, tb := p.Tier(a), p.Tier(b); ta != tb {
			return ta - tb
		}
		if c := lastAccessed[b].Compare(lastAccessed[a]); c != 0 {
			return c
		}
		return strings.Compare(string(a), string(b))
	})
}
