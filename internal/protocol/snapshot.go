package protocol

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/strand/internal/streamid"
)

// Snapshot is the full state of a stream at a miniblock boundary.
type Snapshot struct {
	Inception InceptionPayload `json:"inception"`

	// Members maps member address (hex) to join or invite.
	Members map[string]MembershipOp `json:"members,omitempty"`

	// Memberships is the user stream's view of the streams the account
	// belongs to.
	Memberships map[streamid.ID]MembershipOp `json:"memberships,omitempty"`

	Settings   map[string]string `json:"settings,omitempty"`
	DeviceKeys []string          `json:"device_keys,omitempty"`
	Channels   []streamid.ID     `json:"channels,omitempty"`
	SpaceName  string            `json:"space_name,omitempty"`
	Chunks     int64             `json:"chunks,omitempty"`
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Members = maps.Clone(s.Members)
	c.Memberships = maps.Clone(s.Memberships)
	c.Settings = maps.Clone(s.Settings)
	c.DeviceKeys = slices.Clone(s.DeviceKeys)
	c.Channels = slices.Clone(s.Channels)
	return &c
}

// IsMember reports whether addr has joined.
func (s *Snapshot) IsMember(addr string) bool {
	return s != nil && s.Members[addr] == MembershipJoin
}

// Apply folds one event payload into the snapshot.
func (s *Snapshot) Apply(p Payload) error {
	if p == nil {
		return nil
	}
	return p.Accept(snapshotApplier{s})
}

// ApplyAll folds every event of the given miniblocks, in order. Events that
// fail to apply are skipped and their errors returned joined.
func (s *Snapshot) ApplyAll(blocks []Miniblock) error {
	var errs []error
	for _, mb := range blocks {
		for _, ev := range mb.Events {
			if err := s.Apply(ev.Event.Payload); err != nil {
				errs = append(errs, fmt.Errorf("miniblock %d event %s: %w", mb.Header.Num, ev.Hash.Short(), err))
			}
		}
	}
	return errors.Join(errs...)
}

type snapshotApplier struct{ s *Snapshot }

func (a snapshotApplier) VisitInception(p *InceptionPayload) error {
	a.s.Inception = *p
	if p.Name != "" {
		a.s.SpaceName = p.Name
	}
	return nil
}

func (a snapshotApplier) VisitUser(p *UserPayload) error {
	if !p.Op.Valid() {
		return fmt.Errorf("membership of %s: unknown op %q", p.StreamID, p.Op)
	}
	if a.s.Memberships == nil {
		a.s.Memberships = make(map[streamid.ID]MembershipOp)
	}
	if p.Op == MembershipLeave {
		delete(a.s.Memberships, p.StreamID)
		return nil
	}
	a.s.Memberships[p.StreamID] = p.Op
	return nil
}

func (a snapshotApplier) VisitUserSettings(p *UserSettingsPayload) error {
	if a.s.Settings == nil {
		a.s.Settings = make(map[string]string)
	}
	a.s.Settings[p.Key] = p.Value
	return nil
}

func (a snapshotApplier) VisitUserMetadata(p *UserMetadataPayload) error {
	if !slices.Contains(a.s.DeviceKeys, p.DeviceKey) {
		a.s.DeviceKeys = append(a.s.DeviceKeys, p.DeviceKey)
	}
	return nil
}

func (a snapshotApplier) VisitUserInbox(*UserInboxPayload) error { return nil }

func (a snapshotApplier) VisitSpace(p *SpacePayload) error {
	if p.Name != "" {
		a.s.SpaceName = p.Name
	}
	if p.ChannelID == "" {
		return nil
	}
	switch p.ChannelOp {
	case "remove":
		a.s.Channels = slices.DeleteFunc(a.s.Channels, func(id streamid.ID) bool { return id == p.ChannelID })
	default:
		if !slices.Contains(a.s.Channels, p.ChannelID) {
			a.s.Channels = append(a.s.Channels, p.ChannelID)
		}
	}
	return nil
}

func (a snapshotApplier) VisitChannel(*ChannelPayload) error { return nil }
func (a snapshotApplier) VisitDM(*DMPayload) error           { return nil }
func (a snapshotApplier) VisitGDM(*GDMPayload) error         { return nil }

func (a snapshotApplier) VisitMember(p *MemberPayload) error {
	if !p.Op.Valid() {
		return fmt.Errorf("member %s: unknown op %q", p.UserID, p.Op)
	}
	if a.s.Members == nil {
		a.s.Members = make(map[string]MembershipOp)
	}
	if p.Op == MembershipLeave {
		delete(a.s.Members, p.UserID)
		return nil
	}
	a.s.Members[p.UserID] = p.Op
	return nil
}

func (a snapshotApplier) VisitMedia(*MediaPayload) error {
	a.s.Chunks++
	return nil
}
