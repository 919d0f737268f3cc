package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/strand/internal/streamid"
)

// Category identifies the payload family of an event.
type Category string

const (
	CategoryInception    Category = "inception"
	CategoryUser         Category = "user"
	CategoryUserSettings Category = "user_settings"
	CategoryUserMetadata Category = "user_metadata"
	CategoryUserInbox    Category = "user_inbox"
	CategorySpace        Category = "space"
	CategoryChannel      Category = "channel"
	CategoryDM           Category = "dm"
	CategoryGDM          Category = "gdm"
	CategoryMember       Category = "member"
	CategoryMedia        Category = "media"
)

// Payload is a sealed sum type: only types in this package implement it.
// Code that must handle every variant goes through PayloadVisitor, so a new
// variant cannot be added without every visitor failing to compile.
type Payload interface {
	Category() Category
	// Kind names the concrete content inside the category ("message",
	// "membership", ...). Exclusion filters match on (category, kind).
	Kind() string
	Accept(v PayloadVisitor) error
	isPayload()
}

// PayloadVisitor has one method per payload variant.
type PayloadVisitor interface {
	VisitInception(*InceptionPayload) error
	VisitUser(*UserPayload) error
	VisitUserSettings(*UserSettingsPayload) error
	VisitUserMetadata(*UserMetadataPayload) error
	VisitUserInbox(*UserInboxPayload) error
	VisitSpace(*SpacePayload) error
	VisitChannel(*ChannelPayload) error
	VisitDM(*DMPayload) error
	VisitGDM(*GDMPayload) error
	VisitMember(*MemberPayload) error
	VisitMedia(*MediaPayload) error
}

// MembershipOp is a membership transition.
type MembershipOp string

const (
	MembershipJoin   MembershipOp = "join"
	MembershipLeave  MembershipOp = "leave"
	MembershipInvite MembershipOp = "invite"
)

// Valid reports whether op is a known transition.
func (op MembershipOp) Valid() bool {
	switch op {
	case MembershipJoin, MembershipLeave, MembershipInvite:
		return true
	}
	return false
}

// EncryptedData is opaque ciphertext produced by the encryption collaborator.
type EncryptedData struct {
	Algorithm  string `json:"algorithm"`
	SessionID  string `json:"session_id"`
	Ciphertext string `json:"ciphertext"`
}

// InceptionPayload is the first event of every stream.
type InceptionPayload struct {
	StreamID   streamid.ID `json:"stream_id"`
	SpaceID    streamid.ID `json:"space_id,omitempty"`
	Name       string      `json:"name,omitempty"`
	ChunkCount int64       `json:"chunk_count,omitempty"`
}

// UserPayload records the account's membership in other streams.
type UserPayload struct {
	StreamID streamid.ID  `json:"stream_id"`
	Op       MembershipOp `json:"op"`
	Inviter  string       `json:"inviter,omitempty"`
}

// UserSettingsPayload sets one account setting.
type UserSettingsPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// UserMetadataPayload publishes a device key for key exchange.
type UserMetadataPayload struct {
	DeviceKey   string `json:"device_key"`
	FallbackKey string `json:"fallback_key,omitempty"`
}

// UserInboxPayload delivers group session keys to a device.
type UserInboxPayload struct {
	FromUser   string `json:"from_user"`
	DeviceKey  string `json:"device_key"`
	Ciphertext string `json:"ciphertext"`
}

// SpacePayload updates a space's channel directory or name.
type SpacePayload struct {
	Name      string      `json:"name,omitempty"`
	ChannelID streamid.ID `json:"channel_id,omitempty"`
	ChannelOp string      `json:"channel_op,omitempty"`
}

// ChannelPayload carries a channel message.
type ChannelPayload struct {
	Message EncryptedData `json:"message"`
}

// DMPayload carries a direct message.
type DMPayload struct {
	Message EncryptedData `json:"message"`
}

// GDMPayload carries a group direct message.
type GDMPayload struct {
	Message EncryptedData `json:"message"`
}

// MemberPayload changes one user's membership of the stream it is posted to.
type MemberPayload struct {
	UserID string       `json:"user_id"`
	Op     MembershipOp `json:"op"`
}

// MediaPayload carries one chunk of an uploaded file.
type MediaPayload struct {
	ChunkIndex int64  `json:"chunk_index"`
	Data       []byte `json:"data"`
}

func (*InceptionPayload) Category() Category    { return CategoryInception }
func (*UserPayload) Category() Category         { return CategoryUser }
func (*UserSettingsPayload) Category() Category { return CategoryUserSettings }
func (*UserMetadataPayload) Category() Category { return CategoryUserMetadata }
func (*UserInboxPayload) Category() Category    { return CategoryUserInbox }
func (*SpacePayload) Category() Category        { return CategorySpace }
func (*ChannelPayload) Category() Category      { return CategoryChannel }
func (*DMPayload) Category() Category           { return CategoryDM }
func (*GDMPayload) Category() Category          { return CategoryGDM }
func (*MemberPayload) Category() Category       { return CategoryMember }
func (*MediaPayload) Category() Category        { return CategoryMedia }

func (*InceptionPayload) Kind() string    { return "inception" }
func (*UserPayload) Kind() string         { return "membership" }
func (*UserSettingsPayload) Kind() string { return "setting" }
func (*UserMetadataPayload) Kind() string { return "device_key" }
func (*UserInboxPayload) Kind() string    { return "group_session" }
func (*ChannelPayload) Kind() string      { return "message" }
func (*DMPayload) Kind() string           { return "message" }
func (*GDMPayload) Kind() string          { return "message" }
func (*MemberPayload) Kind() string       { return "membership" }
func (*MediaPayload) Kind() string        { return "chunk" }

func (p *SpacePayload) Kind() string {
	if p.ChannelID != "" {
		return "channel"
	}
	return "name"
}

func (p *InceptionPayload) Accept(v PayloadVisitor) error    { return v.VisitInception(p) }
func (p *UserPayload) Accept(v PayloadVisitor) error         { return v.VisitUser(p) }
func (p *UserSettingsPayload) Accept(v PayloadVisitor) error { return v.VisitUserSettings(p) }
func (p *UserMetadataPayload) Accept(v PayloadVisitor) error { return v.VisitUserMetadata(p) }
func (p *UserInboxPayload) Accept(v PayloadVisitor) error    { return v.VisitUserInbox(p) }
func (p *SpacePayload) Accept(v PayloadVisitor) error        { return v.VisitSpace(p) }
func (p *ChannelPayload) Accept(v PayloadVisitor) error      { return v.VisitChannel(p) }
func (p *DMPayload) Accept(v PayloadVisitor) error           { return v.VisitDM(p) }
func (p *GDMPayload) Accept(v PayloadVisitor) error          { return v.VisitGDM(p) }
func (p *MemberPayload) Accept(v PayloadVisitor) error       { return v.VisitMember(p) }
func (p *MediaPayload) Accept(v PayloadVisitor) error        { return v.VisitMedia(p) }

func (*InceptionPayload) isPayload()    {}
func (*UserPayload) isPayload()         {}
func (*UserSettingsPayload) isPayload() {}
func (*UserMetadataPayload) isPayload() {}
func (*UserInboxPayload) isPayload()    {}
func (*SpacePayload) isPayload()        {}
func (*ChannelPayload) isPayload()      {}
func (*DMPayload) isPayload()           {}
func (*GDMPayload) isPayload()          {}
func (*MemberPayload) isPayload()       {}
func (*MediaPayload) isPayload()        {}

// NewPayload returns an empty payload of the given category.
func NewPayload(c Category) (Payload, error) {
	switch c {
	case CategoryInception:
		return &InceptionPayload{}, nil
	case CategoryUser:
		return &UserPayload{}, nil
	case CategoryUserSettings:
		return &UserSettingsPayload{}, nil
	case CategoryUserMetadata:
		return &UserMetadataPayload{}, nil
	case CategoryUserInbox:
		return &UserInboxPayload{}, nil
	case CategorySpace:
		return &SpacePayload{}, nil
	case CategoryChannel:
		return &ChannelPayload{}, nil
	case CategoryDM:
		return &DMPayload{}, nil
	case CategoryGDM:
		return &GDMPayload{}, nil
	case CategoryMember:
		return &MemberPayload{}, nil
	case CategoryMedia:
		return &MediaPayload{}, nil
	}
	return nil, fmt.Errorf("unknown payload category %q", c)
}

// AllCategories lists every payload category.
func AllCategories() []Category {
	return []Category{
		CategoryInception, CategoryUser, CategoryUserSettings, CategoryUserMetadata,
		CategoryUserInbox, CategorySpace, CategoryChannel, CategoryDM, CategoryGDM,
		CategoryMember, CategoryMedia,
	}
}

// payloadJSON is the wire shape of a payload: {"case": ..., "value": {...}}.
type payloadJSON struct {
	Case  Category        `json:"case"`
	Value json.RawMessage `json:"value"`
}

// MarshalPayload encodes p with its category tag.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("marshal payload: nil payload")
	}
	value, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(payloadJSON{Case: p.Category(), Value: value})
}

// UnmarshalPayload decodes a tagged payload.
func UnmarshalPayload(data []byte) (Payload, error) {
	var pj payloadJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	p, err := NewPayload(pj.Case)
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(pj.Value) > 0 {
		if err := json.Unmarshal(pj.Value, p); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", pj.Case, err)
		}
	}
	return p, nil
}
