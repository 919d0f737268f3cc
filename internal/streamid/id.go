// Package streamid defines stream identifiers.
//
// A stream id is a lowercase hex string whose first byte is a type prefix.
// The prefix decides what a client may do with the stream: user-scoped
// streams are loaded first, channels belong to a space, DMs and GDMs are
// joined by invitation. User-scoped ids carry a 20-byte account address after
// the prefix; every other id is 32 bytes long.
package streamid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Prefix is the first byte of a stream id, rendered as two hex characters.
type Prefix string

const (
	PrefixSpace        Prefix = "10"
	PrefixChannel      Prefix = "20"
	PrefixGDM          Prefix = "77"
	PrefixDM           Prefix = "88"
	PrefixMedia        Prefix = "ff"
	PrefixUserInbox    Prefix = "a1"
	PrefixUserSettings Prefix = "a5"
	PrefixUser         Prefix = "a8"
	PrefixUserMetadata Prefix = "ad"
)

const (
	// AddressLength is the byte length of an account address.
	AddressLength = 20

	userIDLength  = 1 + AddressLength
	otherIDLength = 32
)

// Kind is the stream category encoded by the prefix.
type Kind int

const (
	KindUnknown Kind = iota
	KindSpace
	KindChannel
	KindDM
	KindGDM
	KindMedia
	KindUser
	KindUserMetadata
	KindUserSettings
	KindUserInbox
)

var kindNames = map[Kind]string{
	KindUnknown:      "unknown",
	KindSpace:        "space",
	KindChannel:      "channel",
	KindDM:           "dm",
	KindGDM:          "gdm",
	KindMedia:        "media",
	KindUser:         "user",
	KindUserMetadata: "user_metadata",
	KindUserSettings: "user_settings",
	KindUserInbox:    "user_inbox",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

var prefixKinds = map[Prefix]Kind{
	PrefixSpace:        KindSpace,
	PrefixChannel:      KindChannel,
	PrefixDM:           KindDM,
	PrefixGDM:          KindGDM,
	PrefixMedia:        KindMedia,
	PrefixUser:         KindUser,
	PrefixUserMetadata: KindUserMetadata,
	PrefixUserSettings: KindUserSettings,
	PrefixUserInbox:    KindUserInbox,
}

// ErrMalformed is returned (wrapped) for ids that cannot be parsed.
var ErrMalformed = errors.New("malformed stream id")

// ID is a validated stream identifier.
type ID string

// Parse validates s and returns it as an ID.
// Upper-case hex is accepted and normalised to lower case.
func Parse(s string) (ID, error) {
	s = strings.ToLower(strings.TrimPrefix(s, "0x"))
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty", ErrMalformed)
	}
	kind, ok := prefixKinds[Prefix(s[:2])]
	if !ok {
		return "", fmt.Errorf("%w: unknown prefix %q", ErrMalformed, s[:2])
	}
	want := otherIDLength
	if isUserKind(kind) {
		want = userIDLength
	}
	if len(raw) != want {
		return "", fmt.Errorf("%w: %s id must be %d bytes, got %d", ErrMalformed, kind, want, len(raw))
	}
	return ID(s), nil
}

// MustParse is like Parse but panics on error.
// Use only in tests or for constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromBytes validates a binary stream id.
func FromBytes(b []byte) (ID, error) {
	return Parse(hex.EncodeToString(b))
}

func (id ID) String() string { return string(id) }

// Bytes returns the binary form of the id. Invalid ids yield nil.
func (id ID) Bytes() []byte {
	b, err := hex.DecodeString(string(id))
	if err != nil {
		return nil
	}
	return b
}

// Prefix returns the type prefix of the id.
func (id ID) Prefix() Prefix {
	if len(id) < 2 {
		return ""
	}
	return Prefix(id[:2])
}

// Kind returns the stream category of the id.
func (id ID) Kind() Kind {
	return prefixKinds[id.Prefix()]
}

func (id ID) IsSpace() bool   { return id.Kind() == KindSpace }
func (id ID) IsChannel() bool { return id.Kind() == KindChannel }
func (id ID) IsDM() bool      { return id.Kind() == KindDM }
func (id ID) IsGDM() bool     { return id.Kind() == KindGDM }
func (id ID) IsMedia() bool   { return id.Kind() == KindMedia }

// IsDMOrGDM reports whether the id names a direct or group direct message stream.
func (id ID) IsDMOrGDM() bool { return id.IsDM() || id.IsGDM() }

// IsUserScoped reports whether the stream belongs to a single account
// (user, user metadata, user settings, user inbox).
func (id ID) IsUserScoped() bool { return isUserKind(id.Kind()) }

func isUserKind(k Kind) bool {
	switch k {
	case KindUser, KindUserMetadata, KindUserSettings, KindUserInbox:
		return true
	}
	return false
}

// Address returns the account address embedded in a user-scoped id.
func (id ID) Address() ([]byte, bool) {
	if !id.IsUserScoped() {
		return nil, false
	}
	b := id.Bytes()
	if len(b) != userIDLength {
		return nil, false
	}
	return b[1:], true
}

// UserStreamID builds a user-scoped id for address under prefix.
func UserStreamID(prefix Prefix, address []byte) (ID, error) {
	if len(address) != AddressLength {
		return "", fmt.Errorf("%w: address must be %d bytes, got %d", ErrMalformed, AddressLength, len(address))
	}
	if !isUserKind(prefixKinds[prefix]) {
		return "", fmt.Errorf("%w: prefix %q is not user scoped", ErrMalformed, prefix)
	}
	return Parse(string(prefix) + hex.EncodeToString(address))
}

// UserStreamIDs returns the four user-scoped stream ids of an account in
// load order: user, metadata, settings, inbox.
func UserStreamIDs(address []byte) ([]ID, error) {
	prefixes := []Prefix{PrefixUser, PrefixUserMetadata, PrefixUserSettings, PrefixUserInbox}
	ids := make([]ID, 0, len(prefixes))
	for _, p := range prefixes {
		id, err := UserStreamID(p, address)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// NewSpaceID returns a random space id. Only bytes 1..20 are random; the
// tail is zero so channels can carry the space id inside their own.
func NewSpaceID() ID {
	id := randomID(PrefixSpace)
	return id[:2+2*AddressLength] + ID(strings.Repeat("0", 2*(otherIDLength-1-AddressLength)))
}

// NewGDMID returns a random group DM id.
func NewGDMID() ID { return randomID(PrefixGDM) }

// NewMediaID returns a random media stream id.
func NewMediaID() ID { return randomID(PrefixMedia) }

// NewChannelID returns a random channel id under space.
// Bytes 1..20 of the channel id repeat bytes 1..20 of the space id.
func NewChannelID(space ID) (ID, error) {
	if !space.IsSpace() {
		return "", fmt.Errorf("%w: %s is not a space id", ErrMalformed, space)
	}
	suffix := make([]byte, otherIDLength-1-AddressLength)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("new channel id: %w", err)
	}
	return Parse(string(PrefixChannel) + string(space)[2:2+2*AddressLength] + hex.EncodeToString(suffix))
}

// SpaceIDFromChannelID recovers the space a channel belongs to.
func SpaceIDFromChannelID(channel ID) (ID, error) {
	if !channel.IsChannel() {
		return "", fmt.Errorf("%w: %s is not a channel id", ErrMalformed, channel)
	}
	pad := strings.Repeat("0", 2*(otherIDLength-1-AddressLength))
	return Parse(string(PrefixSpace) + string(channel)[2:2+2*AddressLength] + pad)
}

// DMStreamID derives the DM id shared by two accounts.
// The result does not depend on argument order.
func DMStreamID(a, b []byte) (ID, error) {
	if len(a) != AddressLength || len(b) != AddressLength {
		return "", fmt.Errorf("%w: dm participants must be %d-byte addresses", ErrMalformed, AddressLength)
	}
	pair := []string{hex.EncodeToString(a), hex.EncodeToString(b)}
	sort.Strings(pair)
	sum := sha256.Sum256([]byte(pair[0] + pair[1]))
	return Parse(string(PrefixDM) + hex.EncodeToString(sum[:otherIDLength-1]))
}

func randomID(p Prefix) ID {
	b := make([]byte, otherIDLength-1)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("streamid: random source failed: %v", err))
	}
	return ID(string(p) + hex.EncodeToString(b))
}

// Set is an unordered collection of ids.
type Set map[ID]struct{}

// NewSet builds a set from ids.
func NewSet(ids ...ID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Add(id ID) { s[id] = struct{}{} }

func (s Set) Remove(id ID) { delete(s, id) }

// Sorted returns the members in lexical order.
func (s Set) Sorted() []ID {
	out := make([]ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}
