package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainEvent     = "strand/event/v1"
	DomainMiniblock = "strand/miniblock/v1"
)

// Hash is a 32-byte content address.
type Hash [32]byte

// ZeroHash is the pointer hash used by genesis events.
var ZeroHash Hash

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("parse hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// MustParseHash is like ParseHash but panics on error.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first eight hex characters, for logs.
func (h Hash) Short() string { return h.String()[:8] }

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) Hash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// EventHash computes the content address of an unsigned event.
func EventHash(ev StreamEvent) (Hash, error) {
	canonical, err := MarshalCanonical(ev)
	if err != nil {
		return Hash{}, fmt.Errorf("EventHash: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// MiniblockHash computes the content address of a miniblock header.
func MiniblockHash(header MiniblockHeader) (Hash, error) {
	canonical, err := MarshalCanonical(header)
	if err != nil {
		return Hash{}, fmt.Errorf("MiniblockHash: %w", err)
	}
	return hashWithDomain(DomainMiniblock, canonical), nil
}
