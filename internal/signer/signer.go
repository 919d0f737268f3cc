// Package signer defines the signing collaborator the sync engine submits
// events through, plus an Ed25519 reference implementation.
package signer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// SaltSize is the length of the random salt attached to every event.
const SaltSize = 16

// Signer produces signatures over event hashes.
type Signer interface {
	// Address is the 20-byte account address events are attributed to.
	Address() []byte
	Sign(ctx context.Context, hash []byte) ([]byte, error)
}

// Ed25519 signs with an Ed25519 key. The address is the trailing 20 bytes of
// SHA-256 over the public key, and the public key is carried inside the
// signature so any holder of the address can verify it.
type Ed25519 struct {
	priv    ed25519.PrivateKey
	address []byte
}

// NewEd25519 wraps an existing private key.
func NewEd25519(priv ed25519.PrivateKey) *Ed25519 {
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519{priv: priv, address: AddressOf(pub)}
}

// GenerateEd25519 creates a fresh random key.
func GenerateEd25519() (*Ed25519, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewEd25519(priv), nil
}

// FromSeed derives a key from a 32-byte seed. Tests use it for stable
// addresses.
func FromSeed(seed []byte) (*Ed25519, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewEd25519(ed25519.NewKeyFromSeed(seed)), nil
}

// LoadKeyFile reads a hex-encoded seed from path. If the file does not exist
// a new key is generated and written there with mode 0600.
func LoadKeyFile(path string) (*Ed25519, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s, err := GenerateEd25519()
		if err != nil {
			return nil, err
		}
		seed := hex.EncodeToString(s.priv.Seed())
		if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("write key file: %w", err)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	return FromSeed(seed)
}

func (s *Ed25519) Address() []byte { return s.address }

// Sign returns pubkey || signature.
func (s *Ed25519) Sign(ctx context.Context, hash []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pub := s.priv.Public().(ed25519.PublicKey)
	sig := ed25519.Sign(s.priv, hash)
	out := make([]byte, 0, len(pub)+len(sig))
	out = append(out, pub...)
	return append(out, sig...), nil
}

// AddressOf derives the account address of a public key.
func AddressOf(pub ed25519.PublicKey) []byte {
	sum := sha256.Sum256(pub)
	return sum[len(sum)-20:]
}

// Verify checks a signature produced by Ed25519.Sign against address.
func Verify(address, hash, sig []byte) bool {
	if len(sig) != ed25519.PublicKeySize+ed25519.SignatureSize {
		return false
	}
	pub := ed25519.PublicKey(sig[:ed25519.PublicKeySize])
	if !bytes.Equal(AddressOf(pub), address) {
		return false
	}
	return ed25519.Verify(pub, hash, sig[ed25519.PublicKeySize:])
}

// RandomSalt returns SaltSize random bytes.
func RandomSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	return salt, nil
}
