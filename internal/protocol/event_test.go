package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/signer"
)

func testSigner(t *testing.T) *signer.Ed25519 {
	t.Helper()
	s, err := signer.FromSeed(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	return s
}

func TestMakeEnvelopeSignsAgainstPointer(t *testing.T) {
	s := testSigner(t)
	ptr := CommitPointer{Hash: MustParseHash("00000000000000000000000000000000000000000000000000000000000000ff"), Num: 5}

	env, err := MakeEnvelope(context.Background(), s, &DMPayload{}, ptr, nil, false)
	require.NoError(t, err)

	assert.Equal(t, ptr, env.Event.Pointer())
	assert.Equal(t, s.Address(), env.Event.CreatorAddress)
	assert.Len(t, env.Event.Salt, signer.SaltSize)
	require.NoError(t, env.Verify())
	assert.Len(t, env.ID(), 64)
}

func TestEnvelopeVerifyDetectsTampering(t *testing.T) {
	s := testSigner(t)
	env, err := MakeEnvelope(context.Background(), s, &ChannelPayload{Message: EncryptedData{Ciphertext: "a"}}, CommitPointer{}, nil, false)
	require.NoError(t, err)

	tampered := env
	tampered.Event.Payload = &ChannelPayload{Message: EncryptedData{Ciphertext: "b"}}
	assert.ErrorContains(t, tampered.Verify(), "hash mismatch")

	resigned := env
	resigned.Signature = bytes.Clone(env.Signature)
	resigned.Signature[len(resigned.Signature)-1] ^= 0xff
	assert.ErrorContains(t, resigned.Verify(), "bad signature")
}

func TestMakeEnvelopeSaltMakesEventsDistinct(t *testing.T) {
	s := testSigner(t)
	a, err := MakeEnvelope(context.Background(), s, &DMPayload{}, CommitPointer{}, nil, false)
	require.NoError(t, err)
	b, err := MakeEnvelope(context.Background(), s, &DMPayload{}, CommitPointer{}, nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	s := testSigner(t)
	env, err := MakeEnvelope(context.Background(), s, &UserPayload{StreamID: "20ff", Op: MembershipJoin},
		CommitPointer{Num: 2}, &Tags{ThreadID: "t1"}, true)
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, env.Hash, back.Hash)
	assert.Equal(t, env.Event.Payload, back.Event.Payload)
	assert.True(t, back.Event.Ephemeral)
	require.NoError(t, back.Verify())
}
