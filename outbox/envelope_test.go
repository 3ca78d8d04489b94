package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealAndOpenEnvelopeRoundTrip(t *testing.T) {
	alice := freshIdentity(t)
	bob := freshIdentity(t)

	env, err := SealEnvelope(alice.Signing, bob.Fingerprint, bob.KEM.Public(), 1, time.Unix(1_700_000_000, 0), []byte("hello bob"))
	require.NoError(t, err)
	assert.Equal(t, alice.Fingerprint, env.SenderFingerprint)

	plaintext, err := env.Open(bob.KEM, alice.Signing.Public())
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(plaintext))
}

func TestOpenRejectsWrongSigningKey(t *testing.T) {
	alice := freshIdentity(t)
	bob := freshIdentity(t)
	mallory := freshIdentity(t)

	env, err := SealEnvelope(alice.Signing, bob.Fingerprint, bob.KEM.Public(), 1, time.Now(), []byte("hi"))
	require.NoError(t, err)

	_, err = env.Open(bob.KEM, mallory.Signing.Public())
	assert.Error(t, err)
}

func TestMarshalUnmarshalEnvelopeRoundTrip(t *testing.T) {
	alice := freshIdentity(t)
	bob := freshIdentity(t)

	env, err := SealEnvelope(alice.Signing, bob.Fingerprint, bob.KEM.Public(), 42, time.Unix(1_700_000_123, 0), []byte("payload"))
	require.NoError(t, err)

	wire, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := UnmarshalEnvelope(wire)
	require.NoError(t, err)
	assert.Equal(t, env.SenderFingerprint, parsed.SenderFingerprint)
	assert.Equal(t, env.RecipientFingerprint, parsed.RecipientFingerprint)
	assert.Equal(t, env.SeqNum, parsed.SeqNum)
	assert.Equal(t, env.Timestamp.Unix(), parsed.Timestamp.Unix())
	assert.Equal(t, env.KEMCiphertext, parsed.KEMCiphertext)
	assert.Equal(t, env.AEADNonce, parsed.AEADNonce)
	assert.Equal(t, env.AEADCiphertext, parsed.AEADCiphertext)

	plaintext, err := parsed.Open(bob.KEM, alice.Signing.Public())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plaintext))
}

func TestUnmarshalEnvelopeRejectsBadMagic(t *testing.T) {
	alice := freshIdentity(t)
	bob := freshIdentity(t)
	env, err := SealEnvelope(alice.Signing, bob.Fingerprint, bob.KEM.Public(), 1, time.Now(), []byte("x"))
	require.NoError(t, err)
	wire, err := env.Marshal()
	require.NoError(t, err)

	wire[0] = 'X'
	_, err = UnmarshalEnvelope(wire)
	assert.Error(t, err)
}

func TestUnmarshalEnvelopeRejectsTruncated(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte("too short"))
	assert.Error(t, err)
}
