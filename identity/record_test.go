package identity

import (
	"testing"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	mnemonic, err := crypto.GenerateMnemonic()
	require.NoError(t, err)
	seed, err := crypto.SeedFromMnemonic(mnemonic, "")
	require.NoError(t, err)
	id, err := crypto.DeriveIdentity(seed)
	require.NoError(t, err)
	return id
}

func TestRecordSignAndVerify(t *testing.T) {
	id := freshIdentity(t)
	rec := &Record{
		SigningPubkey: id.Signing.Public(),
		KEMPubkey:     id.KEM.Public(),
		Version:       1,
		Timestamp:     1000,
	}
	require.NoError(t, rec.Sign(id.Signing))
	assert.True(t, rec.Verify())
	assert.Equal(t, id.Fingerprint, rec.Fingerprint())
}

func TestRecordVerifyFailsOnTamperedField(t *testing.T) {
	id := freshIdentity(t)
	rec := &Record{
		SigningPubkey:  id.Signing.Public(),
		KEMPubkey:      id.KEM.Public(),
		RegisteredName: "alice",
		Version:        1,
		Timestamp:      1000,
	}
	require.NoError(t, rec.Sign(id.Signing))

	rec.RegisteredName = "mallory"
	assert.False(t, rec.Verify())
}

func TestRecordMarshalUnmarshalRoundTrip(t *testing.T) {
	id := freshIdentity(t)
	rec := &Record{
		SigningPubkey: id.Signing.Public(),
		KEMPubkey:     id.KEM.Public(),
		Version:       3,
		Timestamp:     5000,
		Profile:       Profile{Bio: "hello"},
	}
	require.NoError(t, rec.Sign(id.Signing))

	data, err := rec.Marshal()
	require.NoError(t, err)

	parsed, err := UnmarshalRecord(data)
	require.NoError(t, err)
	assert.True(t, parsed.Verify())
	assert.Equal(t, rec.Fingerprint(), parsed.Fingerprint())
	assert.Equal(t, "hello", parsed.Profile.Bio)
}
