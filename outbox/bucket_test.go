package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketEntrySignAndVerify(t *testing.T) {
	alice := freshIdentity(t)
	bob := freshIdentity(t)

	env, err := SealEnvelope(alice.Signing, bob.Fingerprint, bob.KEM.Public(), 1, time.Now(), []byte("hi"))
	require.NoError(t, err)
	wire, err := env.Marshal()
	require.NoError(t, err)

	entry := BucketEntry{RecipientFingerprint: bob.Fingerprint, SeqNum: 1, Ciphertext: wire}
	require.NoError(t, entry.sign(alice.Signing))
	assert.True(t, entry.verify(alice.Fingerprint, alice.Signing.Public()))
}

func TestBucketEntryVerifyRejectsTamperedCiphertext(t *testing.T) {
	alice := freshIdentity(t)
	bob := freshIdentity(t)

	entry := BucketEntry{RecipientFingerprint: bob.Fingerprint, SeqNum: 1, Ciphertext: []byte("original")}
	require.NoError(t, entry.sign(alice.Signing))

	entry.Ciphertext = []byte("tampered")
	assert.False(t, entry.verify(alice.Fingerprint, alice.Signing.Public()))
}

func TestBucketMarshalUnmarshalRoundTrip(t *testing.T) {
	alice := freshIdentity(t)
	bob := freshIdentity(t)

	entry := BucketEntry{RecipientFingerprint: bob.Fingerprint, SeqNum: 3, Ciphertext: []byte("abc")}
	require.NoError(t, entry.sign(alice.Signing))

	bucket := &Bucket{SenderFingerprint: alice.Fingerprint, DayIndex: 19000, Entries: []BucketEntry{entry}}
	data, err := bucket.Marshal()
	require.NoError(t, err)

	parsed, err := UnmarshalBucket(data)
	require.NoError(t, err)
	assert.Equal(t, bucket.SenderFingerprint, parsed.SenderFingerprint)
	require.Len(t, parsed.Entries, 1)
	assert.Equal(t, entry.SeqNum, parsed.Entries[0].SeqNum)
	assert.True(t, parsed.Entries[0].verify(alice.Fingerprint, alice.Signing.Public()))
}

func TestBucketValueIDStableAcrossCalls(t *testing.T) {
	alice := freshIdentity(t)
	v1 := bucketValueID(alice.Fingerprint, 19000)
	v2 := bucketValueID(alice.Fingerprint, 19000)
	assert.Equal(t, v1, v2)

	v3 := bucketValueID(alice.Fingerprint, 19001)
	assert.NotEqual(t, v1, v3)
}
