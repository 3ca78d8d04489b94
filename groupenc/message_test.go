package groupenc

import (
	"testing"

	"github.com/dnamesh/dnamessenger/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealAndOpenMessageRoundTrip(t *testing.T) {
	sender := freshIdentity(t)
	gek, err := GenerateGEK(3)
	require.NoError(t, err)

	msg, err := Seal("group-uuid-1", gek, sender, 42, []byte("hello group"))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), msg.GEKVersion)
	assert.Equal(t, sender.Fingerprint, msg.SenderFingerprint)

	plaintext, err := msg.Open(gek, sender.Signing.Public())
	require.NoError(t, err)
	assert.Equal(t, "hello group", string(plaintext))
}

func TestOpenRejectsWrongGEKVersion(t *testing.T) {
	sender := freshIdentity(t)
	gek, err := GenerateGEK(1)
	require.NoError(t, err)
	msg, err := Seal("group-uuid-1", gek, sender, 1, []byte("hi"))
	require.NoError(t, err)

	wrongVersion, err := GenerateGEK(2)
	require.NoError(t, err)
	_, err = msg.Open(wrongVersion, sender.Signing.Public())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidArgument))
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	sender := freshIdentity(t)
	gek, err := GenerateGEK(0)
	require.NoError(t, err)
	msg, err := Seal("group-uuid-1", gek, sender, 1, []byte("hi"))
	require.NoError(t, err)

	msg.Ciphertext[0] ^= 0xFF
	_, err = msg.Open(gek, sender.Signing.Public())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.DecryptFailure))
}

func TestOpenRejectsWrongSenderKey(t *testing.T) {
	sender := freshIdentity(t)
	impostor := freshIdentity(t)
	gek, err := GenerateGEK(0)
	require.NoError(t, err)
	msg, err := Seal("group-uuid-1", gek, sender, 1, []byte("hi"))
	require.NoError(t, err)

	_, err = msg.Open(gek, impostor.Signing.Public())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.BadSignature))
}

func TestMarshalUnmarshalMessageRoundTrip(t *testing.T) {
	sender := freshIdentity(t)
	gek, err := GenerateGEK(5)
	require.NoError(t, err)
	msg, err := Seal("group-uuid-9", gek, sender, 7, []byte("payload"))
	require.NoError(t, err)

	data, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMessage(data, "group-uuid-9")
	require.NoError(t, err)
	assert.Equal(t, msg.GEKVersion, got.GEKVersion)
	assert.Equal(t, msg.SenderFingerprint, got.SenderFingerprint)
	assert.Equal(t, msg.SeqNum, got.SeqNum)
	assert.Equal(t, msg.Nonce, got.Nonce)
	assert.Equal(t, msg.Ciphertext, got.Ciphertext)

	plaintext, err := got.Open(gek, sender.Signing.Public())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plaintext))
}

func TestUnmarshalMessageRejectsBadMagic(t *testing.T) {
	_, err := UnmarshalMessage(append([]byte("BAD!"), make([]byte, 200)...), "g")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.MalformedRecord))
}

func TestUnmarshalMessageRejectsTruncated(t *testing.T) {
	_, err := UnmarshalMessage([]byte("GMSG"), "g")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.MalformedRecord))
}
