package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	pub := []byte("fake-public-key-bytes")
	priv := []byte("fake-private-key-bytes-much-longer")
	password := []byte("correct horse battery staple")

	skf, err := Seal(AlgSigning, pub, priv, password)
	require.NoError(t, err)

	got, err := skf.Open(password)
	require.NoError(t, err)
	assert.Equal(t, priv, got)
}

func TestOpenWrongPasswordLeavesFileIntact(t *testing.T) {
	pub := []byte("pub")
	priv := []byte("priv-material")
	skf, err := Seal(AlgKEM, pub, priv, []byte("right-password"))
	require.NoError(t, err)

	before := skf.Marshal()

	_, err = skf.Open([]byte("wrong-password"))
	assert.ErrorIs(t, err, ErrWrongPassword)

	after := skf.Marshal()
	assert.Equal(t, before, after, "failed Open must not mutate the sealed key file")
}

func TestMarshalParseRoundTrip(t *testing.T) {
	pub := []byte("another-public-key")
	priv := []byte("another-private-key-material")
	skf, err := Seal(AlgMnemonic, pub, priv, []byte("pw"))
	require.NoError(t, err)

	data := skf.Marshal()
	parsed, err := ParseSealedKeyFile(data)
	require.NoError(t, err)

	assert.Equal(t, skf.AlgID, parsed.AlgID)
	assert.Equal(t, skf.PublicKey, parsed.PublicKey)

	got, err := parsed.Open([]byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, priv, got)
}

func TestParseSealedKeyFileRejectsBadMagic(t *testing.T) {
	data := make([]byte, 128)
	copy(data, "NOTDNAKEY")
	_, err := ParseSealedKeyFile(data)
	assert.Error(t, err)
}

func TestParseSealedKeyFileRejectsTruncated(t *testing.T) {
	_, err := ParseSealedKeyFile([]byte("too short"))
	assert.Error(t, err)
}

func TestChangePassword(t *testing.T) {
	pub := []byte("pub-bytes")
	priv := []byte("priv-bytes-of-some-length")
	skf, err := Seal(AlgSigning, pub, priv, []byte("old-password"))
	require.NoError(t, err)

	err = skf.ChangePassword([]byte("old-password"), []byte("new-password"))
	require.NoError(t, err)

	_, err = skf.Open([]byte("old-password"))
	assert.ErrorIs(t, err, ErrWrongPassword)

	got, err := skf.Open([]byte("new-password"))
	require.NoError(t, err)
	assert.Equal(t, priv, got)
}

func TestChangePasswordWrongOldLeavesFileIntact(t *testing.T) {
	pub := []byte("pub-bytes")
	priv := []byte("priv-bytes")
	skf, err := Seal(AlgSigning, pub, priv, []byte("old-password"))
	require.NoError(t, err)
	before := skf.Marshal()

	err = skf.ChangePassword([]byte("not-the-old-password"), []byte("new-password"))
	assert.ErrorIs(t, err, ErrWrongPassword)
	assert.Equal(t, before, skf.Marshal())
}

func TestKeyStoreWriteReadDelete(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeyStore(dir)
	require.NoError(t, err)

	skf, err := Seal(AlgSigning, []byte("pub"), []byte("priv"), []byte("pw"))
	require.NoError(t, err)

	require.NoError(t, ks.WriteSealed(IdentitySigningFile, skf))

	finalPath := filepath.Join(dir, IdentitySigningFile)
	_, err = os.Stat(finalPath)
	require.NoError(t, err)

	tmpPath := filepath.Join(dir, IdentitySigningFile+".tmp")
	_, err = os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(err), "temporary file must not survive a successful write")

	readBack, err := ks.ReadSealed(IdentitySigningFile)
	require.NoError(t, err)
	priv, err := readBack.Open([]byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("priv"), priv)

	require.NoError(t, ks.DeleteSealed(IdentitySigningFile))
	_, err = os.Stat(finalPath)
	assert.True(t, os.IsNotExist(err))

	// Deleting an already-gone file is not an error.
	assert.NoError(t, ks.DeleteSealed(IdentitySigningFile))
}

func TestKeyStoreReadMissingFile(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeyStore(dir)
	require.NoError(t, err)

	_, err = ks.ReadSealed(IdentityKEMFile)
	assert.Error(t, err)
}
