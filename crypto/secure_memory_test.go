package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureWipeZeroesBuffer(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, data)
}

func TestSecureWipeRejectsNil(t *testing.T) {
	assert.Error(t, SecureWipe(nil))
}

func TestZeroBytesIgnoresErrors(t *testing.T) {
	// ZeroBytes must not panic even on nil input; it swallows the error.
	assert.NotPanics(t, func() { ZeroBytes(nil) })
}

func TestSecureWipeZeroesSeedMaterial(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	require.NoError(t, err)
	seed, err := SeedFromMnemonic(mnemonic, "")
	require.NoError(t, err)
	require.NotEmpty(t, seed)

	copyBefore := append([]byte(nil), seed...)
	require.NoError(t, SecureWipe(seed))

	assert.NotEqual(t, copyBefore, seed)
	for _, b := range seed {
		assert.Zero(t, b)
	}
}
