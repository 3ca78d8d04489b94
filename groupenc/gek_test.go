package groupenc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateGEKProducesDistinctKeys(t *testing.T) {
	a, err := GenerateGEK(0)
	require.NoError(t, err)
	b, err := GenerateGEK(0)
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, b.Key)
}

func TestKeyRingTracksCurrentVersion(t *testing.T) {
	ring := NewKeyRing()
	_, ok := ring.Current()
	assert.False(t, ok)

	v0, _ := GenerateGEK(0)
	v1, _ := GenerateGEK(1)
	ring.Add(v0)
	ring.Add(v1)

	current, ok := ring.Current()
	require.True(t, ok)
	assert.Equal(t, uint32(1), current.Version)

	old, ok := ring.Get(0)
	require.True(t, ok)
	assert.Equal(t, v0.Key, old.Key)
}

func TestKeyRingOutOfOrderAddKeepsHighestAsCurrent(t *testing.T) {
	ring := NewKeyRing()
	v2, _ := GenerateGEK(2)
	v1, _ := GenerateGEK(1)
	ring.Add(v2)
	ring.Add(v1)

	current, ok := ring.Current()
	require.True(t, ok)
	assert.Equal(t, uint32(2), current.Version)
}
