package store

import (
	"testing"
	"time"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/errs"
	"github.com/dnamesh/dnamessenger/groupenc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertAndGetGroupRoundTrip(t *testing.T) {
	s := openTestStore(t)
	owner := crypto.Fingerprint("owner-fp")
	alice := crypto.Fingerprint("alice-fp")
	now := time.Unix(1_700_000_000, 0)

	g := groupenc.NewGroup(owner, "friends", []crypto.Fingerprint{alice}, now)
	g.GEKVersion = 1

	require.NoError(t, s.UpsertGroup(g, now))

	rec, members, err := s.GetGroup(g.UUID)
	require.NoError(t, err)
	assert.Equal(t, "friends", rec.Name)
	assert.Equal(t, owner, rec.OwnerFP)
	assert.Equal(t, uint32(1), rec.GEKVersion)
	assert.ElementsMatch(t, []crypto.Fingerprint{owner, alice}, members)
}

func TestUpsertGroupReplacesMembership(t *testing.T) {
	s := openTestStore(t)
	owner := crypto.Fingerprint("owner-fp")
	alice := crypto.Fingerprint("alice-fp")
	bob := crypto.Fingerprint("bob-fp")
	now := time.Unix(1_700_000_000, 0)

	g := groupenc.NewGroup(owner, "friends", []crypto.Fingerprint{alice}, now)
	require.NoError(t, s.UpsertGroup(g, now))

	rotated := g.WithMembers([]crypto.Fingerprint{owner, bob})
	require.NoError(t, s.UpsertGroup(rotated, now))

	_, members, err := s.GetGroup(g.UUID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []crypto.Fingerprint{owner, bob}, members)
}

func TestGetGroupNotFound(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.GetGroup("missing")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.GroupNotFound))
}

func TestCacheGEKNeverOverwritesExistingVersion(t *testing.T) {
	s := openTestStore(t)
	gek1, err := groupenc.GenerateGEK(1)
	require.NoError(t, err)
	require.NoError(t, s.CacheGEK("group-1", gek1))

	other, err := groupenc.GenerateGEK(1)
	require.NoError(t, err)
	require.NoError(t, s.CacheGEK("group-1", other)) // same version, must be ignored

	got, err := s.LoadGEK("group-1", 1)
	require.NoError(t, err)
	assert.Equal(t, gek1.Key, got.Key)
}

func TestLoadGEKNotCached(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadGEK("group-1", 5)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.GroupNotFound))
}

func TestLoadKeyRingRebuildsCurrentVersion(t *testing.T) {
	s := openTestStore(t)
	gek1, err := groupenc.GenerateGEK(1)
	require.NoError(t, err)
	gek2, err := groupenc.GenerateGEK(2)
	require.NoError(t, err)
	require.NoError(t, s.CacheGEK("group-1", gek1))
	require.NoError(t, s.CacheGEK("group-1", gek2))

	ring, err := s.LoadKeyRing("group-1")
	require.NoError(t, err)
	current, ok := ring.Current()
	require.True(t, ok)
	assert.Equal(t, uint32(2), current.Version)

	old, ok := ring.Get(1)
	require.True(t, ok)
	assert.Equal(t, gek1.Key, old.Key)
}
