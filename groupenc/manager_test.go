package groupenc

import (
	"context"
	"testing"
	"time"

	"github.com/dnamesh/dnamessenger/clock"
	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/dhtapi"
	"github.com/dnamesh/dnamessenger/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (f *fixedClock) Now() time.Time                 { return f.now }
func (f *fixedClock) Since(t time.Time) time.Duration { return f.now.Sub(t) }

var _ clock.Provider = (*fixedClock)(nil)

func resolverFor(ids ...*crypto.Identity) staticKEMResolver {
	r := staticKEMResolver{}
	for _, id := range ids {
		r[id.Fingerprint] = id.KEM.Public()
	}
	return r
}

func TestCreateGroupPublishesIKPMembersCanExtract(t *testing.T) {
	owner := freshIdentity(t)
	alice := freshIdentity(t)
	bob := freshIdentity(t)

	mem := dhtapi.NewMemory(nil)
	fc := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	resolver := resolverFor(owner, alice, bob)

	ownerMgr := NewManager(mem, fc, owner, resolver)
	g, gek, err := ownerMgr.CreateGroup(context.Background(), "friends", []crypto.Fingerprint{alice.Fingerprint, bob.Fingerprint})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), g.GEKVersion)

	aliceMgr := NewManager(mem, fc, alice, resolver)
	gotGek, err := aliceMgr.FetchGEK(context.Background(), g.UUID, g.GEKVersion, owner.Signing.Public(), owner.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, gek.Key, gotGek.Key)
}

func TestFetchGEKRejectsNonMember(t *testing.T) {
	owner := freshIdentity(t)
	alice := freshIdentity(t)
	outsider := freshIdentity(t)

	mem := dhtapi.NewMemory(nil)
	fc := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	resolver := resolverFor(owner, alice)

	ownerMgr := NewManager(mem, fc, owner, resolver)
	g, _, err := ownerMgr.CreateGroup(context.Background(), "friends", []crypto.Fingerprint{alice.Fingerprint})
	require.NoError(t, err)

	outsiderMgr := NewManager(mem, fc, outsider, resolver)
	_, err = outsiderMgr.FetchGEK(context.Background(), g.UUID, g.GEKVersion, owner.Signing.Public(), owner.Fingerprint)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotMember))
}

func TestRotateOnMemberAddAdvancesVersionAndExcludesRemovedMember(t *testing.T) {
	owner := freshIdentity(t)
	alice := freshIdentity(t)
	bob := freshIdentity(t)

	mem := dhtapi.NewMemory(nil)
	fc := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	resolver := resolverFor(owner, alice, bob)

	ownerMgr := NewManager(mem, fc, owner, resolver)
	g, _, err := ownerMgr.CreateGroup(context.Background(), "friends", []crypto.Fingerprint{alice.Fingerprint})
	require.NoError(t, err)

	rotated, newGek, err := ownerMgr.RotateOnMemberAdd(context.Background(), g, []crypto.Fingerprint{owner.Fingerprint, bob.Fingerprint})
	require.NoError(t, err)
	assert.Equal(t, g.GEKVersion+1, rotated.GEKVersion)
	assert.True(t, rotated.IsMember(bob.Fingerprint))
	assert.False(t, rotated.IsMember(alice.Fingerprint))

	// Alice, removed, must not be able to extract the new GEK.
	aliceMgr := NewManager(mem, fc, alice, resolver)
	_, err = aliceMgr.FetchGEK(context.Background(), rotated.UUID, rotated.GEKVersion, owner.Signing.Public(), owner.Fingerprint)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotMember))

	// Bob, newly added, can.
	bobMgr := NewManager(mem, fc, bob, resolver)
	gotGek, err := bobMgr.FetchGEK(context.Background(), rotated.UUID, rotated.GEKVersion, owner.Signing.Public(), owner.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, newGek.Key, gotGek.Key)
}

func TestRotateOnMemberAddRejectsNonOwner(t *testing.T) {
	owner := freshIdentity(t)
	alice := freshIdentity(t)

	mem := dhtapi.NewMemory(nil)
	fc := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	resolver := resolverFor(owner, alice)

	ownerMgr := NewManager(mem, fc, owner, resolver)
	g, _, err := ownerMgr.CreateGroup(context.Background(), "friends", []crypto.Fingerprint{alice.Fingerprint})
	require.NoError(t, err)

	aliceMgr := NewManager(mem, fc, alice, resolver)
	_, _, err = aliceMgr.RotateOnMemberAdd(context.Background(), g, []crypto.Fingerprint{owner.Fingerprint, alice.Fingerprint})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotAuthorized))
}

// TestRotateOnMemberAddRetriesAfterLosingRace simulates a second device
// winning the race for version+1's IKP slot before the owner's rotation
// call reaches the DHT; the owner must bump past it and land on
// version+2 instead of erroring out.
func TestRotateOnMemberAddRetriesAfterLosingRace(t *testing.T) {
	owner := freshIdentity(t)
	alice := freshIdentity(t)
	bob := freshIdentity(t)

	mem := dhtapi.NewMemory(nil)
	fc := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	resolver := resolverFor(owner, alice, bob)

	ownerMgr := NewManager(mem, fc, owner, resolver)
	g, _, err := ownerMgr.CreateGroup(context.Background(), "friends", []crypto.Fingerprint{alice.Fingerprint})
	require.NoError(t, err)

	// A different signer claims version+1's IKP slot first.
	rivalKey := dhtapi.IKPKey(g.UUID, g.GEKVersion+1)
	require.NoError(t, mem.PutSigned(context.Background(), rivalKey, []byte("rival-ikp"), uint64(g.GEKVersion+1), IKPMinTTL, dhtapi.EntryTypeIKP, []byte("rival-signer"), []byte("rival-sig")))

	rotated, _, err := ownerMgr.RotateOnMemberAdd(context.Background(), g, []crypto.Fingerprint{owner.Fingerprint, alice.Fingerprint, bob.Fingerprint})
	require.NoError(t, err)
	assert.Equal(t, g.GEKVersion+2, rotated.GEKVersion, "owner must skip the already-claimed version and land on the next one")
}

// TestRotateOnMemberAddRejectsUnchangedMembership exercises the
// ShouldRotate short-circuit: rotating with the same member set the
// group already has must fail rather than silently burning a GEK
// version.
func TestRotateOnMemberAddRejectsUnchangedMembership(t *testing.T) {
	owner := freshIdentity(t)
	alice := freshIdentity(t)

	mem := dhtapi.NewMemory(nil)
	fc := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	resolver := resolverFor(owner, alice)

	ownerMgr := NewManager(mem, fc, owner, resolver)
	g, _, err := ownerMgr.CreateGroup(context.Background(), "friends", []crypto.Fingerprint{alice.Fingerprint})
	require.NoError(t, err)

	_, _, err = ownerMgr.RotateOnMemberAdd(context.Background(), g, []crypto.Fingerprint{owner.Fingerprint, alice.Fingerprint})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidArgument))
}

// TestFetchGEKServesRepeatVersionFromKeyRing verifies a version already
// extracted is answered from the local KeyRing rather than the DHT: a
// corrupted DHT entry for a version already cached must not surface an
// error on the second fetch.
func TestFetchGEKServesRepeatVersionFromKeyRing(t *testing.T) {
	owner := freshIdentity(t)
	alice := freshIdentity(t)

	mem := dhtapi.NewMemory(nil)
	fc := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	resolver := resolverFor(owner, alice)

	ownerMgr := NewManager(mem, fc, owner, resolver)
	g, gek, err := ownerMgr.CreateGroup(context.Background(), "friends", []crypto.Fingerprint{alice.Fingerprint})
	require.NoError(t, err)

	aliceMgr := NewManager(mem, fc, alice, resolver)
	first, err := aliceMgr.FetchGEK(context.Background(), g.UUID, g.GEKVersion, owner.Signing.Public(), owner.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, gek.Key, first.Key)

	// Corrupt the published IKP after the first fetch; a second fetch of
	// the same version must still succeed from the ring, not the DHT.
	key := dhtapi.IKPKey(g.UUID, g.GEKVersion)
	require.NoError(t, mem.PutSigned(context.Background(), key, []byte("corrupt"), uint64(g.GEKVersion)+1000, IKPMinTTL, dhtapi.EntryTypeIKP, []byte("x"), []byte("y")))

	second, err := aliceMgr.FetchGEK(context.Background(), g.UUID, g.GEKVersion, owner.Signing.Public(), owner.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, gek.Key, second.Key)
}

func TestPostAndFetchMemberMessagesRoundTrip(t *testing.T) {
	owner := freshIdentity(t)
	alice := freshIdentity(t)

	mem := dhtapi.NewMemory(nil)
	fc := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	resolver := resolverFor(owner, alice)

	ownerMgr := NewManager(mem, fc, owner, resolver)
	g, gek, err := ownerMgr.CreateGroup(context.Background(), "friends", []crypto.Fingerprint{alice.Fingerprint})
	require.NoError(t, err)

	require.NoError(t, ownerMgr.PostMessage(context.Background(), g.UUID, gek, 1, []byte("hello")))
	require.NoError(t, ownerMgr.PostMessage(context.Background(), g.UUID, gek, 2, []byte("world")))

	aliceMgr := NewManager(mem, fc, alice, resolver)
	day := dhtapi.DayIndex(fc.now.Unix())
	msgs, err := aliceMgr.FetchMemberMessages(context.Background(), g.UUID, owner.Fingerprint, owner.Signing.Public(), day, gek)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", string(msgs[0]))
	assert.Equal(t, "world", string(msgs[1]))
}

func TestFetchMemberMessagesEmptyWhenNothingPosted(t *testing.T) {
	owner := freshIdentity(t)
	alice := freshIdentity(t)

	mem := dhtapi.NewMemory(nil)
	fc := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	resolver := resolverFor(owner, alice)

	aliceMgr := NewManager(mem, fc, alice, resolver)
	msgs, err := aliceMgr.FetchMemberMessages(context.Background(), "some-group", owner.Fingerprint, owner.Signing.Public(), dhtapi.DayIndex(fc.now.Unix()), nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
