package store

import (
	"testing"
	"time"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertContactRoundTripAndUpdate(t *testing.T) {
	s := openTestStore(t)
	fp := crypto.Fingerprint("contact-fp")
	now := time.Unix(1_700_000_000, 0)

	c := &ContactRecord{FP: fp, Nickname: "Al", DisplayName: "Alice", LastSeen: now, LastAckRecv: 3, LastAckSent: 2, DMLastSync: now, Blocked: false}
	require.NoError(t, s.UpsertContact(c))

	got, err := s.GetContact(fp)
	require.NoError(t, err)
	assert.Equal(t, "Al", got.Nickname)
	assert.Equal(t, uint64(3), got.LastAckRecv)
	assert.False(t, got.Blocked)

	c.Blocked = true
	c.LastAckRecv = 9
	require.NoError(t, s.UpsertContact(c))

	got, err = s.GetContact(fp)
	require.NoError(t, err)
	assert.True(t, got.Blocked)
	assert.Equal(t, uint64(9), got.LastAckRecv)
}

func TestGetContactNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetContact("nobody")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.IdentityNotFound))
}

func TestListContactsReturnsAll(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.UpsertContact(&ContactRecord{FP: "a", LastSeen: now, DMLastSync: now}))
	require.NoError(t, s.UpsertContact(&ContactRecord{FP: "b", LastSeen: now, DMLastSync: now}))

	all, err := s.ListContacts()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteContactRemovesRecord(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.UpsertContact(&ContactRecord{FP: "a", LastSeen: now, DMLastSync: now}))
	require.NoError(t, s.DeleteContact("a"))

	_, err := s.GetContact("a")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.IdentityNotFound))
}
