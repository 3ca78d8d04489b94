package dhtapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutGetRoundTrip(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	key := []byte("k1")

	require.NoError(t, m.Put(ctx, key, []byte("v1"), time.Hour))

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("v1"), got[0].Value)
}

func TestMemoryGetMissingKeyReturnsEmpty(t *testing.T) {
	m := NewMemory(nil)
	got, err := m.Get(context.Background(), []byte("nope"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryExpiresByTTL(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	key := []byte("expiring")

	require.NoError(t, m.Put(ctx, key, []byte("v"), -time.Second))

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryPutSignedRejectsConcurrentSameValueIDFromOtherSigner(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	key := []byte("versioned")

	err := m.PutSigned(ctx, key, []byte("v1"), 1, time.Hour, EntryTypeIdentity, []byte("signer-a"), []byte("sig"))
	require.NoError(t, err)

	err = m.PutSigned(ctx, key, []byte("v1-again"), 1, time.Hour, EntryTypeIdentity, []byte("signer-b"), []byte("sig"))
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("v1"), got[0].Value)
}

func TestMemoryPutSignedAllowsSameOwnerOverwrite(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	key := []byte("presence-like")

	require.NoError(t, m.PutSigned(ctx, key, []byte("v1"), 1, time.Hour, EntryTypePresence, []byte("owner"), []byte("sig1")))
	require.NoError(t, m.PutSigned(ctx, key, []byte("v2"), 1, time.Hour, EntryTypePresence, []byte("owner"), []byte("sig2")))

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("v2"), got[0].Value)
}

func TestMemoryPutSignedAllowsNewValueID(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	key := []byte("versioned")

	require.NoError(t, m.PutSigned(ctx, key, []byte("v1"), 1, time.Hour, EntryTypeIdentity, nil, nil))
	require.NoError(t, m.PutSigned(ctx, key, []byte("v2"), 2, time.Hour, EntryTypeIdentity, nil, nil))

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("v2"), got[0].Value)
	assert.Equal(t, uint64(2), got[0].ValueID)
}

func TestMemoryNotReadyRejectsCalls(t *testing.T) {
	m := NewMemory(nil)
	m.SetReady(false)
	assert.False(t, m.IsReady())

	err := m.Put(context.Background(), []byte("k"), []byte("v"), time.Hour)
	assert.Error(t, err)
}

func TestMemorySubscribeReceivesMatchingKeys(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	received := make(chan Entry, 4)
	sub, err := m.Subscribe([]byte("dm_outbox:alice"), func(e Entry) { received <- e })
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, m.Put(ctx, []byte("dm_outbox:alice:day1"), []byte("msg"), time.Hour))
	require.NoError(t, m.Put(ctx, []byte("dm_outbox:bob:day1"), []byte("other"), time.Hour))

	select {
	case e := <-received:
		assert.Equal(t, []byte("msg"), e.Value)
	default:
		t.Fatal("expected subscriber to receive matching-prefix entry")
	}
	assert.Empty(t, received)
}

func TestMemorySubscribeCancelStopsDelivery(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	received := make(chan Entry, 4)
	sub, err := m.Subscribe([]byte("k"), func(e Entry) { received <- e })
	require.NoError(t, err)

	sub.Cancel()
	require.NoError(t, m.Put(ctx, []byte("k1"), []byte("v"), time.Hour))

	select {
	case <-received:
		t.Fatal("cancelled subscription must not receive further callbacks")
	default:
	}
}
