package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/dhtapi"
	"github.com/dnamesh/dnamessenger/groupenc"
	"github.com/dnamesh/dnamessenger/identity"
	"github.com/dnamesh/dnamessenger/store"
	"github.com/stretchr/testify/require"
)

type resultCollector struct {
	mu      sync.Mutex
	results map[uint64]Result
	seen    chan struct{}
}

func newResultCollector() *resultCollector {
	return &resultCollector{results: make(map[uint64]Result), seen: make(chan struct{}, 256)}
}

func (c *resultCollector) callback(r Result) {
	c.mu.Lock()
	c.results[r.RequestID] = r
	c.mu.Unlock()
	select {
	case c.seen <- struct{}{}:
	default:
	}
}

func (c *resultCollector) waitFor(t *testing.T, id uint64, timeout time.Duration) Result {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		r, ok := c.results[id]
		c.mu.Unlock()
		if ok {
			return r
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for result of request %d", id)
		}
		select {
		case <-c.seen:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func newTestIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	im, err := NewIdentityManager(t.TempDir())
	require.NoError(t, err)
	id, _, err := im.Create("correct horse battery staple")
	require.NoError(t, err)
	return id
}

func newTestEngine(t *testing.T) (*Engine, *resultCollector) {
	t.Helper()
	self := newTestIdentity(t)
	dht := dhtapi.NewMemory(nil)
	e, err := New(self, &Options{DHT: dht, InMemoryStore: true})
	require.NoError(t, err)

	rc := newResultCollector()
	require.NoError(t, e.Run(rc.callback))
	t.Cleanup(func() { _ = e.Shutdown(5 * time.Second) })
	return e, rc
}

func TestSendMessageAndGetConversationRoundTrip(t *testing.T) {
	e, rc := newTestEngine(t)
	peer := crypto.Fingerprint("peer-fp")
	e.Contacts.Add(peer, "Peer")

	sendID := e.SendMessage(peer, []byte("hello there"))
	r := rc.waitFor(t, sendID, 5*time.Second)
	require.NoError(t, r.Err)
	msgID, ok := r.Value.(string)
	require.True(t, ok)
	require.NotEmpty(t, msgID)

	convID := e.GetConversation(peer)
	r2 := rc.waitFor(t, convID, 5*time.Second)
	require.NoError(t, r2.Err)
	msgs, ok := r2.Value.([]*store.Message)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("hello there"), msgs[0].Plaintext)
	require.Equal(t, store.StateSent, msgs[0].State)
}

func TestShutdownDrainsWorkersAndStopsListeners(t *testing.T) {
	self := newTestIdentity(t)
	dht := dhtapi.NewMemory(nil)
	e, err := New(self, &Options{DHT: dht, InMemoryStore: true})
	require.NoError(t, err)

	rc := newResultCollector()
	require.NoError(t, e.Run(rc.callback))

	peer := crypto.Fingerprint("sub-peer")
	e.Contacts.Add(peer, "Sub")
	subID := e.SubscribeContact(peer)
	rc.waitFor(t, subID, 5*time.Second)

	require.NoError(t, e.Shutdown(5*time.Second))

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Empty(t, e.listeners)
}

func TestCancelStopsInflightRequestBeforeExecution(t *testing.T) {
	e, rc := newTestEngine(t)

	id := e.Cancel(999999) // no such request
	require.False(t, id)

	reqID := e.submit(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cancelled := e.Cancel(reqID)
	require.True(t, cancelled)

	r := rc.waitFor(t, reqID, 5*time.Second)
	require.Error(t, r.Err)
}

func TestAddContactBlockAndUnblock(t *testing.T) {
	e, rc := newTestEngine(t)
	peer := crypto.Fingerprint("block-peer")

	addID := e.AddContact(peer, "Blocked Friend")
	rc.waitFor(t, addID, 5*time.Second)

	blockID := e.BlockUser(peer)
	r := rc.waitFor(t, blockID, 5*time.Second)
	require.NoError(t, r.Err)
	require.True(t, e.Contacts.IsBlocked(peer))

	unblockID := e.UnblockUser(peer)
	rc.waitFor(t, unblockID, 5*time.Second)
	require.False(t, e.Contacts.IsBlocked(peer))
}

func TestGroupCreateSendAndSync(t *testing.T) {
	e, rc := newTestEngine(t)

	createID := e.GroupCreate("book-club", []crypto.Fingerprint{e.self.Fingerprint})
	r := rc.waitFor(t, createID, 5*time.Second)
	require.NoError(t, r.Err)
	g, ok := r.Value.(*groupenc.Group)
	require.True(t, ok)

	sendID := e.GroupSendMessage(g.UUID, g.GEKVersion, 0, []byte("welcome"))
	rs := rc.waitFor(t, sendID, 5*time.Second)
	require.NoError(t, rs.Err)

	syncID := e.GroupSync(g.UUID, e.self.Fingerprint, e.self.Signing.Public(), dhtapi.DayIndex(time.Now().Unix()), g.GEKVersion)
	rsync := rc.waitFor(t, syncID, 5*time.Second)
	require.NoError(t, rsync.Err)
	msgs, ok := rsync.Value.([][]byte)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("welcome"), msgs[0])
}

func TestGroupAddMemberRotatesAndRejectsStaleGroup(t *testing.T) {
	e, rc := newTestEngine(t)
	peer := crypto.Fingerprint("new-member")

	createID := e.GroupCreate("book-club", []crypto.Fingerprint{e.self.Fingerprint})
	r := rc.waitFor(t, createID, 5*time.Second)
	require.NoError(t, r.Err)
	g, ok := r.Value.(*groupenc.Group)
	require.True(t, ok)

	addID := e.GroupAddMember(g, []crypto.Fingerprint{e.self.Fingerprint, peer})
	r2 := rc.waitFor(t, addID, 5*time.Second)
	require.NoError(t, r2.Err)
	rotated, ok := r2.Value.(*groupenc.Group)
	require.True(t, ok)
	require.Greater(t, rotated.GEKVersion, g.GEKVersion)

	// g is now stale (its GEKVersion lags the persisted record); reusing
	// it must be rejected rather than silently rotating again.
	staleID := e.GroupAddMember(g, []crypto.Fingerprint{e.self.Fingerprint, peer, "another"})
	r3 := rc.waitFor(t, staleID, 5*time.Second)
	require.Error(t, r3.Err)
}

func TestRegisterNameAndLookup(t *testing.T) {
	e, rc := newTestEngine(t)

	regID := e.RegisterName("alice", identity.Profile{}, 1)
	r := rc.waitFor(t, regID, 5*time.Second)
	require.NoError(t, r.Err)

	lookupID := e.LookupName("alice")
	r2 := rc.waitFor(t, lookupID, 5*time.Second)
	require.NoError(t, r2.Err)
	require.Equal(t, e.self.Fingerprint, r2.Value)
}
