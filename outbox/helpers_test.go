package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/stretchr/testify/require"
)

func freshIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	mnemonic, err := crypto.GenerateMnemonic()
	require.NoError(t, err)
	seed, err := crypto.SeedFromMnemonic(mnemonic, "")
	require.NoError(t, err)
	id, err := crypto.DeriveIdentity(seed)
	require.NoError(t, err)
	return id
}

// staticKEMResolver resolves each fingerprint to the KEM pubkey stored
// for it in the map (nil for an unknown fingerprint), sufficient for
// tests with a fixed set of participants.
type staticKEMResolver map[crypto.Fingerprint][]byte

func (r staticKEMResolver) ResolveKEMPubkey(_ context.Context, fp crypto.Fingerprint) ([]byte, error) {
	return r[fp], nil
}

// memorySink records everything delivered to it for test assertions.
type memorySink struct {
	mu       sync.Mutex
	received []sinkRecord
}

type sinkRecord struct {
	sender crypto.Fingerprint
	seq    uint64
	plain  string
}

func (s *memorySink) StoreInbound(sender crypto.Fingerprint, seq uint64, plaintext []byte, receivedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, sinkRecord{sender: sender, seq: seq, plain: string(plaintext)})
	return nil
}

func (s *memorySink) records() []sinkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkRecord, len(s.received))
	copy(out, s.received)
	return out
}
