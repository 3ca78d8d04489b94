package dhtapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnamesh/dnamessenger/clock"
)

// ErrVersionConflict is returned by Memory.PutSigned when a writer other
// than the current owner tries to claim a (key, valueID) pair that is
// already held and unexpired — the "first accepted wins" race described
// for concurrent GEK rotation and identity republication. The owning
// signer may always overwrite its own (key, valueID) slot; this is what
// makes presence refresh, Spillway bucket appends, and ACK republication
// idempotent rather than one-shot.
var ErrVersionConflict = errors.New("dhtapi: value_id already claimed by another signer")

type storedEntry struct {
	entry     Entry
	expiresAt time.Time
}

type subscriber struct {
	id     uint64
	prefix []byte
	cb     Callback
}

// Memory is an in-memory reference implementation of [DHT], intended for
// unit tests and local development. It is not a distributed store: it
// has no network, no peers, and no persistence across restarts.
type Memory struct {
	mu          sync.Mutex
	clock       clock.Provider
	entries     map[string]*storedEntry
	subscribers []*subscriber
	nextSubID   uint64
	ready       bool
}

// NewMemory constructs a ready in-memory DHT. Pass nil for the clock
// provider to use the real system clock.
func NewMemory(cp clock.Provider) *Memory {
	if cp == nil {
		cp = clock.Default()
	}
	return &Memory{
		clock:   cp,
		entries: make(map[string]*storedEntry),
		ready:   true,
	}
}

// SetReady toggles IsReady, for simulating a disconnected DHT in tests.
func (m *Memory) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

func (m *Memory) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Put stores an unsigned value. Used only for data the core does not
// require provenance for.
func (m *Memory) Put(ctx context.Context, key, value []byte, ttl time.Duration) error {
	if err := m.checkReady(ctx); err != nil {
		return err
	}
	entry := Entry{Key: key, Value: value, StoredAt: m.clock.Now(), ExpiresAt: m.clock.Now().Add(ttl)}
	m.store(key, entry, ttl)
	return nil
}

// PutSigned stores a signed, provenance-bearing value honoring the
// first-accepted-wins rule for concurrent writes to the same value_id.
func (m *Memory) PutSigned(ctx context.Context, key, value []byte, valueID uint64, ttl time.Duration, typ EntryType, signer, signature []byte) error {
	if err := m.checkReady(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	if existing, ok := m.entries[string(key)]; ok {
		sameOwner := bytes.Equal(existing.entry.Signer, signer)
		if existing.entry.ValueID == valueID && m.clock.Now().Before(existing.expiresAt) && !sameOwner {
			m.mu.Unlock()
			return ErrVersionConflict
		}
	}
	m.mu.Unlock()

	entry := Entry{
		Key: key, Value: value, Signer: append([]byte(nil), signer...),
		Signature: append([]byte(nil), signature...),
		ValueID:   valueID, Type: typ,
		StoredAt: m.clock.Now(), ExpiresAt: m.clock.Now().Add(ttl),
	}
	m.store(key, entry, ttl)
	return nil
}

func (m *Memory) store(key []byte, entry Entry, ttl time.Duration) {
	m.mu.Lock()
	m.entries[string(key)] = &storedEntry{entry: entry, expiresAt: m.clock.Now().Add(ttl)}
	subs := append([]*subscriber(nil), m.subscribers...)
	m.mu.Unlock()

	for _, s := range subs {
		if bytes.HasPrefix(key, s.prefix) {
			s.cb(entry)
		}
	}
}

// Get returns the live entry stored at key, if any and unexpired.
func (m *Memory) Get(ctx context.Context, key []byte) ([]Entry, error) {
	if err := m.checkReady(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.entries[string(key)]
	if !ok {
		return nil, nil
	}
	if m.clock.Now().After(stored.expiresAt) {
		delete(m.entries, string(key))
		return nil, nil
	}
	return []Entry{stored.entry}, nil
}

type memorySubscription struct {
	m  *Memory
	id uint64
}

func (s *memorySubscription) Cancel() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for i, sub := range s.m.subscribers {
		if sub.id == s.id {
			s.m.subscribers = append(s.m.subscribers[:i], s.m.subscribers[i+1:]...)
			return
		}
	}
}

// Subscribe registers cb for every future Put/PutSigned whose key starts
// with keyPrefix. It does not replay historical entries.
func (m *Memory) Subscribe(keyPrefix []byte, cb Callback) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.subscribers = append(m.subscribers, &subscriber{id: id, prefix: append([]byte(nil), keyPrefix...), cb: cb})
	return &memorySubscription{m: m, id: id}, nil
}

func (m *Memory) checkReady(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dhtapi: %w", err)
	}
	if !m.IsReady() {
		return errors.New("dhtapi: dht unavailable")
	}
	return nil
}
