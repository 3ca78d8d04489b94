// Package contact manages the local address book: contact records,
// nicknames, block lists, and the contact-request handshake (§3 Contact,
// §6.4). Nothing here is ever published to the DHT; contact state is
// private to the owning identity.
package contact

import (
	"sync"
	"time"

	"github.com/dnamesh/dnamessenger/clock"
	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/errs"
)

// Contact is the local record of a peer. Ownership is exclusively local;
// a Contact is never serialized to the DHT.
type Contact struct {
	Fingerprint crypto.Fingerprint
	Nickname    string
	DisplayName string
	LastSeen    time.Time
	DMLastSync  time.Time
	LastAckRecv uint64
	LastAckSent uint64
	Blocked     bool
}

// Persister is the durable half of the address book: contact state is
// mirrored in memory for O(1) access but every mutation is written
// through to a backing store so it survives process restart. engine
// supplies an adapter over *store.Store; contact itself never imports
// store, keeping the two packages decoupled.
type Persister interface {
	UpsertContact(c *PersistedContact) error
	DeleteContact(fp crypto.Fingerprint) error
	ListContacts() ([]*PersistedContact, error)
}

// PersistedContact is the field-for-field durable twin of Contact, named
// independently so Persister never forces contact to import the store
// package's own record type.
type PersistedContact struct {
	Fingerprint crypto.Fingerprint
	Nickname    string
	DisplayName string
	LastSeen    time.Time
	DMLastSync  time.Time
	LastAckRecv uint64
	LastAckSent uint64
	Blocked     bool
}

func toPersisted(c *Contact) *PersistedContact {
	return &PersistedContact{
		Fingerprint: c.Fingerprint, Nickname: c.Nickname, DisplayName: c.DisplayName,
		LastSeen: c.LastSeen, DMLastSync: c.DMLastSync,
		LastAckRecv: c.LastAckRecv, LastAckSent: c.LastAckSent, Blocked: c.Blocked,
	}
}

func fromPersisted(p *PersistedContact) *Contact {
	return &Contact{
		Fingerprint: p.Fingerprint, Nickname: p.Nickname, DisplayName: p.DisplayName,
		LastSeen: p.LastSeen, DMLastSync: p.DMLastSync,
		LastAckRecv: p.LastAckRecv, LastAckSent: p.LastAckSent, Blocked: p.Blocked,
	}
}

// Manager holds the local contact set with thread-safe access, matching
// the engine façade's "no global mutex around user operations" policy by
// scoping its own lock to O(1) bookkeeping per call. It is an in-memory
// mirror of persist: loaded once at construction, written through on
// every mutation, with the write-through call always made after the
// lock protecting the map itself has been released.
type Manager struct {
	mu       sync.RWMutex
	contacts map[crypto.Fingerprint]*Contact
	clock    clock.Provider
	persist  Persister
}

// NewManager constructs a contact manager backed by persist, loading any
// previously-persisted contacts immediately. A nil clock provider uses
// the system clock; a nil persist disables write-through entirely (used
// by tests that only exercise in-memory behavior).
func NewManager(cp clock.Provider, persist Persister) (*Manager, error) {
	if cp == nil {
		cp = clock.Default()
	}
	m := &Manager{contacts: make(map[crypto.Fingerprint]*Contact), clock: cp, persist: persist}
	if persist == nil {
		return m, nil
	}
	records, err := persist.ListContacts()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		m.contacts[r.Fingerprint] = fromPersisted(r)
	}
	return m, nil
}

// writeThrough persists c's current state. It must never be called
// while m.mu is held.
func (m *Manager) writeThrough(c *Contact) error {
	if m.persist == nil {
		return nil
	}
	return m.persist.UpsertContact(toPersisted(c))
}

// Add registers fp as a contact, or returns the existing record if
// already present. displayName seeds the cache but never overwrites a
// caller-set nickname.
func (m *Manager) Add(fp crypto.Fingerprint, displayName string) (*Contact, error) {
	m.mu.Lock()
	if c, ok := m.contacts[fp]; ok {
		m.mu.Unlock()
		return c, nil
	}
	c := &Contact{Fingerprint: fp, DisplayName: displayName, LastSeen: m.clock.Now()}
	m.contacts[fp] = c
	m.mu.Unlock()

	if err := m.writeThrough(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Remove deletes fp from the contact set. Removing an unknown
// fingerprint is not an error.
func (m *Manager) Remove(fp crypto.Fingerprint) error {
	m.mu.Lock()
	delete(m.contacts, fp)
	m.mu.Unlock()

	if m.persist == nil {
		return nil
	}
	return m.persist.DeleteContact(fp)
}

// Get returns the contact record for fp, or IdentityNotFound if absent.
func (m *Manager) Get(fp crypto.Fingerprint) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[fp]
	if !ok {
		return nil, errs.New(errs.IdentityNotFound, string(fp))
	}
	return c, nil
}

// List returns every known contact in no particular order.
func (m *Manager) List() []*Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		out = append(out, c)
	}
	return out
}

// SetNickname sets a caller-chosen local nickname for fp.
func (m *Manager) SetNickname(fp crypto.Fingerprint, nickname string) error {
	m.mu.Lock()
	c, ok := m.contacts[fp]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.IdentityNotFound, string(fp))
	}
	c.Nickname = nickname
	m.mu.Unlock()
	return m.writeThrough(c)
}

// Block marks fp as blocked. Per invariant P4, a blocked peer's
// subsequent messages and contact requests must never reach a
// user-visible surface; callers in the outbox and request-handling
// paths consult IsBlocked before surfacing anything.
func (m *Manager) Block(fp crypto.Fingerprint) error {
	m.mu.Lock()
	c, ok := m.contacts[fp]
	if !ok {
		c = &Contact{Fingerprint: fp}
		m.contacts[fp] = c
	}
	c.Blocked = true
	m.mu.Unlock()
	return m.writeThrough(c)
}

// Unblock clears fp's blocked flag. Unblocking a non-blocked or unknown
// contact is not an error.
func (m *Manager) Unblock(fp crypto.Fingerprint) error {
	m.mu.Lock()
	c, ok := m.contacts[fp]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	c.Blocked = false
	m.mu.Unlock()
	return m.writeThrough(c)
}

// IsBlocked reports whether fp is currently blocked. Unknown
// fingerprints are never blocked.
func (m *Manager) IsBlocked(fp crypto.Fingerprint) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[fp]
	return ok && c.Blocked
}

// UpdateWatermarks records the latest ACK values and sync timestamp
// observed for fp. Called by the outbox sweep and ACK-publication paths.
func (m *Manager) UpdateWatermarks(fp crypto.Fingerprint, lastAckRecv, lastAckSent uint64, syncedAt time.Time) error {
	m.mu.Lock()
	c, ok := m.contacts[fp]
	if !ok {
		c = &Contact{Fingerprint: fp}
		m.contacts[fp] = c
	}
	if lastAckRecv > c.LastAckRecv {
		c.LastAckRecv = lastAckRecv
	}
	if lastAckSent > c.LastAckSent {
		c.LastAckSent = lastAckSent
	}
	c.DMLastSync = syncedAt
	m.mu.Unlock()
	return m.writeThrough(c)
}

// TouchLastSeen records that activity was observed from fp just now.
func (m *Manager) TouchLastSeen(fp crypto.Fingerprint) error {
	m.mu.Lock()
	c, ok := m.contacts[fp]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	c.LastSeen = m.clock.Now()
	m.mu.Unlock()
	return m.writeThrough(c)
}
