package contact

import (
	"sync"
	"time"

	"github.com/dnamesh/dnamessenger/clock"
	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/errs"
)

// MaxRequestMessageLength bounds the introductory message attached to a
// contact request.
const MaxRequestMessageLength = 1024

// Request is an incoming or outgoing contact request awaiting approval.
type Request struct {
	PeerFingerprint crypto.Fingerprint
	Message         string
	Timestamp       time.Time
	Handled         bool
}

// RequestManager tracks pending contact requests and applies the block
// list so that requests from a blocked peer never surface to the caller
// (P4).
type RequestManager struct {
	mu       sync.Mutex
	pending  map[crypto.Fingerprint]*Request
	contacts *Manager
	clock    clock.Provider
}

// NewRequestManager constructs a request manager layered over contacts,
// which supplies the block list and receives approved peers. A nil clock
// provider uses the system clock.
func NewRequestManager(contacts *Manager, cp clock.Provider) *RequestManager {
	if cp == nil {
		cp = clock.Default()
	}
	return &RequestManager{pending: make(map[crypto.Fingerprint]*Request), contacts: contacts, clock: cp}
}

// Receive records an incoming contact request from peer. Requests from a
// blocked peer are silently dropped rather than queued, per P4.
func (rm *RequestManager) Receive(peer crypto.Fingerprint, message string) error {
	if len(message) > MaxRequestMessageLength {
		return errs.New(errs.InvalidArgument, "contact request message too long")
	}
	if rm.contacts.IsBlocked(peer) {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.pending[peer] = &Request{PeerFingerprint: peer, Message: message, Timestamp: rm.clock.Now()}
	return nil
}

// Pending returns every unhandled, non-blocked request.
func (rm *RequestManager) Pending() []*Request {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*Request, 0, len(rm.pending))
	for _, r := range rm.pending {
		if !r.Handled && !rm.contacts.IsBlocked(r.PeerFingerprint) {
			out = append(out, r)
		}
	}
	return out
}

// Approve accepts a pending request, marks it handled, and registers the
// peer as a contact.
func (rm *RequestManager) Approve(peer crypto.Fingerprint) error {
	rm.mu.Lock()
	req, ok := rm.pending[peer]
	if !ok || req.Handled {
		rm.mu.Unlock()
		return errs.New(errs.InvalidArgument, "no pending request from peer")
	}
	req.Handled = true
	rm.mu.Unlock()

	_, err := rm.contacts.Add(peer, "")
	return err
}

// Deny marks a pending request handled without adding the peer as a
// contact.
func (rm *RequestManager) Deny(peer crypto.Fingerprint) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	req, ok := rm.pending[peer]
	if !ok || req.Handled {
		return errs.New(errs.InvalidArgument, "no pending request from peer")
	}
	req.Handled = true
	return nil
}
