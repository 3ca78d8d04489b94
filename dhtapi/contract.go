// Package dhtapi defines the contract the messaging core consumes from
// its distributed hash table collaborator, plus an in-memory reference
// implementation suitable for tests and local development. The DHT
// itself — its Kademlia routing, NAT traversal, and network transport —
// is an external system; this package only models the interface the
// core calls through (§6.1).
package dhtapi

import (
	"context"
	"time"
)

// EntryType distinguishes the kinds of signed records this module knows
// how to verify, so a single DHT implementation can host all of them
// without the core having to parse opaque blobs differently per caller.
type EntryType uint8

const (
	EntryTypeIdentity EntryType = iota + 1
	EntryTypeNameIndex
	EntryTypePresence
	EntryTypeOutboxBucket
	EntryTypeAck
	EntryTypeIKP
	EntryTypeGroupMessage
	EntryTypeContactRequestBucket
)

// Entry is one value returned by Get: the raw bytes plus, when the entry
// was written with PutSigned, the signer's public key, the value_id used
// for replacement semantics, and the signature over
// key‖value‖value_id‖ttl. The DHT does not verify application-level
// trust on behalf of the core; callers MUST verify Signature themselves
// before treating identity, presence, name, GEK, IKP, or ACK data as
// authentic (§6.1).
type Entry struct {
	Key       []byte
	Value     []byte
	Signer    []byte
	Signature []byte
	ValueID   uint64
	Type      EntryType
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Callback is invoked by a Subscription when a new entry lands under the
// subscribed key prefix. Implementations must not block for long inside
// the callback; the DHT contract does not guarantee any particular
// delivery thread.
type Callback func(Entry)

// Subscription is a live registration returned by Subscribe. Cancel stops
// delivery; it does not retract already-queued callback invocations.
type Subscription interface {
	Cancel()
}

// DHT is the put/get/put_signed/subscribe contract the engine depends on.
// All methods may block on network I/O and must honor ctx cancellation.
type DHT interface {
	// Put stores value under key with the given time-to-live. Unsigned
	// puts are used only for data the core does not trust for identity,
	// presence, name, GEK, IKP, or ACK purposes.
	Put(ctx context.Context, key, value []byte, ttl time.Duration) error

	// PutSigned stores a signed record. The DHT must embed the signer's
	// public key, valueID (for replacement semantics), and a signature
	// over key‖value‖valueID‖ttl so that later Get callers can verify
	// provenance without an out-of-band channel.
	PutSigned(ctx context.Context, key, value []byte, valueID uint64, ttl time.Duration, typ EntryType, signer []byte, signature []byte) error

	// Get returns every live entry stored under key.
	Get(ctx context.Context, key []byte) ([]Entry, error)

	// Subscribe registers cb to be invoked for every future entry whose
	// key starts with keyPrefix.
	Subscribe(keyPrefix []byte, cb Callback) (Subscription, error)

	// IsReady reports whether the DHT is currently reachable and able to
	// service Put/Get/Subscribe calls.
	IsReady() bool
}
