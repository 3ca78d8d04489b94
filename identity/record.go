// Package identity implements the signed identity record, the DHT-backed
// keyserver that publishes and resolves it, and the presence service that
// broadcasts liveness without leaking network addresses (§3, §4.3, §4.4).
package identity

import (
	"encoding/json"
	"fmt"

	"github.com/dnamesh/dnamessenger/crypto"
)

// Profile holds the bounded, user-editable fields of an identity record.
// All string fields are treated as opaque display data by this package.
// No length limit is checked on them, here or in the engine façade.
type Profile struct {
	Bio       string            `json:"bio,omitempty"`
	Location  string            `json:"location,omitempty"`
	Website   string            `json:"website,omitempty"`
	Socials   map[string]string `json:"socials,omitempty"`
	Wallets   map[string]string `json:"wallets,omitempty"`
	AvatarB64 string            `json:"avatar,omitempty"`
}

// Record is the authoritative, signed self-description of a fingerprint
// (§3 Identity). It is published to the DHT at IdentityKey(SigningPubkey)
// and, when RegisteredName is set, indexed by name.
type Record struct {
	SigningPubkey    []byte  `json:"signing_pubkey"`
	KEMPubkey        []byte  `json:"kem_pubkey"`
	RegisteredName   string  `json:"registered_name,omitempty"`
	NameRegisteredAt int64   `json:"name_registered_at,omitempty"`
	NameExpiresAt    int64   `json:"name_expires_at,omitempty"`
	Profile          Profile `json:"profile"`
	Version          uint64  `json:"version"`
	Timestamp        int64   `json:"timestamp"`
	Signature        []byte  `json:"signature,omitempty"`
}

// Fingerprint returns the fingerprint this record claims to describe.
func (r *Record) Fingerprint() crypto.Fingerprint {
	return crypto.ComputeFingerprint(r.SigningPubkey)
}

// signingPayload returns the canonical bytes signed over: the record with
// Signature cleared, so Sign and Verify operate on identical input.
func (r *Record) signingPayload() ([]byte, error) {
	unsigned := *r
	unsigned.Signature = nil
	data, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal signing payload: %w", err)
	}
	return data, nil
}

// Sign computes and attaches r.Signature using signing. The caller's
// SigningPubkey field must already match signing's public key.
func (r *Record) Sign(signing *crypto.SigningKeyPair) error {
	payload, err := r.signingPayload()
	if err != nil {
		return err
	}
	r.Signature = crypto.Sign(signing, payload)
	return nil
}

// Verify checks that the record's signature is valid under its own
// SigningPubkey. It does not compare the record with any expected
// fingerprint; LookupByFingerprint performs that check.
func (r *Record) Verify() bool {
	payload, err := r.signingPayload()
	if err != nil {
		return false
	}
	return crypto.Verify(r.SigningPubkey, payload, r.Signature)
}

// Marshal serializes the complete, signed record for DHT storage.
func (r *Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord parses a DHT-stored identity record. It does not verify
// the signature; callers must call Verify before trusting the result.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("identity: unmarshal record: %w", err)
	}
	return &r, nil
}
