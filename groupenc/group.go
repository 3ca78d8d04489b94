// Package groupenc implements the GEK (Group Encryption Key) engine:
// group metadata, IKP (Initial Key Packet) build/extract, key rotation,
// and group message encryption (§3 Group/GEK/IKP, §4.7).
package groupenc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/google/uuid"
)

// Group is the metadata record for one group conversation. Only
// OwnerFingerprint may publish mutations, and GEKVersion strictly
// increases with every rotation (§3 Group).
type Group struct {
	UUID             string               `json:"uuid"`
	Name             string               `json:"name"`
	OwnerFingerprint crypto.Fingerprint   `json:"owner_fp"`
	Members          []crypto.Fingerprint `json:"member_set"`
	CreatedAt        int64                `json:"created_at"`
	GEKVersion       uint32               `json:"gek_version"`
	MetadataSig      []byte               `json:"metadata_sig,omitempty"`
}

// NewGroup creates a group owned by owner with the given initial member
// set (the owner is implicitly a member and is prepended if absent).
func NewGroup(owner crypto.Fingerprint, name string, members []crypto.Fingerprint, now time.Time) *Group {
	memberSet := make([]crypto.Fingerprint, 0, len(members)+1)
	memberSet = append(memberSet, owner)
	for _, m := range members {
		if m == owner {
			continue
		}
		memberSet = append(memberSet, m)
	}
	return &Group{
		UUID:             uuid.NewString(),
		Name:             name,
		OwnerFingerprint: owner,
		Members:          memberSet,
		CreatedAt:        now.Unix(),
		GEKVersion:       0,
	}
}

// IsMember reports whether fp currently belongs to the group.
func (g *Group) IsMember(fp crypto.Fingerprint) bool {
	for _, m := range g.Members {
		if m == fp {
			return true
		}
	}
	return false
}

// signingPayload returns the canonical bytes signed over: the group with
// MetadataSig cleared.
func (g *Group) signingPayload() ([]byte, error) {
	unsigned := *g
	unsigned.MetadataSig = nil
	data, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("groupenc: marshal group metadata: %w", err)
	}
	return data, nil
}

// Sign attaches the owner's metadata signature. Only the owner's
// signing key may produce a signature later accepted by Verify.
func (g *Group) Sign(ownerSigning *crypto.SigningKeyPair) error {
	payload, err := g.signingPayload()
	if err != nil {
		return err
	}
	g.MetadataSig = crypto.Sign(ownerSigning, payload)
	return nil
}

// Verify checks the metadata signature against the claimed owner.
func (g *Group) Verify(ownerSigningPubkey []byte) bool {
	payload, err := g.signingPayload()
	if err != nil {
		return false
	}
	return crypto.VerifyFingerprint(ownerSigningPubkey, g.OwnerFingerprint, payload, g.MetadataSig)
}

// Marshal serializes the group for DHT storage.
func (g *Group) Marshal() ([]byte, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("groupenc: marshal group: %w", err)
	}
	return data, nil
}

// UnmarshalGroup parses a DHT-stored group record. Callers must call
// Verify before trusting the result.
func UnmarshalGroup(data []byte) (*Group, error) {
	var g Group
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("groupenc: unmarshal group: %w", err)
	}
	return &g, nil
}

// WithMembers returns a copy of g with members replaced and GEKVersion
// advanced by one, ready for Sign. The caller supplies the new member
// set directly (add/remove are expressed by the caller's chosen slice).
// Every membership change rotates the version per [ShouldRotate].
func (g *Group) WithMembers(members []crypto.Fingerprint) *Group {
	next := *g
	next.Members = append([]crypto.Fingerprint{}, members...)
	next.GEKVersion++
	next.MetadataSig = nil
	return &next
}
