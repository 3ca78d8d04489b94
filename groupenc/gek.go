package groupenc

import (
	"crypto/rand"
	"fmt"
	"io"
)

// GEKSize is the length of a Group Encryption Key: a raw AES-256 key.
const GEKSize = 32

// GEK is one versioned Group Encryption Key.
type GEK struct {
	Version uint32
	Key     [GEKSize]byte
}

// GenerateGEK produces a fresh random key for the given version.
func GenerateGEK(version uint32) (*GEK, error) {
	var key [GEKSize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, fmt.Errorf("groupenc: generate gek: %w", err)
	}
	return &GEK{Version: version, Key: key}, nil
}

// KeyRing holds every GEK a member has ever held for one group, keyed by
// version, so that historical messages encrypted under a superseded GEK
// remain readable after rotation. Keys are never re-published once
// rotated out; KeyRing is purely local state (§4.7).
type KeyRing struct {
	byVersion map[uint32]*GEK
	current   uint32
}

// NewKeyRing returns an empty ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{byVersion: make(map[uint32]*GEK)}
}

// Add records gek, advancing Current if it is the newest version seen.
func (r *KeyRing) Add(gek *GEK) {
	r.byVersion[gek.Version] = gek
	if gek.Version >= r.current {
		r.current = gek.Version
	}
}

// Get returns the GEK for a specific version, if retained.
func (r *KeyRing) Get(version uint32) (*GEK, bool) {
	gek, ok := r.byVersion[version]
	return gek, ok
}

// Current returns the newest GEK retained, or false if the ring is empty.
func (r *KeyRing) Current() (*GEK, bool) {
	return r.Get(r.current)
}

// ShouldRotate reports whether adding/removing a member requires a new
// GEK version. Per §4.7 every membership change rotates the key —
// add-only groups still rotate, since a removed historical member must
// not be able to decrypt future traffic and an added member must not
// retroactively gain past traffic from the same GEK.
func ShouldRotate(oldMembers, newMembers []string) bool {
	if len(oldMembers) != len(newMembers) {
		return true
	}
	seen := make(map[string]struct{}, len(oldMembers))
	for _, m := range oldMembers {
		seen[m] = struct{}{}
	}
	for _, m := range newMembers {
		if _, ok := seen[m]; !ok {
			return true
		}
		delete(seen, m)
	}
	return len(seen) != 0
}
