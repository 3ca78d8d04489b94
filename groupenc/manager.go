package groupenc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dnamesh/dnamessenger/clock"
	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/dhtapi"
	"github.com/dnamesh/dnamessenger/errs"
)

// maxRotationAttempts bounds the "first accepted wins, loser retries"
// loop described in §4.7's concurrent-owner safety clause.
const maxRotationAttempts = 8

// groupMessageTTL mirrors the DM outbox's entry lifetime (§4.5): a
// member's per-day message slice lives for 8 days before it may expire.
const groupMessageTTL = 8 * 24 * time.Hour

// senderBucket is one member's per-day slice of a group's message
// channel: a JSON-wrapped, append-only list the member owns and
// re-publishes under a stable value_id, the same shape
// outbox.Bucket uses for direct messages.
type senderBucket struct {
	GroupUUID string   `json:"group_uuid"`
	SenderFP  string   `json:"sender_fp"`
	DayIndex  int64    `json:"day_index"`
	Messages  [][]byte `json:"messages"` // each entry is a Marshal'd Message
}

// stringFingerprints adapts a fingerprint slice to the plain-string
// membership set ShouldRotate compares.
func stringFingerprints(fps []crypto.Fingerprint) []string {
	out := make([]string, len(fps))
	for i, fp := range fps {
		out[i] = string(fp)
	}
	return out
}

func senderBucketValueID(groupUUID, senderFP string, day int64) uint64 {
	h := dhtapi.GroupMessageSenderKey(groupUUID, senderFP, day)
	var v uint64
	for i := 0; i < 8 && i < len(h); i++ {
		v = v<<8 | uint64(h[i])
	}
	return v
}

// Manager wires the pure GEK/IKP/message primitives in this package to a
// DHT collaborator, providing group creation, rotation, and group
// message publish/fetch.
type Manager struct {
	dht      dhtapi.DHT
	clock    clock.Provider
	self     *crypto.Identity
	resolver MemberKEMResolver

	mu       sync.Mutex
	keyRings map[string]*KeyRing // groupUUID -> every GEK version fetched this process
}

// NewManager constructs a group manager for the local identity self. A
// nil clock provider uses the system clock.
func NewManager(dht dhtapi.DHT, cp clock.Provider, self *crypto.Identity, resolver MemberKEMResolver) *Manager {
	if cp == nil {
		cp = clock.Default()
	}
	return &Manager{dht: dht, clock: cp, self: self, resolver: resolver, keyRings: make(map[string]*KeyRing)}
}

// ringFor returns (creating if absent) the KeyRing tracking every GEK
// version this process has fetched for groupUUID.
func (m *Manager) ringFor(groupUUID string) *KeyRing {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.keyRings[groupUUID]
	if !ok {
		ring = NewKeyRing()
		m.keyRings[groupUUID] = ring
	}
	return ring
}

// SeedKeyRing installs ring as groupUUID's KeyRing if one hasn't already
// been created, for a caller restoring a ring built from durable storage
// (e.g. store.Store.LoadKeyRing) after a process restart, before any
// FetchGEK call for that group has run this process.
func (m *Manager) SeedKeyRing(groupUUID string, ring *KeyRing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keyRings[groupUUID]; !ok {
		m.keyRings[groupUUID] = ring
	}
}

// CreateGroup draws GEK v0's successor (v1 per §4.7's "on group creation
// the owner draws a GEK, stores it under version=1"), builds and
// publishes its IKP, and returns the signed group record plus the GEK.
func (m *Manager) CreateGroup(ctx context.Context, name string, members []crypto.Fingerprint) (*Group, *GEK, error) {
	g := NewGroup(m.self.Fingerprint, name, members, m.clock.Now())
	g.GEKVersion = 1
	if err := g.Sign(m.self.Signing); err != nil {
		return nil, nil, err
	}

	gek, err := GenerateGEK(g.GEKVersion)
	if err != nil {
		return nil, nil, err
	}
	if err := m.publishIKP(ctx, g, gek); err != nil {
		return nil, nil, err
	}
	return g, gek, nil
}

// RotateOnMemberAdd implements §4.7's rotation policy: any membership
// change draws a fresh GEK under version+1 and republishes the IKP for
// the new member set. If a concurrent owner's rotation is accepted
// first, this re-reads the winning group version and retries against
// version+2, up to maxRotationAttempts.
func (m *Manager) RotateOnMemberAdd(ctx context.Context, g *Group, newMembers []crypto.Fingerprint) (*Group, *GEK, error) {
	if g.OwnerFingerprint != m.self.Fingerprint {
		return nil, nil, errs.New(errs.NotAuthorized, "only the group owner may rotate the gek")
	}
	if !ShouldRotate(stringFingerprints(g.Members), stringFingerprints(newMembers)) {
		return nil, nil, errs.New(errs.InvalidArgument, "membership unchanged, nothing to rotate")
	}

	candidate := g
	for attempt := 0; attempt < maxRotationAttempts; attempt++ {
		next := candidate.WithMembers(newMembers)
		if err := next.Sign(m.self.Signing); err != nil {
			return nil, nil, err
		}
		gek, err := GenerateGEK(next.GEKVersion)
		if err != nil {
			return nil, nil, err
		}

		err = m.publishIKP(ctx, next, gek)
		if err == nil {
			return next, gek, nil
		}
		if !errs.Is(err, errs.VersionRaceLost) {
			return nil, nil, err
		}
		candidate = next // bump and retry at a higher version
	}
	return nil, nil, errs.New(errs.VersionRaceLost, "exceeded max rotation attempts")
}

// PublishGEK re-publishes the IKP for g/gek, for recovering a rotation
// the owner already committed from another device.
func (m *Manager) PublishGEK(ctx context.Context, g *Group, gek *GEK) error {
	if g.OwnerFingerprint != m.self.Fingerprint {
		return errs.New(errs.NotAuthorized, "only the group owner may publish the gek")
	}
	return m.publishIKP(ctx, g, gek)
}

// publishIKP builds and publishes an IKP for g/gek, translating the
// DHT's version-conflict error into the closed taxonomy's
// VersionRaceLost so callers can distinguish "lost the race, retry" from
// every other failure.
func (m *Manager) publishIKP(ctx context.Context, g *Group, gek *GEK) error {
	ikp, err := BuildIKP(ctx, g, gek, m.resolver, m.self.Signing)
	if err != nil {
		return err
	}
	data, err := ikp.Marshal()
	if err != nil {
		return err
	}
	key := dhtapi.IKPKey(g.UUID, gek.Version)
	err = m.dht.PutSigned(ctx, key, data, uint64(gek.Version), IKPMinTTL, dhtapi.EntryTypeIKP, m.self.Signing.Public(), ikp.OwnerSig)
	if err != nil {
		if err == dhtapi.ErrVersionConflict {
			return errs.Wrap(errs.VersionRaceLost, err)
		}
		return errs.Wrap(errs.DhtUnavailable, err)
	}
	return nil
}

// FetchGEK retrieves and extracts the GEK for (groupUUID, version) from
// its published IKP. A version already fetched this process is served
// from the group's local KeyRing instead of re-reading the DHT — the
// common case when replaying historical messages across several GEK
// versions during a single sync sweep.
func (m *Manager) FetchGEK(ctx context.Context, groupUUID string, version uint32, ownerSigningPubkey []byte, ownerFp crypto.Fingerprint) (*GEK, error) {
	ring := m.ringFor(groupUUID)
	if gek, ok := ring.Get(version); ok {
		return gek, nil
	}

	entries, err := m.dht.Get(ctx, dhtapi.IKPKey(groupUUID, version))
	if err != nil {
		return nil, errs.Wrap(errs.DhtUnavailable, err)
	}
	if len(entries) == 0 {
		return nil, errs.New(errs.GroupNotFound, "no ikp published for this group version")
	}
	gek, err := ExtractIKP(entries[0].Value, groupUUID, ownerSigningPubkey, ownerFp, m.self.Fingerprint, m.self.KEM)
	if err != nil {
		return nil, err
	}
	ring.Add(gek)
	return gek, nil
}

// PostMessage encrypts plaintext under gek and appends it to the
// caller's per-day slice of the group channel.
func (m *Manager) PostMessage(ctx context.Context, groupUUID string, gek *GEK, seqNum uint64, plaintext []byte) error {
	now := m.clock.Now()
	msg, err := Seal(groupUUID, gek, m.self, seqNum, plaintext)
	if err != nil {
		return err
	}
	wire, err := msg.Marshal()
	if err != nil {
		return err
	}

	day := dhtapi.DayIndex(now.Unix())
	key := dhtapi.GroupMessageSenderKey(groupUUID, string(m.self.Fingerprint), day)

	bucket := senderBucket{GroupUUID: groupUUID, SenderFP: string(m.self.Fingerprint), DayIndex: day}
	entries, err := m.dht.Get(ctx, key)
	if err != nil {
		return errs.Wrap(errs.DhtUnavailable, err)
	}
	if len(entries) > 0 {
		if err := json.Unmarshal(entries[0].Value, &bucket); err != nil {
			return errs.Wrap(errs.MalformedRecord, err)
		}
	}
	bucket.Messages = append(bucket.Messages, wire)

	data, err := json.Marshal(bucket)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	sig := crypto.Sign(m.self.Signing, data)
	valueID := senderBucketValueID(groupUUID, string(m.self.Fingerprint), day)
	if err := m.dht.PutSigned(ctx, key, data, valueID, groupMessageTTL, dhtapi.EntryTypeGroupMessage, m.self.Signing.Public(), sig); err != nil {
		return errs.Wrap(errs.DhtUnavailable, err)
	}
	return nil
}

// FetchMemberMessages reads and decrypts every message a specific
// member posted to the group channel on dayIndex. Messages whose
// bucket-level signature or inner sender signature fails to verify are
// dropped rather than surfacing an error, matching the rest of the
// module's "skip the bad record" posture for multi-writer channels.
func (m *Manager) FetchMemberMessages(ctx context.Context, groupUUID string, member crypto.Fingerprint, memberSigningPubkey []byte, dayIndex int64, gek *GEK) ([][]byte, error) {
	key := dhtapi.GroupMessageSenderKey(groupUUID, string(member), dayIndex)
	entries, err := m.dht.Get(ctx, key)
	if err != nil {
		return nil, errs.Wrap(errs.DhtUnavailable, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	entry := entries[0]
	if !crypto.VerifyFingerprint(entry.Signer, member, entry.Value, entry.Signature) {
		return nil, nil
	}

	var bucket senderBucket
	if err := json.Unmarshal(entry.Value, &bucket); err != nil {
		return nil, nil
	}

	plaintexts := make([][]byte, 0, len(bucket.Messages))
	for _, wire := range bucket.Messages {
		msg, err := UnmarshalMessage(wire, groupUUID)
		if err != nil {
			continue
		}
		plaintext, err := msg.Open(gek, memberSigningPubkey)
		if err != nil {
			continue
		}
		plaintexts = append(plaintexts, plaintext)
	}
	return plaintexts, nil
}
