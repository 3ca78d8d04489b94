package identity

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/dnamesh/dnamessenger/clock"
	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/dhtapi"
	"github.com/dnamesh/dnamessenger/errs"
	"github.com/sirupsen/logrus"
)

const (
	// identityTTL is generous: identity records are purged from the DHT
	// only by TTL, per §3.
	identityTTL = 365 * 24 * time.Hour
	nameTTL     = 365 * 24 * time.Hour
)

var keyserverLog = logrus.WithField("package", "identity")

// NormalizeName applies the one case-folding rule the record format uses
// for registered names: lowercase. No Unicode normalization is applied,
// and neither this package nor the engine façade checks a name's length
// or character set before it is published.
func NormalizeName(name string) string {
	return strings.ToLower(name)
}

// Keyserver publishes and resolves identity records against a DHT
// collaborator (§4.3).
type Keyserver struct {
	dht   dhtapi.DHT
	clock clock.Provider
}

// NewKeyserver constructs a Keyserver over dht. A nil clock provider uses
// the system clock.
func NewKeyserver(dht dhtapi.DHT, cp clock.Provider) *Keyserver {
	if cp == nil {
		cp = clock.Default()
	}
	return &Keyserver{dht: dht, clock: cp}
}

// PublishIdentity signs and stores rec at H(signing_pubkey), and, when
// RegisteredName is set, at the secondary name index. A republish with
// version <= the currently stored version is rejected as
// VersionRaceLost; a name already claimed by another unexpired,
// well-signed record is rejected as NameTaken.
func (ks *Keyserver) PublishIdentity(ctx context.Context, rec *Record, signing *crypto.SigningKeyPair) error {
	fp := rec.Fingerprint()
	logger := keyserverLog.WithFields(logrus.Fields{"fingerprint": fp, "version": rec.Version})

	if current, err := ks.LookupByFingerprint(ctx, fp); err == nil && current != nil {
		if rec.Version <= current.Version {
			logger.WithField("current_version", current.Version).Warn("rejecting stale identity publish")
			return errs.New(errs.VersionRaceLost, "version must strictly increase")
		}
	}

	if rec.RegisteredName != "" {
		if err := ks.claimName(ctx, rec.RegisteredName, fp); err != nil {
			return err
		}
		rec.NameRegisteredAt = ks.clock.Now().Unix()
	}

	if err := rec.Sign(signing); err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	payload, err := rec.Marshal()
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}

	sig := crypto.Sign(signing, append([]byte("dna.identity"), payload...))
	key := dhtapi.IdentityKey(rec.SigningPubkey) // == H(pubkey), identical digest the fingerprint hex-encodes
	if err := ks.dht.PutSigned(ctx, key, payload, rec.Version, identityTTL, dhtapi.EntryTypeIdentity, rec.SigningPubkey, sig); err != nil {
		logger.WithError(err).Error("failed to publish identity record")
		return errs.Wrap(errs.DhtUnavailable, err)
	}

	logger.Info("published identity record")
	return nil
}

func (ks *Keyserver) claimName(ctx context.Context, name string, owner crypto.Fingerprint) error {
	normalized := NormalizeName(name)
	key := dhtapi.NameIndexKey(normalized)
	entries, err := ks.dht.Get(ctx, key)
	if err != nil {
		return errs.Wrap(errs.DhtUnavailable, err)
	}
	if len(entries) == 0 {
		return ks.writeNameIndex(ctx, normalized, owner)
	}

	holder, err := ks.resolveNameEntry(ctx, entries[0])
	if err != nil || holder == nil || holder.Fingerprint() == owner {
		// Unresolvable, expired, or already-owned-by-us entries do not
		// block the claim.
		return ks.writeNameIndex(ctx, normalized, owner)
	}
	return errs.New(errs.NameTaken, name)
}

func (ks *Keyserver) resolveNameEntry(ctx context.Context, entry dhtapi.Entry) (*Record, error) {
	fp := crypto.Fingerprint(entry.Value)
	rec, err := ks.LookupByFingerprint(ctx, fp)
	if err != nil {
		return nil, err
	}
	if rec.NameExpiresAt != 0 && rec.NameExpiresAt < ks.clock.Now().Unix() {
		return nil, nil
	}
	return rec, nil
}

func (ks *Keyserver) writeNameIndex(ctx context.Context, normalizedName string, owner crypto.Fingerprint) error {
	key := dhtapi.NameIndexKey(normalizedName)
	if err := ks.dht.Put(ctx, key, []byte(owner), nameTTL); err != nil {
		return errs.Wrap(errs.DhtUnavailable, err)
	}
	return nil
}

// LookupByFingerprint fetches, verifies, and returns the identity record
// for fp. Malformed or mis-signed records are dropped and reported as
// IdentityNotFound.
func (ks *Keyserver) LookupByFingerprint(ctx context.Context, fp crypto.Fingerprint) (*Record, error) {
	if !fp.Valid() {
		return nil, errs.New(errs.FingerprintInvalid, string(fp))
	}
	// The identity key IS the fingerprint's raw digest: both are
	// SHA3-512(signing_pubkey), the fingerprint merely hex-encoded. No
	// second hash is applied when resolving by fingerprint.
	key, err := hex.DecodeString(string(fp))
	if err != nil {
		return nil, errs.New(errs.FingerprintInvalid, string(fp))
	}

	entries, err := ks.dht.Get(ctx, key)
	if err != nil {
		return nil, errs.Wrap(errs.DhtUnavailable, err)
	}
	if len(entries) == 0 {
		return nil, errs.New(errs.IdentityNotFound, string(fp))
	}

	rec, err := UnmarshalRecord(entries[0].Value)
	if err != nil {
		return nil, errs.New(errs.IdentityNotFound, "malformed identity record: "+err.Error())
	}
	if !rec.Verify() {
		return nil, errs.New(errs.IdentityNotFound, "identity record signature invalid: "+string(fp))
	}
	if rec.Fingerprint() != fp {
		return nil, errs.New(errs.IdentityNotFound, "identity record fingerprint mismatch: "+string(fp))
	}
	return rec, nil
}

// LookupByName resolves a registered name to a fingerprint via the
// two-hop name index → identity record → verify path (§4.3). A name whose
// record has expired is reported as NameExpired; a name the current
// record no longer carries is reported as NameNotRegistered.
func (ks *Keyserver) LookupByName(ctx context.Context, name string) (crypto.Fingerprint, error) {
	key := dhtapi.NameIndexKey(NormalizeName(name))
	entries, err := ks.dht.Get(ctx, key)
	if err != nil {
		return "", errs.Wrap(errs.DhtUnavailable, err)
	}
	if len(entries) == 0 {
		return "", errs.New(errs.NameNotRegistered, name)
	}

	fp := crypto.Fingerprint(entries[0].Value)
	rec, err := ks.LookupByFingerprint(ctx, fp)
	if err != nil {
		return "", err
	}
	if rec.NameExpiresAt != 0 && rec.NameExpiresAt < ks.clock.Now().Unix() {
		return "", errs.New(errs.NameExpired, name)
	}
	if !strings.EqualFold(rec.RegisteredName, name) {
		return "", errs.New(errs.NameNotRegistered, name)
	}
	return fp, nil
}

