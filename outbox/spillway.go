package outbox

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/dnamesh/dnamessenger/clock"
	"github.com/dnamesh/dnamessenger/contact"
	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/dhtapi"
	"github.com/dnamesh/dnamessenger/errs"
	"github.com/sirupsen/logrus"
)

const (
	// outboxEntryTTL is the lifetime of a Spillway bucket entry; the
	// TTL is the hard prune bound, ACK is the soft hint (§4.5).
	outboxEntryTTL = 8 * 24 * time.Hour

	recentSyncDays = 3
	fullSyncDays   = 8

	// ackWorkerLimit bounds parallel ACK publication at min(8, senders).
	ackWorkerLimit = 8
)

// ContactBook is the subset of contact.Manager the Spillway engine reads
// and writes: the set of known contacts, per-contact watermarks, and the
// block list. contact.Manager satisfies this directly.
type ContactBook interface {
	List() []*contact.Contact
	Get(fp crypto.Fingerprint) (*contact.Contact, error)
	UpdateWatermarks(fp crypto.Fingerprint, lastAckRecv, lastAckSent uint64, syncedAt time.Time) error
	IsBlocked(fp crypto.Fingerprint) bool
}

// MessageSink receives plaintext recovered from an incoming Spillway
// sweep. The local store implements this.
type MessageSink interface {
	StoreInbound(senderFp crypto.Fingerprint, seqNum uint64, plaintext []byte, receivedAt time.Time) error
}

// KEMPubkeyResolver resolves a contact's current Kyber1024 public key,
// as published in their identity record, so Enqueue can seal a new
// envelope to them.
type KEMPubkeyResolver interface {
	ResolveKEMPubkey(ctx context.Context, fp crypto.Fingerprint) ([]byte, error)
}

// SigningPubkeyResolver resolves a contact's current Dilithium5 signing
// public key. Spillway does not use it: syncContact checks that the
// DHT-level Entry.Signer hashes to the bucket's sender fingerprint and
// then verifies the inner envelope signature directly against
// Entry.Signer.
type SigningPubkeyResolver interface {
	ResolveSigningPubkey(ctx context.Context, fp crypto.Fingerprint) ([]byte, error)
}

// Spillway implements the sender-owned DM outbox protocol: Enqueue,
// Smart-Sync scan, ACK publication, and Prune (§4.5).
type Spillway struct {
	dht      dhtapi.DHT
	clock    clock.Provider
	self     crypto.Fingerprint
	selfKEM  *crypto.KEMKeyPair
	signing  *crypto.SigningKeyPair
	contacts ContactBook
	sink     MessageSink
	kemLookup KEMPubkeyResolver

	mu          sync.Mutex
	lastEnqueued map[crypto.Fingerprint]uint64 // recipient -> highest seq_num we enqueued
}

// NewSpillway constructs a Spillway engine for one local identity.
func NewSpillway(dht dhtapi.DHT, cp clock.Provider, self crypto.Fingerprint, selfKEM *crypto.KEMKeyPair, signing *crypto.SigningKeyPair, contacts ContactBook, sink MessageSink, kemLookup KEMPubkeyResolver) *Spillway {
	if cp == nil {
		cp = clock.Default()
	}
	return &Spillway{
		dht: dht, clock: cp, self: self, selfKEM: selfKEM, signing: signing,
		contacts: contacts, sink: sink, kemLookup: kemLookup,
		lastEnqueued: make(map[crypto.Fingerprint]uint64),
	}
}

// Enqueue seals plaintext for recipientFp and appends it to today's
// outbox bucket. seqNum must be strictly greater than every seqNum
// previously enqueued to this recipient (§4.5 precondition); violating
// it returns errs.InvalidArgument without touching the DHT.
func (s *Spillway) Enqueue(ctx context.Context, recipientFp crypto.Fingerprint, seqNum uint64, plaintext []byte) error {
	s.mu.Lock()
	last := s.lastEnqueued[recipientFp]
	if seqNum <= last {
		s.mu.Unlock()
		return errs.New(errs.InvalidArgument, "seq_num must strictly increase per recipient")
	}
	s.mu.Unlock()

	recipientKEM, err := s.kemLookup.ResolveKEMPubkey(ctx, recipientFp)
	if err != nil {
		return errs.Wrap(errs.DhtUnavailable, err)
	}

	now := s.clock.Now()
	env, err := SealEnvelope(s.signing, recipientFp, recipientKEM, seqNum, now, plaintext)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	envBytes, err := env.Marshal()
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}

	entry := BucketEntry{RecipientFingerprint: recipientFp, SeqNum: seqNum, Ciphertext: envBytes}
	if err := entry.sign(s.signing); err != nil {
		return errs.Wrap(errs.Internal, err)
	}

	day := dhtapi.DayIndex(now.Unix())
	if err := s.appendToBucket(ctx, day, entry); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastEnqueued[recipientFp] = seqNum
	s.mu.Unlock()
	return nil
}

// appendToBucket reads the current bucket for day, appends entry, and
// republishes it. If the bucket has reached MaxBucketEntries it spills
// into the next day's bucket instead (BucketFull, §4.5).
func (s *Spillway) appendToBucket(ctx context.Context, day int64, entry BucketEntry) error {
	key := dhtapi.OutboxBucketKey(string(s.self), day)
	bucket := &Bucket{SenderFingerprint: s.self, DayIndex: day}

	entries, err := s.dht.Get(ctx, key)
	if err != nil {
		return errs.Wrap(errs.DhtUnavailable, err)
	}
	if len(entries) > 0 {
		existing, err := UnmarshalBucket(entries[0].Value)
		if err == nil {
			bucket = existing
		}
	}

	if len(bucket.Entries) >= MaxBucketEntries {
		return s.appendToBucket(ctx, day+1, entry)
	}

	bucket.Entries = append(bucket.Entries, entry)
	data, err := bucket.Marshal()
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}

	sig := crypto.Sign(s.signing, data)
	valueID := bucketValueID(s.self, day)
	if err := s.dht.PutSigned(ctx, key, data, valueID, outboxEntryTTL, dhtapi.EntryTypeOutboxBucket, s.signing.Public(), sig); err != nil {
		return errs.Wrap(errs.DhtUnavailable, err)
	}
	return nil
}

// syncMode selects recent vs full sync per the §4.5 selection rule.
func (s *Spillway) syncMode(contacts []*contact.Contact, now time.Time, forceFullSync bool) int {
	if forceFullSync {
		return fullSyncDays
	}
	var oldest time.Time
	for _, c := range contacts {
		if c.DMLastSync.IsZero() {
			return fullSyncDays
		}
		if oldest.IsZero() || c.DMLastSync.Before(oldest) {
			oldest = c.DMLastSync
		}
	}
	if oldest.IsZero() || now.Sub(oldest) > 3*24*time.Hour {
		return fullSyncDays
	}
	return recentSyncDays
}

// SyncResult summarizes one smart-sync sweep.
type SyncResult struct {
	Processed    int
	Skipped      int
	UniqueSenders []crypto.Fingerprint
}

// Sync runs the smart-sync scan across every known, non-blocked contact,
// storing newly observed plaintext via the sink and publishing ACKs for
// every sender it heard from. suppressAcks implements the background
// caching mode that may skip ACK publication to save bandwidth (§4.5).
func (s *Spillway) Sync(ctx context.Context, forceFullSync, suppressAcks bool) (*SyncResult, error) {
	contacts := s.contacts.List()
	now := s.clock.Now()
	days := s.syncMode(contacts, now, forceFullSync)

	result := &SyncResult{}
	seenPerSender := make(map[crypto.Fingerprint]uint64)

	for _, c := range contacts {
		if s.contacts.IsBlocked(c.Fingerprint) {
			continue
		}
		maxSeq, processed, skipped, err := s.syncContact(ctx, c, days, now)
		if err != nil {
			return result, err
		}
		result.Processed += processed
		result.Skipped += skipped
		if maxSeq > 0 {
			seenPerSender[c.Fingerprint] = maxSeq
		}
		if err := s.contacts.UpdateWatermarks(c.Fingerprint, c.LastAckRecv, maxOf(c.LastAckSent, seenPerSender[c.Fingerprint]), now); err != nil {
			logrus.WithFields(logrus.Fields{
				"package": "outbox", "contact": c.Fingerprint, "error": err,
			}).Warn("failed to persist watermark update")
		}
	}

	for fp := range seenPerSender {
		result.UniqueSenders = append(result.UniqueSenders, fp)
	}

	if !suppressAcks && len(seenPerSender) > 0 {
		if err := s.publishAcks(ctx, seenPerSender); err != nil {
			return result, err
		}
	}
	return result, nil
}

// SyncContact performs a targeted sweep of a single sender, used by the
// outbox listener on a DHT notification (§4.6).
func (s *Spillway) SyncContact(ctx context.Context, senderFp crypto.Fingerprint, suppressAcks bool) (*SyncResult, error) {
	c, err := s.contacts.Get(senderFp)
	if err != nil {
		return nil, errs.Wrap(errs.IdentityNotFound, err)
	}
	if s.contacts.IsBlocked(senderFp) {
		return &SyncResult{}, nil
	}

	now := s.clock.Now()
	maxSeq, processed, skipped, err := s.syncContact(ctx, c, recentSyncDays, now)
	if err != nil {
		return nil, err
	}
	result := &SyncResult{Processed: processed, Skipped: skipped}

	if err := s.contacts.UpdateWatermarks(senderFp, c.LastAckRecv, maxOf(c.LastAckSent, maxSeq), now); err != nil {
		logrus.WithFields(logrus.Fields{
			"package": "outbox", "contact": senderFp, "error": err,
		}).Warn("failed to persist watermark update")
	}
	if maxSeq > 0 {
		result.UniqueSenders = []crypto.Fingerprint{senderFp}
		if !suppressAcks {
			if err := s.publishAcks(ctx, map[crypto.Fingerprint]uint64{senderFp: maxSeq}); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

// syncContact scans c's buckets for the last `days` calendar days and
// returns the highest seq_num observed, plus processed/skipped counts.
func (s *Spillway) syncContact(ctx context.Context, c *contact.Contact, days int, now time.Time) (maxSeq uint64, processed, skipped int, err error) {
	today := dhtapi.DayIndex(now.Unix())
	watermark := c.LastAckSent

	for i := 0; i < days; i++ {
		day := today - int64(i)
		key := dhtapi.OutboxBucketKey(string(c.Fingerprint), day)
		entries, getErr := s.dht.Get(ctx, key)
		if getErr != nil {
			return maxSeq, processed, skipped, errs.Wrap(errs.DhtUnavailable, getErr)
		}
		for _, dhtEntry := range entries {
			if !crypto.VerifyFingerprint(dhtEntry.Signer, c.Fingerprint, dhtEntry.Value, dhtEntry.Signature) {
				continue // bucket-level signature invalid; never trust
			}
			bucket, parseErr := UnmarshalBucket(dhtEntry.Value)
			if parseErr != nil {
				continue
			}
			for _, be := range bucket.Entries {
				if be.RecipientFingerprint != s.self {
					continue
				}
				if be.SeqNum <= watermark {
					skipped++
					continue
				}
				if !be.verify(c.Fingerprint, dhtEntry.Signer) {
					skipped++
					continue
				}
				env, parseErr := UnmarshalEnvelope(be.Ciphertext)
				if parseErr != nil {
					skipped++
					continue
				}
				plaintext, openErr := env.Open(s.selfKEM, dhtEntry.Signer)
				if openErr != nil {
					skipped++
					continue
				}
				if storeErr := s.sink.StoreInbound(c.Fingerprint, be.SeqNum, plaintext, now); storeErr != nil {
					return maxSeq, processed, skipped, errs.Wrap(errs.StoreBusy, storeErr)
				}
				processed++
				if be.SeqNum > maxSeq {
					maxSeq = be.SeqNum
				}
			}
		}
	}
	return maxSeq, processed, skipped, nil
}

// publishAcks publishes one ACK per sender, parallelized over
// min(8, len(seenPerSender)) workers (§4.5).
func (s *Spillway) publishAcks(ctx context.Context, seenPerSender map[crypto.Fingerprint]uint64) error {
	workers := ackWorkerLimit
	if len(seenPerSender) < workers {
		workers = len(seenPerSender)
	}
	if workers == 0 {
		return nil
	}

	type job struct {
		sender crypto.Fingerprint
		seq    uint64
	}
	jobs := make(chan job, len(seenPerSender))
	for fp, seq := range seenPerSender {
		jobs <- job{sender: fp, seq: seq}
	}
	close(jobs)

	errCh := make(chan error, len(seenPerSender))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := s.publishOneAck(ctx, j.sender, j.seq); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// publishOneAck publishes ack(self→sender) := seq at
// H("ack" ‖ self_fp ‖ sender_fp), signed by self. Idempotent: later ACKs
// supersede earlier ones via the same value_id.
func (s *Spillway) publishOneAck(ctx context.Context, sender crypto.Fingerprint, seq uint64) error {
	key := dhtapi.AckKey(string(s.self), string(sender))
	payload := ackPayload{Fingerprint: s.self, Seq: seq}
	data, err := payload.marshal()
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	sig := crypto.Sign(s.signing, data)
	logrus.WithFields(logrus.Fields{"package": "outbox", "sender": sender, "seq": seq}).Debug("publishing ack")
	if err := s.dht.PutSigned(ctx, key, data, 1, outboxEntryTTL, dhtapi.EntryTypeAck, s.signing.Public(), sig); err != nil {
		return errs.Wrap(errs.DhtUnavailable, err)
	}
	return nil
}

// Prune reads the incoming-ACK index for every contact and removes any
// of our own outbox entries addressed to them with seq_num at or below
// the acknowledged value. Pruning is a soft hint; TTL expiry is the hard
// bound (§4.5).
func (s *Spillway) Prune(ctx context.Context) error {
	for _, c := range s.contacts.List() {
		ackKey := dhtapi.AckKey(string(c.Fingerprint), string(s.self))
		entries, err := s.dht.Get(ctx, ackKey)
		if err != nil {
			return errs.Wrap(errs.DhtUnavailable, err)
		}
		if len(entries) == 0 {
			continue
		}
		ackEntry := entries[0]
		if !crypto.VerifyFingerprint(ackEntry.Signer, c.Fingerprint, ackEntry.Value, ackEntry.Signature) {
			continue
		}
		ack, err := unmarshalAckPayload(ackEntry.Value)
		if err != nil {
			continue
		}
		if err := s.pruneOutboxFor(ctx, c.Fingerprint, ack.Seq); err != nil {
			return err
		}
	}
	return nil
}

// pruneOutboxFor rewrites every bucket in the Spillway TTL window to
// drop entries addressed to recipientFp at or below ackedSeq.
func (s *Spillway) pruneOutboxFor(ctx context.Context, recipientFp crypto.Fingerprint, ackedSeq uint64) error {
	now := s.clock.Now()
	today := dhtapi.DayIndex(now.Unix())
	for i := int64(0); i < fullSyncDays; i++ {
		day := today - i
		key := dhtapi.OutboxBucketKey(string(s.self), day)
		entries, err := s.dht.Get(ctx, key)
		if err != nil {
			return errs.Wrap(errs.DhtUnavailable, err)
		}
		if len(entries) == 0 {
			continue
		}
		bucket, err := UnmarshalBucket(entries[0].Value)
		if err != nil {
			continue
		}
		kept := bucket.Entries[:0]
		changed := false
		for _, be := range bucket.Entries {
			if be.RecipientFingerprint == recipientFp && be.SeqNum <= ackedSeq {
				changed = true
				continue
			}
			kept = append(kept, be)
		}
		if !changed {
			continue
		}
		bucket.Entries = kept
		data, err := bucket.Marshal()
		if err != nil {
			return errs.Wrap(errs.Internal, err)
		}
		sig := crypto.Sign(s.signing, data)
		valueID := bucketValueID(s.self, day)
		if err := s.dht.PutSigned(ctx, key, data, valueID, outboxEntryTTL, dhtapi.EntryTypeOutboxBucket, s.signing.Public(), sig); err != nil {
			return errs.Wrap(errs.DhtUnavailable, err)
		}
	}
	return nil
}

func maxOf(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// jitter returns d scaled by a uniform random factor in [1-frac, 1+frac].
func jitter(d time.Duration, frac float64) time.Duration {
	delta := (rand.Float64()*2 - 1) * frac
	return time.Duration(float64(d) * (1 + delta))
}
