package outbox

import (
	"context"
	"time"

	"github.com/dnamesh/dnamessenger/contact"
	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/dhtapi"
	"github.com/dnamesh/dnamessenger/errs"
)

// requestSyncDays bounds how many trailing calendar days a
// SyncContactRequests sweep scans, mirroring recentSyncDays for DMs: a
// request older than three calendar days is not surfaced.
const requestSyncDays = recentSyncDays

// RequestSink receives a verified, decrypted contact request recovered
// from this identity's own request-inbox sweep. contact.RequestManager
// satisfies this directly via its Receive method.
type RequestSink interface {
	Receive(peer crypto.Fingerprint, message string) error
}

// SendContactRequest seals message for recipientFp with the same
// envelope construction Enqueue uses for direct messages, then appends
// it to the recipient's request-inbox bucket for today. Unlike Enqueue,
// no prior contact relationship or watermark is required: the recipient
// discovers the request on its own next SyncContactRequests sweep.
func (s *Spillway) SendContactRequest(ctx context.Context, recipientFp crypto.Fingerprint, message string) error {
	if len(message) > contact.MaxRequestMessageLength {
		return errs.New(errs.InvalidArgument, "contact request message too long")
	}

	recipientKEM, err := s.kemLookup.ResolveKEMPubkey(ctx, recipientFp)
	if err != nil {
		return errs.Wrap(errs.DhtUnavailable, err)
	}

	now := s.clock.Now()
	env, err := SealEnvelope(s.signing, recipientFp, recipientKEM, 0, now, []byte(message))
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	envBytes, err := env.Marshal()
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}

	entry := RequestEntry{
		SenderFingerprint:   s.self,
		SenderSigningPubkey: s.signing.Public(),
		Ciphertext:          envBytes,
	}
	if err := entry.sign(recipientFp, s.signing); err != nil {
		return errs.Wrap(errs.Internal, err)
	}

	return s.appendToRequestBucket(ctx, recipientFp, dhtapi.DayIndex(now.Unix()), entry)
}

// appendToRequestBucket reads the current request-inbox bucket for
// (recipientFp, day), appends entry, and republishes it, spilling into
// the next day's bucket once MaxBucketEntries is reached, exactly as
// appendToBucket does for the DM outbox.
func (s *Spillway) appendToRequestBucket(ctx context.Context, recipientFp crypto.Fingerprint, day int64, entry RequestEntry) error {
	key := dhtapi.ContactRequestBucketKey(string(recipientFp), day)
	bucket := &RequestBucket{RecipientFingerprint: recipientFp, DayIndex: day}

	entries, err := s.dht.Get(ctx, key)
	if err != nil {
		return errs.Wrap(errs.DhtUnavailable, err)
	}
	if len(entries) > 0 {
		existing, err := UnmarshalRequestBucket(entries[0].Value)
		if err == nil {
			bucket = existing
		}
	}

	if len(bucket.Entries) >= MaxBucketEntries {
		return s.appendToRequestBucket(ctx, recipientFp, day+1, entry)
	}

	bucket.Entries = append(bucket.Entries, entry)
	data, err := bucket.Marshal()
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}

	sig := crypto.Sign(s.signing, data)
	valueID := bucketValueID(recipientFp, day)
	if err := s.dht.PutSigned(ctx, key, data, valueID, outboxEntryTTL, dhtapi.EntryTypeContactRequestBucket, s.signing.Public(), sig); err != nil {
		return errs.Wrap(errs.DhtUnavailable, err)
	}
	return nil
}

// SyncContactRequests scans this identity's own request-inbox buckets
// for the last requestSyncDays calendar days, verifies and decrypts
// every entry, and delivers each to sink. A request from a blocked
// fingerprint is counted as skipped and never reaches sink, per P4.
func (s *Spillway) SyncContactRequests(ctx context.Context, sink RequestSink, now time.Time) (processed, skipped int, err error) {
	today := dhtapi.DayIndex(now.Unix())
	for i := 0; i < requestSyncDays; i++ {
		day := today - int64(i)
		key := dhtapi.ContactRequestBucketKey(string(s.self), day)
		entries, getErr := s.dht.Get(ctx, key)
		if getErr != nil {
			return processed, skipped, errs.Wrap(errs.DhtUnavailable, getErr)
		}
		for _, dhtEntry := range entries {
			bucket, parseErr := UnmarshalRequestBucket(dhtEntry.Value)
			if parseErr != nil {
				continue
			}
			for _, re := range bucket.Entries {
				if s.contacts.IsBlocked(re.SenderFingerprint) {
					skipped++
					continue
				}
				if !re.verify(s.self) {
					skipped++
					continue
				}
				env, parseErr := UnmarshalEnvelope(re.Ciphertext)
				if parseErr != nil {
					skipped++
					continue
				}
				plaintext, openErr := env.Open(s.selfKEM, re.SenderSigningPubkey)
				if openErr != nil {
					skipped++
					continue
				}
				if recvErr := sink.Receive(re.SenderFingerprint, string(plaintext)); recvErr != nil {
					skipped++
					continue
				}
				processed++
			}
		}
	}
	return processed, skipped, nil
}
