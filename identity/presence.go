package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dnamesh/dnamessenger/clock"
	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/dhtapi"
	"github.com/dnamesh/dnamessenger/errs"
)

// Presence TTL, republish interval, and classification thresholds (§4.4).
const (
	PresenceTTL        = 7 * 24 * time.Hour
	PresenceInterval   = 60 * time.Second
	presenceValueID    = 1
	onlineThreshold    = 300 * time.Second
	recentSeenCutoff   = 24 * time.Hour
	presenceSignDomain = "dna.presence"
)

// Status classifies a presence record's freshness at read time.
type Status int

const (
	StatusOffline Status = iota
	StatusRecentlySeen
	StatusOnline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusRecentlySeen:
		return "recently-seen"
	default:
		return "offline"
	}
}

type presencePayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PresenceService periodically publishes a signed, timestamp-only
// liveness record and classifies records read from peers.
type PresenceService struct {
	dht     dhtapi.DHT
	clock   clock.Provider
	signing *crypto.SigningKeyPair

	mu      sync.Mutex
	paused  bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewPresenceService constructs a service that signs with signing. A nil
// clock provider uses the system clock.
func NewPresenceService(dht dhtapi.DHT, signing *crypto.SigningKeyPair, cp clock.Provider) *PresenceService {
	if cp == nil {
		cp = clock.Default()
	}
	return &PresenceService{dht: dht, signing: signing, clock: cp}
}

// PublishOnce signs and stores one presence record immediately, ignoring
// the pause flag. Used both by the periodic loop and direct CLI-driven
// refresh-presence calls.
func (p *PresenceService) PublishOnce(ctx context.Context) error {
	fp := p.signing.Fingerprint()
	payload, err := json.Marshal(presencePayload{Timestamp: p.clock.Now().Unix()})
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}

	sig := crypto.Sign(p.signing, append([]byte(presenceSignDomain), payload...))
	key := dhtapi.PresenceKey(string(fp))
	if err := p.dht.PutSigned(ctx, key, payload, presenceValueID, PresenceTTL, dhtapi.EntryTypePresence, p.signing.Public(), sig); err != nil {
		return errs.Wrap(errs.DhtUnavailable, err)
	}
	return nil
}

// Pause suspends the periodic publish loop without stopping it; Resume
// re-enables publication. Both are idempotent.
func (p *PresenceService) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *PresenceService) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

func (p *PresenceService) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Run starts the periodic presence task on the calling goroutine; callers
// typically invoke it via `go service.Run(ctx)` from a worker. It returns
// when ctx is cancelled.
func (p *PresenceService) Run(ctx context.Context) {
	ticker := time.NewTicker(PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.isPaused() {
				continue
			}
			_ = p.PublishOnce(ctx)
		}
	}
}

// Lookup fetches and verifies a peer's presence record, classifying its
// freshness. A missing or unparseable record is reported as Offline with
// a nil error, since absence is expected for offline peers; a record
// whose signature fails verification is reported as Offline together
// with an error.
func (p *PresenceService) Lookup(ctx context.Context, fp crypto.Fingerprint, signingPubkey []byte) (Status, error) {
	key := dhtapi.PresenceKey(string(fp))
	entries, err := p.dht.Get(ctx, key)
	if err != nil {
		return StatusOffline, errs.Wrap(errs.DhtUnavailable, err)
	}
	if len(entries) == 0 {
		return StatusOffline, nil
	}

	entry := entries[0]
	var payload presencePayload
	if err := json.Unmarshal(entry.Value, &payload); err != nil {
		return StatusOffline, nil
	}

	signedBytes := append([]byte(presenceSignDomain), entry.Value...)
	if !crypto.VerifyFingerprint(signingPubkey, fp, signedBytes, entry.Signature) {
		return StatusOffline, fmt.Errorf("identity: presence record for %s failed verification", fp)
	}

	age := p.clock.Now().Sub(time.Unix(payload.Timestamp, 0))
	switch {
	case age < onlineThreshold:
		return StatusOnline, nil
	case age < recentSeenCutoff:
		return StatusRecentlySeen, nil
	default:
		return StatusOffline, nil
	}
}
