package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/dhtapi"
	"github.com/sirupsen/logrus"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second
	backoffJitterFrac = 0.25

	// dayRollCheckInterval bounds how often the listener notices its
	// subscription has rolled past midnight and needs to move to the
	// new day's bucket key.
	dayRollCheckInterval = 1 * time.Minute
)

// Listener maintains a long-lived per-contact subscription to the
// contact's current-day outbox bucket (§4.6). On notification it
// triggers a targeted sweep of that sender only, then publishes the ACK.
// It survives transient DHT disconnects via exponential backoff and
// exits cooperatively: Stop signals the run loop, which finishes any
// in-flight sweep before returning.
type Listener struct {
	dht       dhtapi.DHT
	spillway  *Spillway
	contactFp crypto.Fingerprint

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewListener constructs a listener for one contact. It does not start
// until Run is called.
func NewListener(dht dhtapi.DHT, spillway *Spillway, contactFp crypto.Fingerprint) *Listener {
	return &Listener{dht: dht, spillway: spillway, contactFp: contactFp}
}

// Run subscribes to contactFp's current-day bucket and processes
// notifications until ctx is cancelled or Stop is called. Run blocks;
// callers invoke it in its own goroutine.
func (l *Listener) Run(ctx context.Context) {
	l.mu.Lock()
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	stop := l.stop
	done := l.done
	l.mu.Unlock()
	defer close(done)

	backoff := backoffBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		sub, notify, err := l.subscribeToday()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"package": "outbox", "contact": l.contactFp, "error": err,
			}).Warn("outbox listener subscribe failed, backing off")
			select {
			case <-time.After(jitter(backoff, backoffJitterFrac)):
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}
		backoff = backoffBase

		l.serveUntilRollOrStop(ctx, sub, notify, stop)
	}
}

// subscribeToday subscribes to the contact's bucket key for the current
// calendar day and returns a channel fed by the DHT callback.
func (l *Listener) subscribeToday() (dhtapi.Subscription, <-chan struct{}, error) {
	notify := make(chan struct{}, 1)
	key := dhtapi.OutboxBucketKey(string(l.contactFp), dhtapi.DayIndex(l.spillway.clock.Now().Unix()))
	sub, err := l.dht.Subscribe(key, func(dhtapi.Entry) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, notify, nil
}

// serveUntilRollOrStop processes notifications for the currently
// subscribed day, re-subscribing when the calendar day rolls over, until
// ctx is cancelled, Stop is called, or the subscription needs renewal.
func (l *Listener) serveUntilRollOrStop(ctx context.Context, sub dhtapi.Subscription, notify <-chan struct{}, stop chan struct{}) {
	defer sub.Cancel()

	day := dhtapi.DayIndex(l.spillway.clock.Now().Unix())
	rollCheck := time.NewTicker(dayRollCheckInterval)
	defer rollCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-rollCheck.C:
			if dhtapi.DayIndex(l.spillway.clock.Now().Unix()) != day {
				return // caller loop resubscribes to the new day's key
			}
		case <-notify:
			l.sweep(ctx)
		}
	}
}

// sweep runs a targeted sync of this listener's contact and publishes
// the resulting ACK. Errors are logged, not returned: a failed sweep
// simply waits for the next notification or rollover.
func (l *Listener) sweep(ctx context.Context) {
	if _, err := l.spillway.SyncContact(ctx, l.contactFp, false); err != nil {
		logrus.WithFields(logrus.Fields{
			"package": "outbox", "contact": l.contactFp, "error": err,
		}).Warn("outbox listener sweep failed")
	}
}

// Stop signals the run loop to exit. It returns once the in-flight
// sweep, if any, has finished and Run has returned (cooperative
// cancellation, §4.6).
func (l *Listener) Stop() {
	l.mu.Lock()
	stop := l.stop
	done := l.done
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
