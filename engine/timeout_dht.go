package engine

import (
	"context"
	"time"

	"github.com/dnamesh/dnamessenger/dhtapi"
)

// timeoutDHT wraps a dhtapi.DHT so every Put/PutSigned/Get call is bounded
// by the engine's configured deadlines (§5: "every DHT call has a
// deadline"), without requiring every collaborator package to know about
// Options itself. Subscribe is long-lived by nature and is passed through
// unbounded; IsReady is a non-blocking local check.
type timeoutDHT struct {
	dhtapi.DHT
	getTimeout time.Duration
	putTimeout time.Duration
}

func wrapWithTimeouts(dht dhtapi.DHT, getTimeout, putTimeout time.Duration) dhtapi.DHT {
	return &timeoutDHT{DHT: dht, getTimeout: getTimeout, putTimeout: putTimeout}
}

func (t *timeoutDHT) Put(ctx context.Context, key, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, t.putTimeout)
	defer cancel()
	return t.DHT.Put(ctx, key, value, ttl)
}

func (t *timeoutDHT) PutSigned(ctx context.Context, key, value []byte, valueID uint64, ttl time.Duration, typ dhtapi.EntryType, signer []byte, signature []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.putTimeout)
	defer cancel()
	return t.DHT.PutSigned(ctx, key, value, valueID, ttl, typ, signer, signature)
}

func (t *timeoutDHT) Get(ctx context.Context, key []byte) ([]dhtapi.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, t.getTimeout)
	defer cancel()
	return t.DHT.Get(ctx, key)
}
