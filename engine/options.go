package engine

import (
	"runtime"
	"time"

	"github.com/dnamesh/dnamessenger/clock"
	"github.com/dnamesh/dnamessenger/dhtapi"
	"github.com/sirupsen/logrus"
)

// Options configures an Engine. Only DHT and DataDir are required;
// everything else has a spec-mandated default.
type Options struct {
	// DHT is the collaborator every DHT-facing component publishes to
	// and reads from. Required.
	DHT dhtapi.DHT

	// DataDir is where the local store's database lives. Required
	// unless InMemoryStore is set.
	DataDir string

	// InMemoryStore opts the local store out of disk persistence,
	// for ephemeral/anonymous sessions and tests.
	InMemoryStore bool

	// WorkerCount sizes the worker thread pool that executes DHT,
	// crypto, and database operations (§5). Zero selects the spec
	// default, min(8, 2*NumCPU).
	WorkerCount int

	// Clock is injected for deterministic tests; nil uses the system
	// clock.
	Clock clock.Provider

	// Log receives structured diagnostics from every engine
	// subsystem; nil falls back to logrus.StandardLogger().
	Log *logrus.Logger

	// GetTimeout and PutTimeout bound individual DHT operations (§5:
	// "every DHT call has a deadline"). Zero selects the spec
	// defaults of 10s/30s.
	GetTimeout time.Duration
	PutTimeout time.Duration
}

func defaultWorkerCount() int {
	n := 2 * runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.WorkerCount <= 0 {
		out.WorkerCount = defaultWorkerCount()
	}
	if out.Clock == nil {
		out.Clock = clock.Default()
	}
	if out.Log == nil {
		out.Log = logrus.StandardLogger()
	}
	if out.GetTimeout <= 0 {
		out.GetTimeout = 10 * time.Second
	}
	if out.PutTimeout <= 0 {
		out.PutTimeout = 30 * time.Second
	}
	return &out
}
