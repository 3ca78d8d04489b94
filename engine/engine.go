// Package engine is the async façade (§4.9/§5): every public verb
// returns a request_id immediately and the result is delivered later to
// a caller-supplied callback, invoked serially on a dedicated callback
// thread. It wires together every other package in this module —
// identity, contact, outbox, groupenc, store — behind one dispatch
// queue, a bounded worker pool, and per-contact listener goroutines.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnamesh/dnamessenger/contact"
	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/dhtapi"
	"github.com/dnamesh/dnamessenger/errs"
	"github.com/dnamesh/dnamessenger/groupenc"
	"github.com/dnamesh/dnamessenger/identity"
	"github.com/dnamesh/dnamessenger/outbox"
	"github.com/dnamesh/dnamessenger/store"
	"github.com/sirupsen/logrus"
)

// Result is delivered to the callback exactly once per submitted
// request, happens-after submission (§5's per-request ordering
// guarantee).
type Result struct {
	RequestID uint64
	Value     any
	Err       error
}

// Callback receives every completed or cancelled request. The engine
// never invokes it on the caller's goroutine and never while holding an
// internal lock.
type Callback func(Result)

type job struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	fn     func(ctx context.Context) (any, error)
}

// Engine is the running façade over one loaded identity.
type Engine struct {
	opts  *Options
	self  *crypto.Identity
	dht   dhtapi.DHT
	log   *logrus.Logger

	Store     *store.Store
	Contacts  *contact.Manager
	Requests  *contact.RequestManager
	Keyserver *identity.Keyserver
	Presence  *identity.PresenceService
	Spillway  *outbox.Spillway
	Groups    *groupenc.Manager

	nextID atomic.Uint64

	submitCh chan *job
	jobCh    chan *job
	resultCh chan Result

	mu        sync.Mutex
	inflight  map[uint64]context.CancelFunc
	listeners map[crypto.Fingerprint]*outbox.Listener

	ctx    context.Context
	cancel context.CancelFunc

	dispatchDone chan struct{}
	callbackDone chan struct{}
	workersWG    sync.WaitGroup
	listenersWG  sync.WaitGroup

	running bool
}

// New wires every collaborator package for identity self against the
// given options. It does not start any background threads; call Run to
// do that.
func New(self *crypto.Identity, opts *Options) (*Engine, error) {
	o := opts.withDefaults()
	if o.DHT == nil {
		return nil, errs.New(errs.InvalidArgument, "engine: options.DHT is required")
	}
	dht := wrapWithTimeouts(o.DHT, o.GetTimeout, o.PutTimeout)

	var st *store.Store
	var err error
	if o.InMemoryStore {
		st, err = store.OpenInMemory(o.Log)
	} else {
		st, err = store.Open(&store.Config{DataDir: o.DataDir, Log: o.Log})
	}
	if err != nil {
		return nil, err
	}

	contacts, err := contact.NewManager(o.Clock, contactPersister{store: st})
	if err != nil {
		return nil, err
	}
	requests := contact.NewRequestManager(contacts, o.Clock)
	keyserver := identity.NewKeyserver(dht, o.Clock)
	presence := identity.NewPresenceService(dht, self.Signing, o.Clock)

	e := &Engine{
		opts: o, self: self, dht: dht, log: o.Log,
		Store: st, Contacts: contacts, Requests: requests,
		Keyserver: keyserver, Presence: presence,
		Groups:    groupenc.NewManager(dht, o.Clock, self, kemResolver{ks: keyserver}),
		inflight:  make(map[uint64]context.CancelFunc),
		listeners: make(map[crypto.Fingerprint]*outbox.Listener),
	}
	e.Spillway = outbox.NewSpillway(dht, o.Clock, self.Fingerprint, self.KEM, self.Signing, contacts, st, kemResolver{ks: keyserver})
	return e, nil
}

// contactPersister adapts *store.Store to contact.Persister, translating
// between store.ContactRecord and contact.PersistedContact so the
// contact package never has to import store.
type contactPersister struct{ store *store.Store }

func (p contactPersister) UpsertContact(c *contact.PersistedContact) error {
	return p.store.UpsertContact(&store.ContactRecord{
		FP: c.Fingerprint, Nickname: c.Nickname, DisplayName: c.DisplayName,
		LastSeen: c.LastSeen, LastAckRecv: c.LastAckRecv, LastAckSent: c.LastAckSent,
		DMLastSync: c.DMLastSync, Blocked: c.Blocked,
	})
}

func (p contactPersister) DeleteContact(fp crypto.Fingerprint) error {
	return p.store.DeleteContact(fp)
}

func (p contactPersister) ListContacts() ([]*contact.PersistedContact, error) {
	records, err := p.store.ListContacts()
	if err != nil {
		return nil, err
	}
	out := make([]*contact.PersistedContact, 0, len(records))
	for _, r := range records {
		out = append(out, &contact.PersistedContact{
			Fingerprint: r.FP, Nickname: r.Nickname, DisplayName: r.DisplayName,
			LastSeen: r.LastSeen, LastAckRecv: r.LastAckRecv, LastAckSent: r.LastAckSent,
			DMLastSync: r.DMLastSync, Blocked: r.Blocked,
		})
	}
	return out, nil
}

// kemResolver adapts identity.Keyserver's fingerprint lookup to both
// outbox.KEMPubkeyResolver and groupenc.MemberKEMResolver, which share
// the same method shape by design.
type kemResolver struct{ ks *identity.Keyserver }

func (r kemResolver) ResolveKEMPubkey(ctx context.Context, fp crypto.Fingerprint) ([]byte, error) {
	rec, err := r.ks.LookupByFingerprint(ctx, fp)
	if err != nil {
		return nil, err
	}
	return rec.KEMPubkey, nil
}

// Run starts the dispatch thread, the worker pool, the callback thread,
// and the periodic presence task. cb receives every request's result.
func (e *Engine) Run(cb Callback) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errs.New(errs.InvalidArgument, "engine already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.submitCh = make(chan *job, 64)
	e.jobCh = make(chan *job, 64)
	e.resultCh = make(chan Result, 64)
	e.dispatchDone = make(chan struct{})
	e.callbackDone = make(chan struct{})
	e.mu.Unlock()

	go e.runDispatch()
	for i := 0; i < e.opts.WorkerCount; i++ {
		e.workersWG.Add(1)
		go e.runWorker()
	}
	go e.runCallback(cb)
	go e.Presence.Run(e.ctx)
	return nil
}

// runDispatch is the single dispatch thread: fast bookkeeping only,
// then handoff to the worker pool. It never performs I/O.
func (e *Engine) runDispatch() {
	defer close(e.dispatchDone)
	for j := range e.submitCh {
		e.jobCh <- j
	}
}

// runWorker is one member of the worker pool. DHT I/O, crypto, and
// database operations all happen here, never on the dispatch or
// callback thread (§5).
func (e *Engine) runWorker() {
	defer e.workersWG.Done()
	for j := range e.jobCh {
		var val any
		var err error
		select {
		case <-j.ctx.Done():
			err = errs.New(errs.Cancelled, "request cancelled before execution")
		default:
			val, err = j.fn(j.ctx)
		}
		e.mu.Lock()
		delete(e.inflight, j.id)
		e.mu.Unlock()
		j.cancel()
		e.resultCh <- Result{RequestID: j.id, Value: val, Err: err}
	}
}

// runCallback is the single callback thread: it drains completions and
// invokes cb serially, guaranteeing callback non-reentrancy.
func (e *Engine) runCallback(cb Callback) {
	defer close(e.callbackDone)
	for r := range e.resultCh {
		cb(r)
	}
}

// submit enqueues fn for execution on the worker pool and returns its
// request id immediately.
func (e *Engine) submit(fn func(ctx context.Context) (any, error)) uint64 {
	id := e.nextID.Add(1)
	ctx, cancel := context.WithCancel(e.ctx)
	j := &job{id: id, ctx: ctx, cancel: cancel, fn: fn}

	e.mu.Lock()
	e.inflight[id] = cancel
	e.mu.Unlock()

	e.submitCh <- j
	return id
}

// Cancel requests best-effort cancellation of requestID. An in-flight
// DHT put may still complete on the network regardless (§5).
func (e *Engine) Cancel(requestID uint64) bool {
	e.mu.Lock()
	cancel, ok := e.inflight[requestID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Shutdown stops every background thread in this order: cancel the
// engine context, stop the dispatch thread, drain the worker pool (bounded
// by timeout), cancel listeners, then stop the callback thread. The
// dispatch thread is stopped before the worker pool drains, not after.
func (e *Engine) Shutdown(timeout time.Duration) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.cancel() // stops Presence.Run and every in-flight worker context
	close(e.submitCh)
	<-e.dispatchDone
	close(e.jobCh)

	done := make(chan struct{})
	go func() { e.workersWG.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(timeout):
		e.log.Warn("engine: worker pool did not drain within shutdown timeout")
	}

	e.cancelAllListeners()

	close(e.resultCh)
	<-e.callbackDone
	return nil
}

func (e *Engine) cancelAllListeners() {
	e.mu.Lock()
	listeners := make([]*outbox.Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.listeners = make(map[crypto.Fingerprint]*outbox.Listener)
	e.mu.Unlock()

	for _, l := range listeners {
		l.Stop()
	}
	e.listenersWG.Wait()
}
