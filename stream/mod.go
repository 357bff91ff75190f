// Package stream implements the Stream Registry (spec.md §4.6): the map
// from stream-id to a lazily-advanced iterator, with lifetime and linger
// based eviction for connections that disconnect mid-stream.
//
// Documentation Last Review: 2026-07-31
package stream

import (
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/c4dt-edu/pyrod"
)

// Iterator is the minimal shape a result must satisfy to be registered as
// a stream: Next returns pyrod.ErrStopIteration on clean exhaustion.
type Iterator interface {
	Next() (interface{}, error)
}

// SafeAdvance is implemented by iterators that know whether they can be
// safely advanced out-of-band, e.g. a live view over a mutable mapping
// cannot (spec.md §4.6 register rule). Iterators that don't implement
// this are assumed safe.
type SafeAdvance interface {
	SafeToAdvanceRemotely() bool
}

type entry struct {
	iterator  Iterator
	client    interface{}
	createdAt time.Time
	lingerAt  time.Time
}

// Registry is the Stream Registry.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	lifetime time.Duration
	linger   time.Duration

	active   prometheusGauge
	lingering prometheusGauge
}

// prometheusGauge is the minimal surface stream.Registry needs from a
// prometheus gauge, so tests can swap in a no-op without importing the
// client library.
type prometheusGauge interface {
	Inc()
	Dec()
}

type noopGauge struct{}

func (noopGauge) Inc() {}
func (noopGauge) Dec() {}

// New returns an empty Stream Registry. lifetime and linger of zero
// disable the corresponding eviction rule (spec.md §4.6 sweep).
func New(lifetime, linger time.Duration) *Registry {
	return &Registry{
		entries:   make(map[string]*entry),
		lifetime:  lifetime,
		linger:    linger,
		active:    noopGauge{},
		lingering: noopGauge{},
	}
}

// SetGauges wires prometheus gauges tracking active and lingering stream
// counts (pyrod_streams_active / pyrod_streams_lingering).
func (r *Registry) SetGauges(active, lingering prometheusGauge) {
	r.active = active
	r.lingering = lingering
}

func newStreamID() string {
	return uuid.NewV4().String()
}

// Register adds it, bound to client, and returns a fresh stream-id. it is
// refused with a ProtocolError if it declares itself unsafe to advance
// out-of-band (spec.md §4.6).
func (r *Registry) Register(it Iterator, client interface{}) (string, error) {
	if safe, ok := it.(SafeAdvance); ok && !safe.SafeToAdvanceRemotely() {
		return "", pyrod.NewProtocolError("result is a live view that cannot be safely streamed, materialize it first")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := newStreamID()
	r.entries[id] = &entry{iterator: it, client: client, createdAt: now()}
	r.active.Inc()

	return id, nil
}

// Next advances the stream bound to id. If the entry was lingering
// (client is nil), it is re-bound to client and its linger timestamp is
// cleared. On exhaustion (pyrod.ErrStopIteration) or any other error the
// entry is removed and the error re-raised.
func (r *Registry) Next(id string, client interface{}) (interface{}, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, pyrod.NewPyroError("item stream terminated")
	}

	wasLingering := e.client == nil
	if wasLingering {
		e.client = client
		e.lingerAt = time.Time{}
		r.lingering.Dec()
	}
	r.mu.Unlock()

	item, err := e.iterator.Next()
	if err != nil {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		r.active.Dec()
		return nil, err
	}

	return item, nil
}

// Close removes id, silently no-op if it is not present (spec.md §4.6).
func (r *Registry) Close(id string) {
	r.mu.Lock()
	_, existed := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if existed {
		r.active.Dec()
	}
}

// Disconnect processes a connection teardown: every entry bound to
// client either starts lingering (if linger is configured) or is dropped
// outright.
func (r *Registry) Disconnect(client interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		if e.client != client {
			continue
		}
		if r.linger > 0 {
			e.client = nil
			e.lingerAt = now()
			r.lingering.Inc()
		} else {
			delete(r.entries, id)
			r.active.Dec()
		}
	}
}

// Sweep drops expired entries: those past their lifetime since creation,
// and those past their linger window since they started lingering
// (spec.md §4.6).
func (r *Registry) Sweep(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		if r.lifetime > 0 && at.Sub(e.createdAt) > r.lifetime {
			delete(r.entries, id)
			r.active.Dec()
			if e.client == nil {
				r.lingering.Dec()
			}
			continue
		}
		if r.linger > 0 && !e.lingerAt.IsZero() && at.Sub(e.lingerAt) > r.linger {
			delete(r.entries, id)
			r.active.Dec()
			r.lingering.Dec()
		}
	}
}

// Clear drops every entry unconditionally, for Daemon.Shutdown (spec.md §5
// "Cancellation": "shutdown() ... drops the Stream Registry").
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		r.active.Dec()
		if e.client == nil {
			r.lingering.Dec()
		}
	}
	r.entries = make(map[string]*entry)
}

// Len reports the number of entries currently tracked, for tests and
// introspection.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// now is a seam so tests can avoid real wall-clock sleeps; production
// code always calls time.Now() via this indirection point.
var now = time.Now
