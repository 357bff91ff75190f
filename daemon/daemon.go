package daemon

import (
	"sync"
	"sync/atomic"
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	uuid "github.com/satori/go.uuid"

	"github.com/c4dt-edu/pyrod/expose"
	"github.com/c4dt-edu/pyrod/registry"
	serderegistry "github.com/c4dt-edu/pyrod/serde/registry"
	"github.com/c4dt-edu/pyrod/stream"
)

// IntrospectionID is the fixed, well-known object-id of the daemon's own
// introspection object (spec.md §3, §6). It is registered by the caller
// (package introspection + package cli wire it in), not by package daemon
// itself, so that this package never needs to import package introspection
// back.
const IntrospectionID = "Pyro.Daemon"

// ValidateHandshakeFunc is the pluggable handshake validator (spec.md
// §4.7). The default implementation returns the string "hello" and never
// refuses a connection.
type ValidateHandshakeFunc func(conn *ConnectionContext, handshake interface{}) (interface{}, error)

// ClientDisconnectFunc is the user hook run when a connection tears down
// (spec.md §4.7 "Disconnect"). The default is a no-op.
type ClientDisconnectFunc func(conn *ConnectionContext)

func defaultValidateHandshake(*ConnectionContext, interface{}) (interface{}, error) {
	return "hello", nil
}

func defaultClientDisconnect(*ConnectionContext) {}

// Daemon is the request-processing core: it owns the Object Registry,
// Serializer Registry, Exposed-Member Reflector, and Stream Registry, and
// implements the Connection State Machine, Dispatcher, and Housekeeper
// that tie them together (spec.md §2). A process may construct more than
// one Daemon; nothing here is package-level mutable state (SPEC_FULL.md
// "Multiple simultaneous registered daemons").
type Daemon struct {
	ID          string
	Objects     *registry.Registry
	Serializers serderegistry.Registry
	Reflector   *expose.Reflector
	Streams     *stream.Registry

	OnewayThreaded    bool
	IterStreaming     bool
	DetailedTraceback bool
	AutoProxy         bool
	MaxPayloadSize    uint32

	ValidateHandshake ValidateHandshakeFunc
	ClientDisconnect  ClientDisconnectFunc
	Housekeeping      func()

	tracer opentracing.Tracer

	closing      int32
	onewayWG     sync.WaitGroup
	stopHookMu   sync.Mutex
	stopHook     func()
	houseStopCh  chan struct{}
	houseDoneCh  chan struct{}
}

// Option configures a Daemon at construction time, the functional-options
// style used throughout the mino overlay construction.
type Option func(*Daemon)

// WithOnewayThreaded enables spawning detached goroutines for oneway calls
// (spec.md §6 "ONEWAY_THREADED").
func WithOnewayThreaded(v bool) Option { return func(d *Daemon) { d.OnewayThreaded = v } }

// WithIterStreaming enables lazy iterator streaming (spec.md §6
// "ITER_STREAMING"); when disabled, iterator results are eagerly drained
// into a plain list instead of being registered as a stream.
func WithIterStreaming(v bool) Option { return func(d *Daemon) { d.IterStreaming = v } }

// WithDetailedTraceback enables full-size tracebacks on serialized
// exceptions (spec.md §6 "DETAILED_TRACEBACK").
func WithDetailedTraceback(v bool) Option { return func(d *Daemon) { d.DetailedTraceback = v } }

// WithAutoProxy enables replacing a registered object found in a reply
// with its URI (spec.md §6 "AUTOPROXY", spec.md §9 "Auto-proxy
// serialization hook").
func WithAutoProxy(v bool) Option { return func(d *Daemon) { d.AutoProxy = v } }

// WithMaxPayloadSize bounds the payload length ReadMessage accepts from a
// header before allocating a buffer for it (SPEC_FULL.md "max_message_size
// rejection"). 0 means unbounded.
func WithMaxPayloadSize(n uint32) Option { return func(d *Daemon) { d.MaxPayloadSize = n } }

// WithValidateHandshake overrides the pluggable handshake validator.
func WithValidateHandshake(fn ValidateHandshakeFunc) Option {
	return func(d *Daemon) { d.ValidateHandshake = fn }
}

// WithClientDisconnect overrides the clientDisconnect hook.
func WithClientDisconnect(fn ClientDisconnectFunc) Option {
	return func(d *Daemon) { d.ClientDisconnect = fn }
}

// WithHousekeeping sets the user housekeeping() hook run after every sweep
// (spec.md §4.9).
func WithHousekeeping(fn func()) Option { return func(d *Daemon) { d.Housekeeping = fn } }

// WithTracer wires an opentracing.Tracer; INVOKE dispatches are wrapped in
// a span tagged with the correlation-id and method (SPEC_FULL.md §4.7
// "ADDED tracing"). The default is a no-op tracer.
func WithTracer(t opentracing.Tracer) Option { return func(d *Daemon) { d.tracer = t } }

// WithStreamLimits configures the Stream Registry's lifetime and linger
// windows (spec.md §6 "ITER_STREAM_LIFETIME"/"ITER_STREAM_LINGER"). It
// must be passed before any stream is registered; New applies it while
// constructing the Stream Registry.
func WithStreamLimits(lifetime, linger time.Duration) Option {
	return func(d *Daemon) { d.Streams = stream.NewWithMetrics(lifetime, linger) }
}

// New returns a Daemon bound to host:port (optionally with a NAT location),
// with an empty Object Registry, Serializer Registry, Exposed-Member
// Reflector, and Stream Registry. Callers register the embedded
// introspection object themselves (package introspection) and at least one
// serializer before accepting connections.
func New(host string, port int, natHost string, natPort int, opts ...Option) *Daemon {
	daemonID := uuid.NewV4().String()

	d := &Daemon{
		ID:                daemonID,
		Objects:           registry.New(host, port, natHost, natPort, daemonID, IntrospectionID),
		Serializers:       serderegistry.NewSimpleRegistry(),
		Reflector:         expose.NewReflector(0),
		Streams:           stream.NewWithMetrics(0, 0),
		IterStreaming:     true,
		ValidateHandshake: defaultValidateHandshake,
		ClientDisconnect:  defaultClientDisconnect,
		tracer:            opentracing.NoopTracer{},
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Register adds target under objectID (spec.md §4.4), delegating to the
// Object Registry.
func (d *Daemon) Register(target interface{}, objectID string, force bool) (string, error) {
	return d.Objects.Register(target, objectID, force)
}

// Unregister removes target-or-id, delegating to the Object Registry
// (spec.md §4.4).
func (d *Daemon) Unregister(targetOrID interface{}) error {
	return d.Objects.Unregister(targetOrID)
}

// URIFor renders target-or-id's URI, delegating to the Object Registry
// (spec.md §4.4).
func (d *Daemon) URIFor(targetOrID interface{}, nat bool) (string, error) {
	return d.Objects.URIFor(targetOrID, nat)
}

// ResetMetadataCache invalidates v's cached exposed-member sets (spec.md
// §4.3 rule 6).
func (d *Daemon) ResetMetadataCache(v interface{}) {
	d.Reflector.Reset(v)
}

// SetStopHook registers the function a transport uses to stop accepting
// new connections; Shutdown calls it once (spec.md §5 "Cancellation").
func (d *Daemon) SetStopHook(fn func()) {
	d.stopHookMu.Lock()
	defer d.stopHookMu.Unlock()
	d.stopHook = fn
}

// IsShuttingDown reports whether Shutdown has been called.
func (d *Daemon) IsShuttingDown() bool {
	return atomic.LoadInt32(&d.closing) != 0
}

// Shutdown sets the must-stop flag, signals the registered transport stop
// hook, waits up to 5s for in-flight oneway tasks, then empties the Stream
// Registry (spec.md §5 "Cancellation", §8 invariant 7). In-flight
// dispatches are not forcibly cancelled.
func (d *Daemon) Shutdown() {
	if !atomic.CompareAndSwapInt32(&d.closing, 0, 1) {
		return
	}

	d.stopHousekeeper()

	d.stopHookMu.Lock()
	hook := d.stopHook
	d.stopHookMu.Unlock()
	if hook != nil {
		hook()
	}

	done := make(chan struct{})
	go func() {
		d.onewayWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	d.Streams.Clear()
}
