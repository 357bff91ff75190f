// Package daemon implements the Connection State Machine (spec.md §4.7),
// the Dispatcher (spec.md §4.8), and the Housekeeper (spec.md §4.9): the
// request-processing core that ties the wire, serde, expose, registry and
// stream packages together.
//
// Documentation Last Review: 2026-07-31
package daemon

import (
	uuid "github.com/satori/go.uuid"

	"github.com/c4dt-edu/pyrod/registry"
	"github.com/c4dt-edu/pyrod/wire"
)

// ConnectionContext is the per-socket state the core keeps (spec.md §3
// "Connection context"): the peer address, the session-instancing bag,
// and the correlation-id carried by the last request on this connection.
type ConnectionContext struct {
	Peer          string
	Sessions      *registry.SessionBag
	CorrelationID string
}

// NewConnectionContext returns a fresh, empty context for a newly accepted
// connection identified by peer.
func NewConnectionContext(peer string) *ConnectionContext {
	return &ConnectionContext{Peer: peer, Sessions: registry.NewSessionBag()}
}

// RequestContext is the per-in-flight-call state observable to user hooks
// (spec.md §3 "Request context"): correlation-id, sequence number,
// annotations, flags, the negotiated serializer, and the connection that
// produced the request. ForDetached returns a snapshot safe to hand to a
// spawned oneway task, since the origin connection may close before that
// task finishes (spec.md §5).
type RequestContext struct {
	CorrelationID string
	Seq           uint32
	Annotations   map[string][]byte
	Flags         wire.Flags
	SerializerID  uint16
	Connection    *ConnectionContext
}

// ForDetached returns a value copy of rc with its own copy of the
// annotations map, suitable for a spawned oneway goroutine that must not
// race with further mutation of rc on the origin connection's goroutine.
func (rc RequestContext) ForDetached() RequestContext {
	cp := rc
	cp.Annotations = make(map[string][]byte, len(rc.Annotations))
	for k, v := range rc.Annotations {
		cp.Annotations[k] = append([]byte(nil), v...)
	}
	return cp
}

// correlationIDFrom extracts the caller-provided correlation-id from a
// CONNECT/INVOKE's annotations, minting a fresh one if absent (spec.md
// §4.7). The CORR annotation carries the id as 16 raw bytes (spec.md §3
// "Correlation-id"); a non-UUID-shaped value is tolerated and passed
// through verbatim rather than rejected, since unknown annotation content
// must be preserved, not dropped (spec.md §4.1).
func correlationIDFrom(annotations map[string][]byte) string {
	raw, ok := annotations[wire.AnnotationCorrelation]
	if !ok || len(raw) == 0 {
		return uuid.NewV4().String()
	}

	if len(raw) == 16 {
		var u uuid.UUID
		copy(u[:], raw)
		return u.String()
	}

	return string(raw)
}

// correlationIDBytes renders id back to the 16 raw bytes carried in the
// CORR annotation, falling back to the UTF-8 form for a non-UUID id (the
// symmetric case of correlationIDFrom's tolerance).
func correlationIDBytes(id string) []byte {
	u, err := uuid.FromString(id)
	if err != nil {
		return []byte(id)
	}
	return u.Bytes()
}
