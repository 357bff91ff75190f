// Package registry implements the Serializer Registry (spec.md §4.2): a
// lookup of codecs by name and by wire id, plus the accept-list check that
// the daemon applies to every incoming CONNECT/INVOKE before deserializing
// anything.
//
// Documentation Last Review: 2026-07-31
package registry

import (
	"sync"

	"github.com/c4dt-edu/pyrod"
	"github.com/c4dt-edu/pyrod/serde"
)

// Registry looks codecs up by name or id, and enforces an accept-list of
// ids configured from SERIALIZERS_ACCEPTED.
type Registry interface {
	// Register adds a codec, indexed by both its name and its id.
	Register(codec serde.Codec)

	// Get returns the codec registered under name, or nil if none is.
	Get(name string) serde.Codec

	// GetByID returns the codec registered under id, or nil if none is, or
	// if id is not on the accept-list.
	GetByID(id uint16) serde.Codec

	// Accepts reports whether id is on the accept-list.
	Accepts(id uint16) bool

	// SetAccepted replaces the accept-list with the ids of the named
	// codecs. Names that are not registered are ignored.
	SetAccepted(names ...string)

	// AcceptedIDs returns the current accept-list.
	AcceptedIDs() []uint16
}

// simpleRegistry is the straightforward map-backed Registry.
//
// - implements Registry
type simpleRegistry struct {
	sync.RWMutex
	byName   map[string]serde.Codec
	byID     map[uint16]serde.Codec
	accepted map[uint16]bool
}

// NewSimpleRegistry returns an empty Registry.
func NewSimpleRegistry() Registry {
	return &simpleRegistry{
		byName:   make(map[string]serde.Codec),
		byID:     make(map[uint16]serde.Codec),
		accepted: make(map[uint16]bool),
	}
}

func (r *simpleRegistry) Register(codec serde.Codec) {
	r.Lock()
	defer r.Unlock()

	r.byName[codec.Name()] = codec
	r.byID[codec.ID()] = codec

	pyrod.Logger.Debug().Str("serializer", codec.Name()).Uint16("id", codec.ID()).Msg("registered serializer")
}

func (r *simpleRegistry) Get(name string) serde.Codec {
	r.RLock()
	defer r.RUnlock()

	return r.byName[name]
}

func (r *simpleRegistry) GetByID(id uint16) serde.Codec {
	r.RLock()
	defer r.RUnlock()

	if !r.accepted[id] {
		return nil
	}

	return r.byID[id]
}

func (r *simpleRegistry) Accepts(id uint16) bool {
	r.RLock()
	defer r.RUnlock()

	return r.accepted[id]
}

func (r *simpleRegistry) SetAccepted(names ...string) {
	r.Lock()
	defer r.Unlock()

	r.accepted = make(map[uint16]bool, len(names))
	for _, name := range names {
		codec, ok := r.byName[name]
		if !ok {
			pyrod.Logger.Warn().Str("serializer", name).Msg("unknown serializer in accept-list, ignoring")
			continue
		}
		r.accepted[codec.ID()] = true
	}
}

func (r *simpleRegistry) AcceptedIDs() []uint16 {
	r.RLock()
	defer r.RUnlock()

	ids := make([]uint16, 0, len(r.accepted))
	for id := range r.accepted {
		ids = append(ids, id)
	}

	return ids
}
