// Package registry implements the Object Registry (spec.md §4.4): the map
// from object-id to a registered instance or class, URI construction, and
// NAT rewrite.
//
// Documentation Last Review: 2026-07-31
package registry

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/c4dt-edu/pyrod"
	"github.com/c4dt-edu/pyrod/expose"
)

// Class wraps a Go type for class-based (lazily instanced) registration —
// the stand-in for "registering a class" rather than an instance, since a
// bare reflect.Type carries no declarative metadata of its own. Prototype
// is a zero value of Type, consulted only for its Described implementation
// (instancing policy, exposed members).
type Class struct {
	Type      reflect.Type
	Prototype interface{}
}

// NewClass builds a Class descriptor from a zero-value prototype of the
// type to register, e.g. registry.NewClass(Greeter{}).
func NewClass(prototype interface{}) Class {
	return Class{Type: reflect.TypeOf(prototype), Prototype: prototype}
}

// HasPyroID is implemented by targets that can report the object-id they
// were last registered under.
type HasPyroID interface {
	PyroID() string
}

// IDCarrier is implemented by targets willing to have their object-id and
// owning daemon-id stamped onto them at registration time, the Go
// equivalent of Pyro5 stamping `_pyroId`/`_pyroDaemon` onto a registered
// object (spec.md §9).
type IDCarrier interface {
	HasPyroID
	SetPyroID(id string, daemonID string)
}

// Entry is one registration: either a live instance, used for every call,
// or a class, from which instances are materialized per its instancing
// policy (spec.md §3 "Registration entry").
type Entry struct {
	ID        string
	Instance  interface{}
	Class     *Class
	Policy    expose.Behavior
	ClassName string

	singleMu       sync.Mutex
	singleInstance interface{}
}

// Registry is the Object Registry: object-id -> Entry, plus the
// information needed to render URIs.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	host     string
	port     int
	natHost  string
	natPort  int
	daemonID string

	// introspectionID is never affected by Unregister (spec.md §3
	// invariants: "the daemon's own introspection object ... never
	// unregisterable").
	introspectionID string
}

// New returns an empty Registry bound to host:port, optionally with a NAT
// location, and carrying the reserved introspection object id.
func New(host string, port int, natHost string, natPort int, daemonID, introspectionID string) *Registry {
	return &Registry{
		entries:         make(map[string]*Entry),
		host:            host,
		port:            port,
		natHost:         natHost,
		natPort:         natPort,
		daemonID:        daemonID,
		introspectionID: introspectionID,
	}
}

func generateObjectID() string {
	return "obj_" + strings.ReplaceAll(uuid.NewV4().String(), "-", "")
}

// Register adds target under objectID (generating one if empty). target is
// either a live instance or a Class. force allows overwriting an existing
// id or an instance that already carries one (spec.md §4.4).
func (r *Registry) Register(target interface{}, objectID string, force bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entry *Entry

	if class, ok := target.(Class); ok {
		entry = &Entry{
			Class:     &class,
			Policy:    expose.BehaviorOf(class.Prototype),
			ClassName: expose.ClassName(class.Prototype),
		}
	} else {
		if carrier, ok := target.(HasPyroID); ok && !force {
			if existing := carrier.PyroID(); existing != "" {
				return "", pyrod.NewDaemonError("object is already registered as %q", existing)
			}
		}
		entry = &Entry{Instance: target, ClassName: expose.ClassName(target)}
	}

	id := objectID
	if id == "" {
		id = generateObjectID()
	}

	if _, exists := r.entries[id]; exists && !force {
		return "", pyrod.NewDaemonError("an object is already registered as %q", id)
	}

	entry.ID = id
	r.entries[id] = entry

	if entry.Instance != nil {
		if carrier, ok := entry.Instance.(IDCarrier); ok {
			carrier.SetPyroID(id, r.daemonID)
		}
	}

	return r.uriForHostPort(id, r.host, r.port), nil
}

// resolveID accepts either a string object-id or a HasPyroID target.
func (r *Registry) resolveID(v interface{}) (string, bool) {
	if id, ok := v.(string); ok {
		return id, true
	}
	if carrier, ok := v.(HasPyroID); ok {
		id := carrier.PyroID()
		return id, id != ""
	}
	return "", false
}

// Unregister removes the entry for target-or-id. The introspection id is
// silently ignored. A target, or id, that resolves to nothing is a no-op,
// making repeated calls idempotent (spec.md §8 invariant 10).
func (r *Registry) Unregister(targetOrID interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.resolveID(targetOrID)
	if !ok {
		return nil
	}

	if id == r.introspectionID {
		return nil
	}

	entry, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)

	if entry.Instance != nil {
		if carrier, ok := entry.Instance.(IDCarrier); ok {
			carrier.SetPyroID("", "")
		}
	}

	return nil
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return e, ok
}

// Registered returns every currently registered object-id.
func (r *Registry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}

	return ids
}

func (r *Registry) uriForHostPort(id, host string, port int) string {
	return fmt.Sprintf("PYRO:%s@%s:%d", id, host, port)
}

// URIFor renders the URI for target-or-id. nat is honored only when true
// and a NAT location is configured (spec.md §4.4).
func (r *Registry) URIFor(targetOrID interface{}, nat bool) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.resolveID(targetOrID)
	if !ok {
		return "", pyrod.NewDaemonError("object is not registered")
	}

	if _, exists := r.entries[id]; !exists {
		return "", pyrod.NewDaemonError("unknown object")
	}

	host, port := r.host, r.port
	if nat && r.natHost != "" {
		host, port = r.natHost, r.natPort
	}

	return r.uriForHostPort(id, host, port), nil
}
