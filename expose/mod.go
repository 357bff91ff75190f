// Package expose implements the Exposed-Member Reflector (spec.md §4.3): for
// a registered Go type, it computes the set of remotely callable methods,
// the subset of those that are oneway, and the set of exposed attribute
// names, then caches the result.
//
// Pyro5 marks exposure with `@expose`/`@oneway`/`@behavior` decorators
// applied at class-declaration time. Go has no decorators and no
// introspectable method tags, so the marker tables the decorators would
// have produced are instead declared explicitly by the registered type
// itself, the "descriptor table" adaptation named in spec.md §9: a type
// that wants anything exposed implements Described and returns a ClassSpec
// once; everything else defaults to fully private, matching rule 5 ("bare
// class data is never exposed").
//
// Documentation Last Review: 2026-07-31
package expose

import (
	"reflect"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/c4dt-edu/pyrod"
)

// Tag marks properties of a method or attribute.
type Tag uint8

// Tag bits.
const (
	TagExposed Tag = 1 << iota
	TagOneway
	TagCallback
)

func (t Tag) has(bit Tag) bool { return t&bit != 0 }

// MethodSpec declares one method's exposure.
type MethodSpec struct {
	Name string
	Tag  Tag
}

// AttrSpec declares one property's exposure. A property is the only
// attribute channel (spec.md §4.3 rule 5): at least one of Gettable or
// Settable must be true for it to mean anything, and Tag must carry
// TagExposed for it to ever appear in a reflected set.
//
// The dispatcher resolves a property's getter/setter by name convention
// rather than a bound function reference: Name is the getter method
// (called with zero arguments), and "Set"+Name is the setter (called with
// the one new value). A property with Settable but no matching "Set"+Name
// method fails at call time with a DaemonError, not at reflection time.
type AttrSpec struct {
	Name     string
	Tag      Tag
	Gettable bool
	Settable bool
}

// Mode is the instancing policy of a registered class (spec.md §4.5).
type Mode uint8

// Instancing modes.
const (
	ModeSession Mode = iota
	ModeSingle
	ModePercall
)

// Creator builds a fresh instance of a registered class.
type Creator func() (interface{}, error)

// Behavior is the instancing policy attached to a class, the equivalent of
// Pyro5's @behavior(mode, creator) decorator.
type Behavior struct {
	Mode    Mode
	Creator Creator
}

// ClassSpec is the full descriptor table for one registered type: its
// methods, its properties, and its instancing policy.
type ClassSpec struct {
	Methods  []MethodSpec
	Attrs    []AttrSpec
	Behavior Behavior
}

// Described is implemented by any registered instance or class that wants
// to declare what is remotely reachable on it. A type that does not
// implement Described is treated as though it declared nothing: every
// method and attribute is private, per spec.md §4.3 rule 5.
type Described interface {
	PyroSpec() ClassSpec
}

// magicDenyList holds method/attribute names that are always private, the
// Go analogue of Python's true "__x__" dunder names (spec.md §3 invariants).
var magicDenyList = map[string]bool{
	"String":        true,
	"GoString":      true,
	"Error":         true,
	"Unwrap":        true,
	"MarshalJSON":   true,
	"UnmarshalJSON": true,
	"PyroSpec":      true,
}

func isPrivate(name string) bool {
	if name == "" {
		return true
	}
	if strings.HasPrefix(name, "_") {
		return true
	}
	if magicDenyList[name] {
		return true
	}
	return !('A' <= name[0] && name[0] <= 'Z')
}

// Members is the reflected, cacheable result for one class: the three sets
// from spec.md §3 ("exposed-member set"), kept both as sets (for O(1)
// dispatch lookups) and as lists (for the wire metadata format).
type Members struct {
	Methods  map[string]MethodSpec
	Oneway   map[string]bool
	Callback map[string]bool
	Attrs    map[string]AttrSpec
}

// MethodList returns the exposed method names, sorted is not guaranteed.
func (m Members) MethodList() []string {
	out := make([]string, 0, len(m.Methods))
	for name := range m.Methods {
		out = append(out, name)
	}
	return out
}

// OnewayList returns the oneway method names.
func (m Members) OnewayList() []string {
	out := make([]string, 0, len(m.Oneway))
	for name := range m.Oneway {
		out = append(out, name)
	}
	return out
}

// AttrList returns the exposed attribute names.
func (m Members) AttrList() []string {
	out := make([]string, 0, len(m.Attrs))
	for name := range m.Attrs {
		out = append(out, name)
	}
	return out
}

type cacheKey struct {
	typeName    string
	onlyExposed bool
	asLists     bool
}

// Reflector computes and caches Members per class, per spec.md §4.3 rule 6.
type Reflector struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewReflector returns a Reflector whose cache holds up to cacheSize
// distinct (class, only_exposed, as_lists) entries before evicting the
// least recently used one (bounded per SPEC_FULL.md's 4.3 concretization).
func NewReflector(cacheSize int) *Reflector {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which we just
		// guarded against.
		panic(err)
	}
	return &Reflector{cache: c}
}

// classOf returns a stable identity string for v's type, unwrapping a
// single pointer indirection so *Greeter and Greeter share one identity.
func classOf(v interface{}) (reflect.Type, string) {
	t := reflect.TypeOf(v)
	named := t
	if named.Kind() == reflect.Ptr {
		named = named.Elem()
	}
	return t, named.PkgPath() + "." + named.Name()
}

// ClassName returns the stable identity string used for v's type. The
// registry package keys session instancing by this string.
func ClassName(v interface{}) string {
	_, name := classOf(v)
	return name
}

// Reflect computes (or returns from cache) the exposed-member set of v.
// onlyExposed mirrors Pyro5's "only_exposed" flag: when false, every
// method/attribute the class declares is included regardless of its
// TagExposed bit; private names are never included either way (rule 1).
func (r *Reflector) Reflect(v interface{}, onlyExposed, asLists bool) (Members, error) {
	_, className := classOf(v)
	key := cacheKey{typeName: className, onlyExposed: onlyExposed, asLists: asLists}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache.Get(key); ok {
		return cached.(Members), nil
	}

	members, err := r.compute(v, onlyExposed)
	if err != nil {
		return Members{}, err
	}

	r.cache.Add(key, members)

	if len(members.Methods) == 0 && len(members.Attrs) == 0 {
		pyrod.Logger.Warn().Str("class", className).
			Msg("class exposes no methods or attributes, did you forget to implement Described (the @expose equivalent)?")
	}

	return members, nil
}

func (r *Reflector) compute(v interface{}, onlyExposed bool) (Members, error) {
	methods := map[string]MethodSpec{}
	oneway := map[string]bool{}
	callback := map[string]bool{}
	attrs := map[string]AttrSpec{}

	described, ok := v.(Described)
	if !ok {
		// No declarative metadata at all: nothing is reachable (rule 5).
		return Members{Methods: methods, Oneway: oneway, Callback: callback, Attrs: attrs}, nil
	}

	spec := described.PyroSpec()

	for _, m := range spec.Methods {
		if isPrivate(m.Name) {
			return Members{}, pyrod.NewDaemonError("method %q is private and cannot be exposed", m.Name)
		}
		if !m.Tag.has(TagExposed) && onlyExposed {
			continue
		}
		methods[m.Name] = m
		if m.Tag.has(TagOneway) {
			oneway[m.Name] = true
		}
		if m.Tag.has(TagCallback) {
			callback[m.Name] = true
		}
	}

	for _, a := range spec.Attrs {
		if isPrivate(a.Name) {
			return Members{}, pyrod.NewDaemonError("attribute %q is private and cannot be exposed", a.Name)
		}
		// Rule 3: a property is exposed iff its getter, setter, or deleter
		// carries the exposed tag; there is no "only_exposed=false" escape
		// hatch for attributes as there is for methods (bare class data is
		// never exposed per rule 5, only explicit properties are).
		if !a.Tag.has(TagExposed) {
			continue
		}
		attrs[a.Name] = a
	}

	return Members{Methods: methods, Oneway: oneway, Callback: callback, Attrs: attrs}, nil
}

// Reset invalidates all four cache shapes ((only_exposed, as_lists) in
// {true,false}x{true,false}) for v's class (spec.md §4.3 rule 6,
// resetMetadataCache).
func (r *Reflector) Reset(v interface{}) {
	_, className := classOf(v)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, onlyExposed := range []bool{true, false} {
		for _, asLists := range []bool{true, false} {
			r.cache.Remove(cacheKey{typeName: className, onlyExposed: onlyExposed, asLists: asLists})
		}
	}
}

// BehaviorOf returns the instancing policy declared by v, or the default
// (session, nil creator) from spec.md §3 invariants if v does not
// implement Described.
func BehaviorOf(v interface{}) Behavior {
	described, ok := v.(Described)
	if !ok {
		return Behavior{Mode: ModeSession}
	}

	return described.PyroSpec().Behavior
}
