package registry

import (
	"reflect"
	"sync"

	"github.com/c4dt-edu/pyrod"
	"github.com/c4dt-edu/pyrod/expose"
)

// SessionBag holds the per-connection instances created for session-scoped
// classes (spec.md §4.5): one instance per (connection, class), reused for
// the lifetime of the connection and discarded when it closes.
type SessionBag struct {
	mu      sync.Mutex
	byClass map[string]interface{}
}

// NewSessionBag returns an empty bag, created once per connection.
func NewSessionBag() *SessionBag {
	return &SessionBag{byClass: make(map[string]interface{})}
}

// Get returns the instance previously stashed for className, if any.
func (b *SessionBag) Get(className string) (interface{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.byClass[className]
	return v, ok
}

// Set stashes instance under className.
func (b *SessionBag) Set(className string, instance interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byClass[className] = instance
}

func (e *Entry) runCreator() (interface{}, error) {
	if e.Policy.Creator != nil {
		instance, err := e.Policy.Creator()
		if err != nil {
			return nil, pyrod.NewDaemonError("creator for %q failed: %v", e.ClassName, err)
		}
		if expose.ClassName(instance) != e.ClassName {
			return nil, pyrod.NewTypeError(
				"creator for %q returned an instance of %q instead", e.ClassName, expose.ClassName(instance))
		}
		return instance, nil
	}

	// No creator declared: fall back to a zero-value instance of the
	// class's type, the Go equivalent of Pyro5 calling the bare class
	// constructor with no arguments. Pointer-shaped classes get a fresh
	// addressable zero value rather than a nil pointer.
	t := e.Class.Type
	if t.Kind() == reflect.Ptr {
		return reflect.New(t.Elem()).Interface(), nil
	}
	return reflect.New(t).Elem().Interface(), nil
}

// ResolveInstance returns the concrete instance to dispatch a call against
// for this entry, applying the instancing policy (spec.md §4.5):
//
//   - a live-instance entry (Register was called with an object, not a
//     Class) always returns that same instance regardless of policy;
//   - ModeSingle: one instance for the entry's whole lifetime, created
//     lazily on first use and cached on the Entry itself;
//   - ModeSession: one instance per connection, cached in bag;
//   - ModePercall: a fresh instance every call.
//
// bag may be nil, which is only valid when the entry cannot be
// session-scoped (it will error if it is).
func (e *Entry) ResolveInstance(bag *SessionBag) (interface{}, error) {
	if e.Instance != nil {
		return e.Instance, nil
	}

	if e.Class == nil {
		return nil, pyrod.NewDaemonError("entry %q has neither an instance nor a class", e.ID)
	}

	switch e.Policy.Mode {
	case ModeSingle:
		e.singleMu.Lock()
		defer e.singleMu.Unlock()

		if e.singleInstance == nil {
			instance, err := e.runCreator()
			if err != nil {
				return nil, err
			}
			e.singleInstance = instance
		}
		return e.singleInstance, nil

	case ModeSession:
		if bag == nil {
			return nil, pyrod.NewDaemonError("class %q requires session instancing but no connection context was given", e.ClassName)
		}
		if instance, ok := bag.Get(e.ClassName); ok {
			return instance, nil
		}
		instance, err := e.runCreator()
		if err != nil {
			return nil, err
		}
		bag.Set(e.ClassName, instance)
		return instance, nil

	case ModePercall:
		return e.runCreator()

	default:
		return nil, pyrod.NewDaemonError("class %q has an unknown instancing mode", e.ClassName)
	}
}
