package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c4dt-edu/pyrod/expose"
)

type echoer struct {
	id       string
	daemonID string
}

func (e *echoer) PyroID() string { return e.id }
func (e *echoer) SetPyroID(id, daemonID string) {
	e.id = id
	e.daemonID = daemonID
}

func (e *echoer) PyroSpec() expose.ClassSpec {
	return expose.ClassSpec{
		Methods: []expose.MethodSpec{{Name: "Echo", Tag: expose.TagExposed}},
	}
}

func (e *echoer) Echo(s string) string { return s }

func TestRegistry_RegisterURIForRegistered(t *testing.T) {
	r := New("localhost", 9090, "", 0, "daemon1", "introspection")

	uri, err := r.Register(&echoer{}, "", false)
	require.NoError(t, err)
	require.Contains(t, uri, "PYRO:")
	require.Contains(t, uri, "localhost:9090")

	ids := r.Registered()
	require.Len(t, ids, 1)

	_, ok := r.Lookup(ids[0])
	require.True(t, ok)

	sameURI, err := r.URIFor(ids[0], false)
	require.NoError(t, err)
	require.Equal(t, uri, sameURI)
}

func TestRegistry_URIForNAT(t *testing.T) {
	r := New("127.0.0.1", 9090, "203.0.113.5", 9999, "daemon1", "introspection")

	uri, err := r.Register(&echoer{}, "obj_fixed", false)
	require.NoError(t, err)
	require.Contains(t, uri, "127.0.0.1:9090")

	natURI, err := r.URIFor("obj_fixed", true)
	require.NoError(t, err)
	require.Contains(t, natURI, "203.0.113.5:9999")
}

func TestRegistry_RegisterUnregisterRoundTrip(t *testing.T) {
	r := New("localhost", 9090, "", 0, "daemon1", "introspection")

	obj := &echoer{}
	_, err := r.Register(obj, "obj_x", false)
	require.NoError(t, err)
	require.Equal(t, "obj_x", obj.PyroID())

	require.NoError(t, r.Unregister(obj))
	require.Empty(t, r.Registered())
	require.Empty(t, obj.PyroID())

	_, ok := r.Lookup("obj_x")
	require.False(t, ok)
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := New("localhost", 9090, "", 0, "daemon1", "introspection")

	require.NoError(t, r.Unregister("does-not-exist"))
	require.NoError(t, r.Unregister("does-not-exist"))
}

func TestRegistry_UnregisterIgnoresIntrospection(t *testing.T) {
	r := New("localhost", 9090, "", 0, "daemon1", "introspection")

	_, err := r.Register(&echoer{}, "introspection", false)
	require.NoError(t, err)

	require.NoError(t, r.Unregister("introspection"))

	_, ok := r.Lookup("introspection")
	require.True(t, ok)
}

func TestRegistry_DuplicateRegistrationRejected(t *testing.T) {
	r := New("localhost", 9090, "", 0, "daemon1", "introspection")

	_, err := r.Register(&echoer{}, "obj_dup", false)
	require.NoError(t, err)

	_, err = r.Register(&echoer{}, "obj_dup", false)
	require.Error(t, err)

	_, err = r.Register(&echoer{}, "obj_dup", true)
	require.NoError(t, err)
}

type counter struct {
	id    string
	count int
}

func (c *counter) PyroID() string              { return c.id }
func (c *counter) SetPyroID(id, daemonID string) { c.id = id }

func (c *counter) PyroSpec() expose.ClassSpec {
	return expose.ClassSpec{
		Methods:  []expose.MethodSpec{{Name: "Bump", Tag: expose.TagExposed}},
		Behavior: expose.Behavior{Mode: expose.ModeSingle},
	}
}

func (c *counter) Bump() int { c.count++; return c.count }

func TestEntry_SingleInstancingIsSharedAcrossSessions(t *testing.T) {
	class := NewClass(&counter{})
	entry := &Entry{Class: &class, Policy: expose.BehaviorOf(&counter{}), ClassName: expose.ClassName(&counter{})}

	a, err := entry.ResolveInstance(NewSessionBag())
	require.NoError(t, err)

	b, err := entry.ResolveInstance(NewSessionBag())
	require.NoError(t, err)

	require.Same(t, a, b)
}

type sessionThing struct{}

func (sessionThing) PyroSpec() expose.ClassSpec {
	return expose.ClassSpec{Behavior: expose.Behavior{Mode: expose.ModeSession}}
}

func TestEntry_SessionInstancingPerBag(t *testing.T) {
	class := NewClass(sessionThing{})
	entry := &Entry{Class: &class, Policy: expose.BehaviorOf(sessionThing{}), ClassName: expose.ClassName(sessionThing{})}

	bagA := NewSessionBag()
	bagB := NewSessionBag()

	a1, err := entry.ResolveInstance(bagA)
	require.NoError(t, err)
	a2, err := entry.ResolveInstance(bagA)
	require.NoError(t, err)
	require.Equal(t, a1, a2)

	b1, err := entry.ResolveInstance(bagB)
	require.NoError(t, err)
	require.NotNil(t, b1)
}

func TestEntry_PercallInstancingRequiresNoBag(t *testing.T) {
	class := NewClass(&counter{})
	behavior := expose.BehaviorOf(&counter{})
	behavior.Mode = expose.ModePercall
	entry := &Entry{Class: &class, Policy: behavior, ClassName: expose.ClassName(&counter{})}

	a, err := entry.ResolveInstance(nil)
	require.NoError(t, err)
	b, err := entry.ResolveInstance(nil)
	require.NoError(t, err)

	require.NotSame(t, a, b)
}

func TestEntry_CreatorTypeMismatchIsTypeError(t *testing.T) {
	mismatchClass := NewClass(&counter{})
	behavior := expose.Behavior{
		Mode: expose.ModePercall,
		Creator: func() (interface{}, error) {
			return &echoer{}, nil
		},
	}
	entry := &Entry{Class: &mismatchClass, Policy: behavior, ClassName: expose.ClassName(&counter{})}

	_, err := entry.ResolveInstance(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "type error")
}
