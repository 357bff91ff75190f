package expose

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type greeter struct{}

func (greeter) PyroSpec() ClassSpec {
	return ClassSpec{
		Methods: []MethodSpec{
			{Name: "Hello", Tag: TagExposed},
			{Name: "Fire", Tag: TagExposed | TagOneway},
			{Name: "internalHelper", Tag: TagExposed},
		},
		Attrs: []AttrSpec{
			{Name: "Count", Tag: TagExposed, Gettable: true},
		},
		Behavior: Behavior{Mode: ModeSingle},
	}
}

func (greeter) Hello(name string) string { return "hi " + name }
func (greeter) Fire()                    {}

type silent struct{}

func (silent) Noop() {}

func TestReflector_PrivateNeverExposed(t *testing.T) {
	r := NewReflector(16)

	_, err := r.Reflect(greeter{}, true, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "private")
}

type greeterClean struct{}

func (greeterClean) PyroSpec() ClassSpec {
	return ClassSpec{
		Methods: []MethodSpec{
			{Name: "Hello", Tag: TagExposed},
			{Name: "Fire", Tag: TagExposed | TagOneway},
			{Name: "Internal", Tag: 0},
		},
		Attrs: []AttrSpec{
			{Name: "Count", Tag: TagExposed, Gettable: true},
		},
	}
}

func TestReflector_OnewaySubsetOfMethods(t *testing.T) {
	r := NewReflector(16)

	members, err := r.Reflect(greeterClean{}, true, true)
	require.NoError(t, err)

	require.Contains(t, members.Methods, "Hello")
	require.Contains(t, members.Methods, "Fire")
	require.NotContains(t, members.Methods, "Internal")

	for name := range members.Oneway {
		require.Contains(t, members.Methods, name)
	}
	require.Contains(t, members.Oneway, "Fire")
	require.NotContains(t, members.Oneway, "Hello")
}

func TestReflector_OnlyExposedFalseIncludesUntagged(t *testing.T) {
	r := NewReflector(16)

	members, err := r.Reflect(greeterClean{}, false, true)
	require.NoError(t, err)

	require.Contains(t, members.Methods, "Internal")
}

func TestReflector_UndeclaredTypeIsFullyPrivate(t *testing.T) {
	r := NewReflector(16)

	members, err := r.Reflect(silent{}, true, true)
	require.NoError(t, err)
	require.Empty(t, members.Methods)
	require.Empty(t, members.Attrs)
}

func TestReflector_CacheIsPure(t *testing.T) {
	r := NewReflector(16)

	a, err := r.Reflect(greeterClean{}, true, true)
	require.NoError(t, err)
	b, err := r.Reflect(greeterClean{}, true, true)
	require.NoError(t, err)
	require.Equal(t, a, b)

	r.Reset(greeterClean{})

	c, err := r.Reflect(greeterClean{}, true, true)
	require.NoError(t, err)
	require.Equal(t, a, c)
}

func TestBehaviorOf_DefaultsToSession(t *testing.T) {
	b := BehaviorOf(silent{})
	require.Equal(t, ModeSession, b.Mode)
	require.Nil(t, b.Creator)
}

func TestBehaviorOf_Declared(t *testing.T) {
	b := BehaviorOf(greeter{})
	require.Equal(t, ModeSingle, b.Mode)
}
