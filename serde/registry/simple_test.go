package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	jsonserde "github.com/c4dt-edu/pyrod/serde/json"
	"github.com/c4dt-edu/pyrod/serde/msgpack"
)

func TestSimpleRegistry_Register(t *testing.T) {
	reg := NewSimpleRegistry()

	reg.Register(jsonserde.New(false))
	require.NotNil(t, reg.Get(jsonserde.Name))

	// Registering the same name again just replaces the entry.
	reg.Register(jsonserde.New(false))
	require.NotNil(t, reg.Get(jsonserde.Name))

	reg.Register(msgpack.New(false))
	require.NotNil(t, reg.Get(msgpack.Name))
}

func TestSimpleRegistry_Get(t *testing.T) {
	reg := NewSimpleRegistry()
	reg.Register(jsonserde.New(false))

	require.NotNil(t, reg.Get(jsonserde.Name))
	require.Nil(t, reg.Get("unknown"))
}

func TestSimpleRegistry_AcceptList(t *testing.T) {
	reg := NewSimpleRegistry()
	reg.Register(jsonserde.New(false))
	reg.Register(msgpack.New(false))

	// Nothing is accepted until SetAccepted is called.
	require.Nil(t, reg.GetByID(jsonserde.ID))
	require.False(t, reg.Accepts(jsonserde.ID))

	reg.SetAccepted(jsonserde.Name)

	require.NotNil(t, reg.GetByID(jsonserde.ID))
	require.True(t, reg.Accepts(jsonserde.ID))
	require.Nil(t, reg.GetByID(msgpack.ID))
	require.False(t, reg.Accepts(msgpack.ID))

	// Unknown names in the accept-list are ignored, not fatal.
	reg.SetAccepted(jsonserde.Name, "bogus")
	require.ElementsMatch(t, []uint16{jsonserde.ID}, reg.AcceptedIDs())
}
