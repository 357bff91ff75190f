package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c4dt-edu/pyrod"
)

type sliceIterator struct {
	items []interface{}
	pos   int
}

func (s *sliceIterator) Next() (interface{}, error) {
	if s.pos >= len(s.items) {
		return nil, pyrod.ErrStopIteration
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

type unsafeIterator struct{ sliceIterator }

func (unsafeIterator) SafeToAdvanceRemotely() bool { return false }

func TestRegistry_RegisterRefusesUnsafeIterator(t *testing.T) {
	r := New(0, 0)

	_, err := r.Register(&unsafeIterator{}, "conn1")
	require.Error(t, err)
	require.IsType(t, &pyrod.ProtocolError{}, err)
}

func TestRegistry_NextAdvancesAndExhausts(t *testing.T) {
	r := New(0, 0)

	id, err := r.Register(&sliceIterator{items: []interface{}{1, 2}}, "conn1")
	require.NoError(t, err)

	v, err := r.Next(id, "conn1")
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = r.Next(id, "conn1")
	require.NoError(t, err)
	require.Equal(t, 2, v)

	_, err = r.Next(id, "conn1")
	require.ErrorIs(t, err, pyrod.ErrStopIteration)

	// Entry was dropped on exhaustion.
	_, err = r.Next(id, "conn1")
	require.Error(t, err)
	require.IsType(t, &pyrod.PyroError{}, err)
}

func TestRegistry_NextOnMissingFails(t *testing.T) {
	r := New(0, 0)

	_, err := r.Next("no-such-id", "conn1")
	require.Error(t, err)
	require.IsType(t, &pyrod.PyroError{}, err)
}

func TestRegistry_CloseIsSilentNoOp(t *testing.T) {
	r := New(0, 0)

	r.Close("no-such-id")
	require.Equal(t, 0, r.Len())
}

func TestRegistry_DisconnectDropsWithoutLinger(t *testing.T) {
	r := New(0, 0)

	_, err := r.Register(&sliceIterator{items: []interface{}{1}}, "conn1")
	require.NoError(t, err)

	r.Disconnect("conn1")
	require.Equal(t, 0, r.Len())
}

func TestRegistry_DisconnectLingersThenRebinds(t *testing.T) {
	r := New(0, time.Minute)

	id, err := r.Register(&sliceIterator{items: []interface{}{1, 2}}, "conn1")
	require.NoError(t, err)

	r.Disconnect("conn1")
	require.Equal(t, 1, r.Len())

	v, err := r.Next(id, "conn2")
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestRegistry_SweepDropsExpiredLifetime(t *testing.T) {
	r := New(time.Millisecond, 0)

	_, err := r.Register(&sliceIterator{items: []interface{}{1}}, "conn1")
	require.NoError(t, err)

	r.Sweep(time.Now().Add(time.Hour))
	require.Equal(t, 0, r.Len())
}

func TestRegistry_SweepDropsExpiredLinger(t *testing.T) {
	r := New(0, time.Millisecond)

	_, err := r.Register(&sliceIterator{items: []interface{}{1}}, "conn1")
	require.NoError(t, err)

	r.Disconnect("conn1")
	require.Equal(t, 1, r.Len())

	r.Sweep(time.Now().Add(time.Hour))
	require.Equal(t, 0, r.Len())
}
