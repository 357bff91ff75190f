package daemon

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c4dt-edu/pyrod"
	"github.com/c4dt-edu/pyrod/expose"
	"github.com/c4dt-edu/pyrod/serde/json"
	"github.com/c4dt-edu/pyrod/wire"
)

// fakeConn is an in-memory Connection: messages queued on in are handed
// out by Recv in order, and every Send appends to out. It lets daemon
// tests drive the connection state machine without a real socket, the
// same "fake" pattern the registry and stream packages' tests use for
// their own collaborators.
type fakeConn struct {
	peer string
	in   []wire.Message
	out  []wire.Message
}

func (c *fakeConn) Recv() (wire.Message, error) {
	if len(c.in) == 0 {
		return wire.Message{}, errEOF
	}
	msg := c.in[0]
	c.in = c.in[1:]
	return msg, nil
}

func (c *fakeConn) Send(msg wire.Message) error {
	c.out = append(c.out, msg)
	return nil
}

func (c *fakeConn) Peer() string { return c.peer }

var errEOF = &fakeEOFError{}

type fakeEOFError struct{}

func (*fakeEOFError) Error() string { return "fake connection exhausted" }

// greeter is the sample exposed type tests dispatch calls against.
type greeter struct {
	id string

	onewayCh chan string
}

func (g *greeter) PyroSpec() expose.ClassSpec {
	return expose.ClassSpec{
		Methods: []expose.MethodSpec{
			{Name: "Hello", Tag: expose.TagExposed},
			{Name: "Items", Tag: expose.TagExposed},
			{Name: "Crash", Tag: expose.TagExposed | expose.TagCallback},
			{Name: "Mark", Tag: expose.TagExposed | expose.TagOneway},
		},
		Behavior: expose.Behavior{Mode: expose.ModeSingle},
	}
}

func (g *greeter) Hello(name string) (string, error) {
	return "hello " + name, nil
}

// Items returns a small iterator result, exercising the streaming reply
// path (spec.md §4.8 step 8, scenario S5).
func (g *greeter) Items() *listIterator {
	return &listIterator{items: []interface{}{"a", "b"}}
}

// Crash always fails; its Crash tag is TagCallback so its exception must
// both reach the client and re-raise out of Dispatch (spec.md §4.8
// "callback-tag re-raise").
func (g *greeter) Crash() (string, error) {
	return "", pyrod.NewDaemonError("crash")
}

// Mark is oneway; it reports its own execution on onewayCh so a test can
// observe it ran without a reply ever being sent (spec.md §4.8 "oneway
// detach", scenario S3).
func (g *greeter) Mark(tag string) {
	if g.onewayCh != nil {
		g.onewayCh <- tag
	}
}

func (g *greeter) PyroID() string                       { return g.id }
func (g *greeter) SetPyroID(id string, daemonID string) { g.id = id }

// listIterator is the stream.Iterator fixture backing greeter.Items.
type listIterator struct {
	items []interface{}
	pos   int
}

func (it *listIterator) Next() (interface{}, error) {
	if it.pos >= len(it.items) {
		return nil, pyrod.ErrStopIteration
	}
	item := it.items[it.pos]
	it.pos++
	return item, nil
}

func newTestDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	return newTestDaemonWithGreeter(t, &greeter{})
}

func newTestDaemonWithGreeter(t *testing.T, g *greeter, opts ...Option) (*Daemon, string) {
	t.Helper()

	d := New("127.0.0.1", 4444, "", 0, opts...)
	d.Serializers.Register(json.New(false))
	d.Serializers.SetAccepted(json.Name)

	oid, err := d.Register(g, "", false)
	require.NoError(t, err)

	return d, oid
}

func connectMessage(t *testing.T) wire.Message {
	t.Helper()
	codec := json.New(false)
	payload, _, err := codec.SerializeData(map[string]interface{}{})
	require.NoError(t, err)
	return wire.NewMessage(wire.TypeConnect, 0, 0, json.ID, nil, payload)
}

func TestHandshake_Succeeds(t *testing.T) {
	d, _ := newTestDaemon(t)

	conn := &fakeConn{peer: "test", in: []wire.Message{connectMessage(t)}}

	connCtx, err := d.Handshake(conn)
	require.NoError(t, err)
	require.NotNil(t, connCtx)
	require.Len(t, conn.out, 1)
	require.Equal(t, wire.TypeConnectOK, conn.out[0].Header.MsgType)
}

func TestHandshake_UnknownSerializerFails(t *testing.T) {
	d, _ := newTestDaemon(t)

	msg := wire.NewMessage(wire.TypeConnect, 0, 0, 99, nil, nil)
	conn := &fakeConn{peer: "test", in: []wire.Message{msg}}

	_, err := d.Handshake(conn)
	require.Error(t, err)
	require.Len(t, conn.out, 1)
	require.Equal(t, wire.TypeConnectFail, conn.out[0].Header.MsgType)
}
