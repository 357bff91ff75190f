package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c4dt-edu/pyrod/serde"
	"github.com/c4dt-edu/pyrod/serde/json"
	"github.com/c4dt-edu/pyrod/wire"
)

func invokeMessage(t *testing.T, objectID, method string, vargs []interface{}) wire.Message {
	t.Helper()
	codec := json.New(false)
	payload, _, err := codec.SerializeCall(serde.Call{ObjectID: objectID, Method: method, Vargs: vargs})
	require.NoError(t, err)
	return wire.NewMessage(wire.TypeInvoke, 0, 1, json.ID, nil, payload)
}

func TestDispatch_NormalCallSucceeds(t *testing.T) {
	d, oid := newTestDaemon(t)
	connCtx := NewConnectionContext("test")

	req := invokeMessage(t, oid, "Hello", []interface{}{"world"})

	reply, err := d.Dispatch(context.Background(), connCtx, req)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.False(t, reply.Header.Flags.Has(wire.FlagException))

	var result string
	codec := json.New(false)
	require.NoError(t, codec.DeserializeData(reply.Payload, reply.Header.Flags.Has(wire.FlagCompressed), &result))
	require.Equal(t, "hello world", result)
}

func TestDispatch_UnknownMethodReturnsException(t *testing.T) {
	d, oid := newTestDaemon(t)
	connCtx := NewConnectionContext("test")

	req := invokeMessage(t, oid, "Bogus", nil)

	reply, err := d.Dispatch(context.Background(), connCtx, req)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.True(t, reply.Header.Flags.Has(wire.FlagException))
}

func TestDispatch_UnknownObjectReturnsException(t *testing.T) {
	d, _ := newTestDaemon(t)
	connCtx := NewConnectionContext("test")

	req := invokeMessage(t, "obj_missing", "Hello", []interface{}{"world"})

	reply, err := d.Dispatch(context.Background(), connCtx, req)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.True(t, reply.Header.Flags.Has(wire.FlagException))
}

func TestDispatch_PingRepliesInline(t *testing.T) {
	d, _ := newTestDaemon(t)
	connCtx := NewConnectionContext("test")

	req := wire.NewMessage(wire.TypePing, 0, 7, json.ID, nil, nil)

	reply, err := d.Dispatch(context.Background(), connCtx, req)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, wire.TypePing, reply.Header.MsgType)
	require.Equal(t, uint32(7), reply.Header.Seq)
}

func TestDispatch_BatchRunsEachSubCall(t *testing.T) {
	d, oid := newTestDaemon(t)
	connCtx := NewConnectionContext("test")

	codec := json.New(false)
	batchVargs := []interface{}{
		map[string]interface{}{"object": oid, "method": "Hello", "vargs": []interface{}{"a"}},
		map[string]interface{}{"object": oid, "method": "Hello", "vargs": []interface{}{"b"}},
	}
	payload, _, err := codec.SerializeCall(serde.Call{Method: "__batch__", Vargs: batchVargs})
	require.NoError(t, err)
	req := wire.NewMessage(wire.TypeInvoke, wire.FlagBatch, 1, json.ID, nil, payload)

	reply, err := d.Dispatch(context.Background(), connCtx, req)
	require.NoError(t, err)
	require.NotNil(t, reply)

	var results []interface{}
	require.NoError(t, codec.DeserializeData(reply.Payload, reply.Header.Flags.Has(wire.FlagCompressed), &results))
	require.Len(t, results, 2)
}

// TestDispatch_BatchContinuesPastSubCallFailure covers scenario S4: one
// sub-call targeting an unknown method must not abort the rest of the
// batch, and its own slot carries an exception shape while its siblings
// still carry results.
func TestDispatch_BatchContinuesPastSubCallFailure(t *testing.T) {
	d, oid := newTestDaemon(t)
	connCtx := NewConnectionContext("test")

	codec := json.New(false)
	batchVargs := []interface{}{
		map[string]interface{}{"object": oid, "method": "Hello", "vargs": []interface{}{"a"}},
		map[string]interface{}{"object": oid, "method": "Bogus", "vargs": []interface{}{}},
		map[string]interface{}{"object": oid, "method": "Hello", "vargs": []interface{}{"b"}},
	}
	payload, _, err := codec.SerializeCall(serde.Call{Method: "__batch__", Vargs: batchVargs})
	require.NoError(t, err)
	req := wire.NewMessage(wire.TypeInvoke, wire.FlagBatch, 1, json.ID, nil, payload)

	reply, err := d.Dispatch(context.Background(), connCtx, req)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.False(t, reply.Header.Flags.Has(wire.FlagException))

	var results []map[string]interface{}
	require.NoError(t, codec.DeserializeData(reply.Payload, reply.Header.Flags.Has(wire.FlagCompressed), &results))
	require.Len(t, results, 3)
	require.Contains(t, results[0], "result")
	require.Contains(t, results[1], "exception")
	require.Contains(t, results[2], "result")
}

// TestDispatch_IteratorResultEncodesAsDualStreamException covers scenario
// S5: an iterator-typed return value is never sent back as a plain
// result. It is a RESULT flagged both ItemStreamResult and Exception,
// carrying a ProtocolError exception body and the stream-id in the STRM
// annotation (spec.md §4.8 step 8).
func TestDispatch_IteratorResultEncodesAsDualStreamException(t *testing.T) {
	d, oid := newTestDaemon(t)
	connCtx := NewConnectionContext("test")

	req := invokeMessage(t, oid, "Items", nil)

	reply, err := d.Dispatch(context.Background(), connCtx, req)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.True(t, reply.Header.Flags.Has(wire.FlagItemStreamResult))
	require.True(t, reply.Header.Flags.Has(wire.FlagException))

	streamID, ok := reply.Annotations[wire.AnnotationStream]
	require.True(t, ok)
	require.NotEmpty(t, streamID)

	codec := json.New(false)
	var body map[string]interface{}
	require.NoError(t, codec.DeserializeData(reply.Payload, reply.Header.Flags.Has(wire.FlagCompressed), &body))
	require.Equal(t, "ProtocolError", body["type"])

	// The stream-id in STRM is live: GetNextStreamItem against the
	// reserved introspection object drains the registered iterator.
	nextReq := invokeMessage(t, IntrospectionID, "GetNextStreamItem", []interface{}{string(streamID)})
	nextReply, err := d.Dispatch(context.Background(), connCtx, nextReq)
	require.NoError(t, err)
	require.False(t, nextReply.Header.Flags.Has(wire.FlagException))

	var item string
	require.NoError(t, codec.DeserializeData(nextReply.Payload, nextReply.Header.Flags.Has(wire.FlagCompressed), &item))
	require.Equal(t, "a", item)
}

// TestDispatch_StreamLingersAfterDisconnect covers scenario S6: a stream
// registered by one connection survives that connection's Disconnect
// until the linger window elapses, rather than being dropped immediately.
func TestDispatch_StreamLingersAfterDisconnect(t *testing.T) {
	d, oid := newTestDaemonWithGreeter(t, &greeter{}, WithStreamLimits(0, time.Hour))
	connCtx := NewConnectionContext("test")

	req := invokeMessage(t, oid, "Items", nil)
	reply, err := d.Dispatch(context.Background(), connCtx, req)
	require.NoError(t, err)
	streamID := string(reply.Annotations[wire.AnnotationStream])

	d.Disconnect(connCtx)

	nextReq := invokeMessage(t, IntrospectionID, "GetNextStreamItem", []interface{}{streamID})
	nextReply, err := d.Dispatch(context.Background(), connCtx, nextReq)
	require.NoError(t, err)
	require.False(t, nextReply.Header.Flags.Has(wire.FlagException))
}

// TestDispatch_OnewayRunsDetachedAndSendsNoReply covers scenario S3: a
// oneway-tagged call with OnewayThreaded enabled still runs (observed via
// the onewayCh side channel) even though Dispatch returns no reply at all.
func TestDispatch_OnewayRunsDetachedAndSendsNoReply(t *testing.T) {
	g := &greeter{onewayCh: make(chan string, 1)}
	d, oid := newTestDaemonWithGreeter(t, g, WithOnewayThreaded(true))
	connCtx := NewConnectionContext("test")

	req := invokeMessage(t, oid, "Mark", []interface{}{"ran"})

	reply, err := d.Dispatch(context.Background(), connCtx, req)
	require.NoError(t, err)
	require.Nil(t, reply)

	select {
	case tag := <-g.onewayCh:
		require.Equal(t, "ran", tag)
	case <-time.After(time.Second):
		t.Fatal("oneway call never ran")
	}
}

// TestDispatch_CallbackErrorPropagatesOutOfDispatch covers §4.8's
// callback-tag re-raise: the caller still gets an exception reply, but
// Dispatch's own error return is non-nil too, so Serve can surface it
// server-side as well as sending the reply.
func TestDispatch_CallbackErrorPropagatesOutOfDispatch(t *testing.T) {
	d, oid := newTestDaemon(t)
	connCtx := NewConnectionContext("test")

	req := invokeMessage(t, oid, "Crash", nil)

	reply, err := d.Dispatch(context.Background(), connCtx, req)
	require.Error(t, err)
	require.NotNil(t, reply)
	require.True(t, reply.Header.Flags.Has(wire.FlagException))
}
