package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	opentracing "github.com/opentracing/opentracing-go"

	"github.com/c4dt-edu/pyrod"
	"github.com/c4dt-edu/pyrod/registry"
	"github.com/c4dt-edu/pyrod/serde"
	"github.com/c4dt-edu/pyrod/stream"
	"github.com/c4dt-edu/pyrod/wire"
)

// tracebackLimitShort and tracebackLimitDetailed bound a serialized
// exception's traceback, short unless
// DetailedTraceback is on (spec.md §6 "DETAILED_TRACEBACK").
const (
	tracebackLimitShort    = 256
	tracebackLimitDetailed = 8192
)

// ExceptionWrapper is the wire shape of a failed call (spec.md §4.8): the
// Go type name of the error, its message, and a (possibly truncated)
// traceback. It is always carried as a map, never a struct, to stay
// within what every codec (including msgpack's WriteIntf) can encode.
type ExceptionWrapper struct {
	Type      string
	Message   string
	Traceback string
}

func (e ExceptionWrapper) wireForm() map[string]interface{} {
	return map[string]interface{}{
		"type":      e.Type,
		"message":   e.Message,
		"traceback": e.Traceback,
	}
}

func newExceptionWrapper(err error, detailed bool) ExceptionWrapper {
	limit := tracebackLimitShort
	if detailed {
		limit = tracebackLimitDetailed
	}
	tb := string(debug.Stack())
	if len(tb) > limit {
		tb = tb[:limit]
	}
	return ExceptionWrapper{Type: fmt.Sprintf("%T", err), Message: err.Error(), Traceback: tb}
}

// Dispatch implements the full request-processing pipeline of spec.md §4.8
// for one INVOKE or PING message on an already-handshaken connection. A
// nil *wire.Message with a nil error means the call was oneway and no
// reply should be sent.
func (d *Daemon) Dispatch(ctx context.Context, connCtx *ConnectionContext, req wire.Message) (*wire.Message, error) {
	if req.Header.MsgType == wire.TypePing {
		msg := wire.NewMessage(wire.TypePing, 0, req.Header.Seq, req.Header.SerializerID, nil, nil)
		return &msg, nil
	}
	if req.Header.MsgType != wire.TypeInvoke {
		return nil, pyrod.NewProtocolError("expected INVOKE, got %s", req.Header.MsgType)
	}

	codec := d.Serializers.GetByID(req.Header.SerializerID)
	if codec == nil {
		return nil, pyrod.NewSecurityError("serializer id %d is not accepted", req.Header.SerializerID)
	}

	call, err := codec.DeserializeCall(req.Payload, req.Header.Flags.Has(wire.FlagCompressed))
	if err != nil {
		return d.buildException(codec, req, pyrod.NewSerializationError("decoding INVOKE payload", err)), nil
	}

	connCtx.CorrelationID = correlationIDFrom(req.Annotations)
	rc := &RequestContext{
		CorrelationID: connCtx.CorrelationID,
		Seq:           req.Header.Seq,
		Annotations:   req.Annotations,
		Flags:         req.Header.Flags,
		SerializerID:  codec.ID(),
		Connection:    connCtx,
	}
	ctx = withRequestContext(ctx, rc)

	span := d.tracer.StartSpan("pyrod.invoke")
	span.SetTag("correlation_id", rc.CorrelationID)
	span.SetTag("object_id", call.ObjectID)
	span.SetTag("method", call.Method)
	defer span.Finish()
	ctx = opentracing.ContextWithSpan(ctx, span)

	if req.Header.Flags.Has(wire.FlagBatch) {
		return d.dispatchBatch(ctx, connCtx, codec, req, call)
	}

	if d.isStreamControl(call.ObjectID) {
		return d.dispatchStreamControl(connCtx, codec, req, call)
	}

	if call.Method == "__getattr__" || call.Method == "__setattr__" {
		return d.dispatchProperty(ctx, connCtx, codec, req, call)
	}

	return d.dispatchCall(ctx, connCtx, codec, req, call)
}

// isStreamControl reports whether objectID is the reserved introspection
// object, the only target on which GetNextStreamItem/CloseStream are
// special-cased straight to the Stream Registry rather than reflected
// (spec.md §4.6; this keeps package daemon from needing to import package
// introspection, which would otherwise be required to reach a registered
// Go method bound to the Stream Registry).
func (d *Daemon) isStreamControl(objectID string) bool {
	return objectID == IntrospectionID
}

func (d *Daemon) dispatchStreamControl(connCtx *ConnectionContext, codec serde.Codec, req wire.Message, call serde.Call) (*wire.Message, error) {
	switch call.Method {
	case "GetNextStreamItem":
		if len(call.Vargs) != 1 {
			return d.buildException(codec, req, pyrod.NewDaemonError("GetNextStreamItem expects one argument")), nil
		}
		streamID, _ := call.Vargs[0].(string)
		item, err := d.Streams.Next(streamID, connCtx)
		if err != nil {
			return d.buildStreamExhausted(codec, req, err), nil
		}
		return d.buildResult(codec, req, item), nil

	case "CloseStream":
		if len(call.Vargs) != 1 {
			return d.buildException(codec, req, pyrod.NewDaemonError("CloseStream expects one argument")), nil
		}
		streamID, _ := call.Vargs[0].(string)
		d.Streams.Close(streamID)
		return d.buildResult(codec, req, nil), nil

	default:
		return d.dispatchCall(context.Background(), connCtx, codec, req, call)
	}
}

// buildStreamExhausted renders a StopIteration/terminated stream as a
// normal exception reply; spec.md §4.6 treats both the same way on the
// wire, there is no separate "stream ended" message type.
func (d *Daemon) buildStreamExhausted(codec serde.Codec, req wire.Message, err error) *wire.Message {
	return d.buildException(codec, req, err)
}

// dispatchBatch runs every sub-call in call.Vargs sequentially and
// collects their outcomes into a single reply list (spec.md §4.8 "batch
// path"). A sub-call that itself requests batching is rejected with a
// ProtocolError (SPEC_FULL.md Open Question: recursive batch is refused,
// not flattened).
func (d *Daemon) dispatchBatch(ctx context.Context, connCtx *ConnectionContext, codec serde.Codec, req wire.Message, call serde.Call) (*wire.Message, error) {
	results := make([]interface{}, 0, len(call.Vargs))

	for _, raw := range call.Vargs {
		item, ok := raw.(map[string]interface{})
		if !ok {
			results = append(results, ExceptionWrapper{Type: "ProtocolError", Message: "malformed batch entry"}.wireForm())
			continue
		}

		sub := serde.Call{
			ObjectID: stringField(item, "object"),
			Method:   stringField(item, "method"),
		}
		if v, ok := item["vargs"].([]interface{}); ok {
			sub.Vargs = v
		}
		if kw, ok := item["kwargs"].(map[string]interface{}); ok {
			sub.Kwargs = kw
		}

		if _, isBatch := item["batch"]; isBatch {
			results = append(results, ExceptionWrapper{
				Type: "ProtocolError", Message: "recursive batch calls are not supported",
			}.wireForm())
			continue
		}

		reply, _ := d.dispatchCall(ctx, connCtx, codec, req, sub)
		results = append(results, decodeReplyForBatch(codec, reply))
	}

	return d.buildResult(codec, req, results)
}

// decodeReplyForBatch re-decodes one sub-call's already-serialized reply
// payload back into a plain value, since the batch result list needs the
// decoded form, not a nested wire frame.
func decodeReplyForBatch(codec serde.Codec, reply *wire.Message) interface{} {
	if reply == nil {
		return nil
	}

	var v interface{}
	if err := codec.DeserializeData(reply.Payload, reply.Header.Flags.Has(wire.FlagCompressed), &v); err != nil {
		return ExceptionWrapper{Type: "SerializationError", Message: err.Error()}.wireForm()
	}

	if reply.Header.Flags.Has(wire.FlagException) {
		return map[string]interface{}{"exception": v}
	}
	return map[string]interface{}{"result": v}
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// dispatchProperty implements the getattr/setattr path (spec.md §4.8
// "property path"): __getattr__(name) / __setattr__(name, value) resolve
// to the Go methods Name() / SetName(value) by convention (expose.AttrSpec
// doc comment).
func (d *Daemon) dispatchProperty(ctx context.Context, connCtx *ConnectionContext, codec serde.Codec, req wire.Message, call serde.Call) (*wire.Message, error) {
	if len(call.Vargs) == 0 {
		return d.buildException(codec, req, pyrod.NewDaemonError("%s expects at least one argument", call.Method)), nil
	}
	name, _ := call.Vargs[0].(string)

	entry, ok := d.Objects.Lookup(call.ObjectID)
	if !ok {
		return d.buildException(codec, req, pyrod.NewDaemonError("unknown object %q", call.ObjectID)), nil
	}
	instance, err := entry.ResolveInstance(connCtx.Sessions)
	if err != nil {
		return d.buildException(codec, req, err), nil
	}

	members, err := d.Reflector.Reflect(instance, true, true)
	if err != nil {
		return d.buildException(codec, req, err), nil
	}

	attr, ok := members.Attrs[name]
	if !ok {
		return d.buildException(codec, req, pyrod.NewDaemonError("object has no exposed attribute %q", name)), nil
	}

	if call.Method == "__getattr__" {
		if !attr.Gettable {
			return d.buildException(codec, req, pyrod.NewDaemonError("attribute %q is not gettable", name)), nil
		}
		result, err := invokeMethod(ctx, instance, name, nil)
		if err != nil {
			return d.buildException(codec, req, err), nil
		}
		return d.buildResult(codec, req, d.autoProxy(result)), nil
	}

	if !attr.Settable {
		return d.buildException(codec, req, pyrod.NewDaemonError("attribute %q is not settable", name)), nil
	}
	if len(call.Vargs) < 2 {
		return d.buildException(codec, req, pyrod.NewDaemonError("__setattr__ expects a value argument")), nil
	}
	_, err = invokeMethod(ctx, instance, "Set"+name, call.Vargs[1:2])
	if err != nil {
		return d.buildException(codec, req, err), nil
	}
	return d.buildResult(codec, req, nil), nil
}

// dispatchCall implements the normal call path (spec.md §4.8): object
// lookup, instance resolution, exposure check, invocation, oneway
// detachment, and iterator-result streaming.
func (d *Daemon) dispatchCall(ctx context.Context, connCtx *ConnectionContext, codec serde.Codec, req wire.Message, call serde.Call) (*wire.Message, error) {
	entry, ok := d.Objects.Lookup(call.ObjectID)
	if !ok {
		return d.buildException(codec, req, pyrod.NewDaemonError("unknown object %q", call.ObjectID)), nil
	}

	instance, err := entry.ResolveInstance(connCtx.Sessions)
	if err != nil {
		return d.buildException(codec, req, err), nil
	}

	members, err := d.Reflector.Reflect(instance, true, true)
	if err != nil {
		return d.buildException(codec, req, err), nil
	}

	if _, exposed := members.Methods[call.Method]; !exposed {
		return d.buildException(codec, req, pyrod.NewDaemonError("object has no exposed method %q", call.Method)), nil
	}

	oneway := req.Header.Flags.Has(wire.FlagOneway) || members.Oneway[call.Method]

	if oneway {
		d.runOneway(ctx, connCtx, instance, call)
		return nil, nil
	}

	result, callErr := invokeMethod(ctx, instance, call.Method, call.Vargs)
	if callErr != nil {
		reply := d.buildException(codec, req, callErr)
		if members.Callback[call.Method] {
			// Callback methods both send the exception to the client and
			// re-raise it out of the dispatcher, so the I/O substrate
			// surfaces it server-side too (spec.md §4.8 "callback-tag
			// re-raise", §7).
			return reply, callErr
		}
		return reply, nil
	}

	if it, ok := result.(stream.Iterator); ok {
		if d.IterStreaming {
			return d.buildStreamReply(codec, req, it, connCtx)
		}
		items := []interface{}{}
		for {
			item, err := it.Next()
			if errors.Is(err, pyrod.ErrStopIteration) {
				break
			}
			if err != nil {
				return d.buildException(codec, req, err), nil
			}
			items = append(items, item)
		}
		result = items
	}

	return d.buildResult(codec, req, d.autoProxy(result)), nil
}

// runOneway invokes call detached from the request/reply cycle: either
// asynchronously in its own best-effort goroutine (OnewayThreaded) or
// inline but without a reply (spec.md §4.8 "oneway detach";
// spec.md §6 "ONEWAY_THREADED"). The method sees a ForDetached snapshot of
// the RequestContext carried by ctx. Either way no result ever reaches the
// caller; an error is only logged.
func (d *Daemon) runOneway(ctx context.Context, connCtx *ConnectionContext, instance interface{}, call serde.Call) {
	rc := RequestContext{Connection: connCtx, CorrelationID: connCtx.CorrelationID}
	if cur, ok := RequestContextFromContext(ctx); ok {
		rc = *cur
	}
	rc = rc.ForDetached()

	run := func() {
		ctx := withRequestContext(context.Background(), &rc)
		if _, err := invokeMethod(ctx, instance, call.Method, call.Vargs); err != nil {
			pyrod.Logger.Warn().Err(err).Str("method", call.Method).Msg("oneway call failed")
		}
	}

	if !d.OnewayThreaded {
		run()
		return
	}

	d.onewayWG.Add(1)
	go func() {
		defer d.onewayWG.Done()
		run()
	}()
}

// buildStreamReply registers it with the Stream Registry and encodes the
// dual encoding spec.md §4.8 step 8 and scenario S5 mandate: a RESULT
// flagged both ItemStreamResult and Exception, carrying a ProtocolError
// exception body ("result of call is an iterator") plus the stream-id in
// the STRM annotation. A spec-unaware client that ignores
// ItemStreamResult still sees a well-formed exception rather than a
// result it cannot make sense of; a client that understands streaming
// reads the stream-id out of STRM and calls GetNextStreamItem with it.
func (d *Daemon) buildStreamReply(codec serde.Codec, req wire.Message, it stream.Iterator, connCtx *ConnectionContext) (*wire.Message, error) {
	streamID, err := d.Streams.Register(it, connCtx)
	if err != nil {
		return d.buildException(codec, req, err), nil
	}

	wrapper := ExceptionWrapper{Type: "ProtocolError", Message: "result of call is an iterator"}
	payload, compressed, err := codec.SerializeData(wrapper.wireForm())
	if err != nil {
		return d.buildException(codec, req, pyrod.NewSerializationError("encoding stream result", err)), nil
	}

	flags := wire.FlagItemStreamResult | wire.FlagException
	if compressed {
		flags |= wire.FlagCompressed
	}

	annotations := replyAnnotations(req)
	annotations[wire.AnnotationStream] = []byte(streamID)

	msg := wire.NewMessage(wire.TypeResult, flags, req.Header.Seq, codec.ID(), annotations, payload)
	return &msg, nil
}

// autoProxy replaces result with its URI when it is itself a registered
// object and AutoProxy is enabled (spec.md §6 "AUTOPROXY"). This is a
// pragmatic simplification of Pyro5's per-type replacement registry
// (spec.md §9): we only ever substitute the single top-level return
// value, not values nested inside it (documented in DESIGN.md).
func (d *Daemon) autoProxy(result interface{}) interface{} {
	if !d.AutoProxy || result == nil {
		return result
	}
	carrier, ok := result.(registry.HasPyroID)
	if !ok {
		return result
	}
	id := carrier.PyroID()
	if id == "" {
		return result
	}
	uri, err := d.Objects.URIFor(id, false)
	if err != nil {
		return result
	}
	return map[string]interface{}{"pyro_uri": uri}
}

func (d *Daemon) buildResult(codec serde.Codec, req wire.Message, v interface{}) *wire.Message {
	payload, compressed, err := codec.SerializeData(v)
	if err != nil {
		return d.buildException(codec, req, pyrod.NewSerializationError("encoding result", err))
	}

	flags := wire.Flags(0)
	if req.Header.Flags.Has(wire.FlagBatch) {
		flags |= wire.FlagBatch
	}
	if compressed {
		flags |= wire.FlagCompressed
	}

	msg := wire.NewMessage(wire.TypeResult, flags, req.Header.Seq, codec.ID(), replyAnnotations(req), payload)
	return &msg
}

// buildException serializes cause as an ExceptionWrapper and marks the
// reply with FlagException (spec.md §4.8). If cause itself cannot be
// serialized, the tie-break fallback message substitutes a bare string so
// the client still receives a well-formed, if less precise, error
// (spec.md §4.8 "double serialization failure").
func (d *Daemon) buildException(codec serde.Codec, req wire.Message, cause error) *wire.Message {
	wrapper := newExceptionWrapper(cause, d.DetailedTraceback)

	payload, compressed, err := codec.SerializeData(wrapper.wireForm())
	if err != nil {
		fallback := fmt.Sprintf("Error serializing exception: %v. Original exception: %T: %v", err, cause, cause)
		payload, compressed, err = codec.SerializeData(map[string]interface{}{
			"type": "SerializationError", "message": fallback, "traceback": "",
		})
		if err != nil {
			// Nothing left to try; emit an empty exception body rather
			// than panicking the connection.
			payload = nil
			compressed = false
		}
	}

	flags := wire.FlagException
	if compressed {
		flags |= wire.FlagCompressed
	}

	msg := wire.NewMessage(wire.TypeResult, flags, req.Header.Seq, codec.ID(), replyAnnotations(req), payload)
	return &msg
}

func replyAnnotations(req wire.Message) map[string][]byte {
	out := make(map[string][]byte, len(req.Annotations))
	for k, v := range req.Annotations {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}
