package daemon

import (
	"github.com/c4dt-edu/pyrod"
	"github.com/c4dt-edu/pyrod/expose"
	"github.com/c4dt-edu/pyrod/registry"
	"github.com/c4dt-edu/pyrod/serde"
	"github.com/c4dt-edu/pyrod/wire"
)

// Connection is the minimal transport surface Serve needs: framed
// message send/receive plus a peer description for logging. Package
// transport/tcp and package transport/poll each provide an
// implementation over net.Conn.
type Connection interface {
	Recv() (wire.Message, error)
	Send(msg wire.Message) error
	Peer() string
}

// handshakeRequest is the decoded shape of a CONNECT payload: the
// client-declared metadata request and anything the user ValidateHandshake
// hook wants to inspect. Pyro5 sends an arbitrary handshake object here;
// we narrow it to the shapes every codec can round-trip (spec.md §9
// "msgpack payload constraint").
type handshakeRequest struct {
	raw      interface{}
	objectID string
}

func decodeHandshakeRequest(payload map[string]interface{}) handshakeRequest {
	req := handshakeRequest{raw: payload}
	if payload == nil {
		return req
	}
	if id, ok := payload["object_id"].(string); ok {
		req.objectID = id
	}
	return req
}

// Handshake performs the CONNECT/CONNECTOK-or-CONNECTFAIL exchange that
// opens a connection (spec.md §4.7). On success it returns the fresh
// ConnectionContext for the rest of the connection's lifetime. When the
// CONNECT is refused (unaccepted serializer, undecodable payload, validator
// or metadata failure) it has already sent CONNECTFAIL; a read error or a
// first message that is not CONNECT returns without any reply. On any
// error the caller should close the socket.
func (d *Daemon) Handshake(conn Connection) (*ConnectionContext, error) {
	connCtx := NewConnectionContext(conn.Peer())

	msg, err := conn.Recv()
	if err != nil {
		return nil, err
	}
	if msg.Header.MsgType != wire.TypeConnect {
		return nil, pyrod.NewProtocolError("expected CONNECT, got %s", msg.Header.MsgType)
	}

	connCtx.CorrelationID = correlationIDFrom(msg.Annotations)

	codec := d.Serializers.GetByID(msg.Header.SerializerID)
	if codec == nil {
		d.sendConnectFail(conn, connCtx, msg.Header.Seq, msg.Header.SerializerID,
			pyrod.NewSecurityError("serializer id %d is not accepted", msg.Header.SerializerID))
		return nil, pyrod.NewSecurityError("serializer id %d is not accepted", msg.Header.SerializerID)
	}

	var decoded interface{}
	if len(msg.Payload) > 0 {
		if err := codec.DeserializeData(msg.Payload, msg.Header.Flags.Has(wire.FlagCompressed), &decoded); err != nil {
			d.sendConnectFail(conn, connCtx, msg.Header.Seq, codec.ID(), pyrod.NewSerializationError("decoding CONNECT payload", err))
			return nil, err
		}
	}

	payloadMap, _ := decoded.(map[string]interface{})
	req := decodeHandshakeRequest(payloadMap)

	response, err := d.ValidateHandshake(connCtx, req.raw)
	if err != nil {
		d.sendConnectFail(conn, connCtx, msg.Header.Seq, codec.ID(), err)
		return nil, err
	}

	reply := map[string]interface{}{
		"handshake": response,
	}

	if req.objectID != "" {
		if entry, ok := d.Objects.Lookup(req.objectID); ok {
			members, merr := d.reflectEntry(entry, connCtx)
			if merr != nil {
				d.sendConnectFail(conn, connCtx, msg.Header.Seq, codec.ID(), merr)
				return nil, merr
			}
			reply["meta"] = metaFor(members)
		}
	}

	if err := d.sendConnectOK(conn, connCtx, msg.Header.Seq, codec, reply); err != nil {
		return nil, err
	}

	return connCtx, nil
}

// reflectEntry resolves entry's dispatch instance and reflects its
// exposed members, the shared step between Handshake's "meta" reply and
// introspection's GetMetadata.
func (d *Daemon) reflectEntry(entry *registry.Entry, connCtx *ConnectionContext) (expose.Members, error) {
	instance, err := entry.ResolveInstance(connCtx.Sessions)
	if err != nil {
		return expose.Members{}, err
	}
	return d.Reflector.Reflect(instance, true, true)
}

func metaFor(members expose.Members) map[string]interface{} {
	return map[string]interface{}{
		"methods": members.MethodList(),
		"oneway":  members.OnewayList(),
		"attrs":   members.AttrList(),
	}
}

// sendConnectOK and sendConnectFail both carry seq, the CONNECT message's
// own sequence number, forward unchanged (spec.md §4.7: "Either reply
// carries the same sequence number as the CONNECT").
func (d *Daemon) sendConnectOK(conn Connection, connCtx *ConnectionContext, seq uint32, codec serde.Codec, reply map[string]interface{}) error {
	payload, compressed, err := codec.SerializeData(reply)
	if err != nil {
		return pyrod.NewSerializationError("encoding CONNECTOK payload", err)
	}

	flags := wire.Flags(0)
	if compressed {
		flags |= wire.FlagCompressed
	}

	annotations := map[string][]byte{wire.AnnotationCorrelation: correlationIDBytes(connCtx.CorrelationID)}
	msg := wire.NewMessage(wire.TypeConnectOK, flags, seq, codec.ID(), annotations, payload)
	return conn.Send(msg)
}

func (d *Daemon) sendConnectFail(conn Connection, connCtx *ConnectionContext, seq uint32, serializerID uint16, cause error) {
	codec := d.Serializers.GetByID(serializerID)
	if codec == nil {
		codec = d.Serializers.Get("json")
	}
	if codec == nil {
		pyrod.Logger.Error().Err(cause).Msg("no serializer available to encode CONNECTFAIL")
		return
	}

	reply := map[string]interface{}{"error": cause.Error()}
	payload, compressed, err := codec.SerializeData(reply)
	if err != nil {
		pyrod.Logger.Error().Err(err).Msg("failed to encode CONNECTFAIL payload")
		return
	}

	flags := wire.Flags(0)
	if compressed {
		flags |= wire.FlagCompressed
	}

	annotations := map[string][]byte{wire.AnnotationCorrelation: correlationIDBytes(connCtx.CorrelationID)}
	msg := wire.NewMessage(wire.TypeConnectFail, flags, seq, codec.ID(), annotations, payload)
	if err := conn.Send(msg); err != nil {
		pyrod.Logger.Error().Err(err).Msg("failed to send CONNECTFAIL")
	}
}
