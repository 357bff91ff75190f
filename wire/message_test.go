package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c4dt-edu/pyrod"
)

func TestMessage_RoundTrip(t *testing.T) {
	msg := NewMessage(TypeInvoke, FlagBatch, 42, 1,
		map[string][]byte{AnnotationCorrelation: []byte("0123456789abcdef")},
		[]byte("hello world"))

	buf := bytes.NewBuffer(nil)
	require.NoError(t, WriteMessage(buf, msg))

	got, err := ReadMessage(buf, 0)
	require.NoError(t, err)

	require.Equal(t, TypeInvoke, got.Header.MsgType)
	require.Equal(t, FlagBatch, got.Header.Flags)
	require.Equal(t, uint32(42), got.Header.Seq)
	require.Equal(t, uint16(1), got.Header.SerializerID)
	require.Equal(t, []byte("hello world"), got.Payload)
	require.Equal(t, []byte("0123456789abcdef"), got.Annotations[AnnotationCorrelation])
}

func TestMessage_PingHasNoAnnotations(t *testing.T) {
	msg := NewMessage(TypePing, 0, 7, 0, nil, []byte("pong"))

	buf := bytes.NewBuffer(nil)
	require.NoError(t, WriteMessage(buf, msg))

	got, err := ReadMessage(buf, 0)
	require.NoError(t, err)
	require.Empty(t, got.Annotations)
	require.Equal(t, []byte("pong"), got.Payload)
}

func TestMessage_ChecksumMismatchIsProtocolError(t *testing.T) {
	msg := NewMessage(TypeResult, 0, 1, 1, nil, []byte("payload"))

	buf := bytes.NewBuffer(nil)
	require.NoError(t, WriteMessage(buf, msg))

	raw := buf.Bytes()
	// Flip a byte inside the payload region, well after the header and
	// any annotation block, without touching the checksum bytes.
	raw[headerLen] ^= 0xFF

	_, err := ReadMessage(bytes.NewReader(raw), 0)
	require.Error(t, err)
	require.IsType(t, &pyrod.ProtocolError{}, err)
	require.Contains(t, err.Error(), "checksum")
}

func TestMessage_VersionMismatchIsProtocolError(t *testing.T) {
	msg := NewMessage(TypePing, 0, 1, 0, nil, nil)

	buf := bytes.NewBuffer(nil)
	require.NoError(t, WriteMessage(buf, msg))

	raw := buf.Bytes()
	raw[0] = ProtocolVersion + 1

	_, err := ReadMessage(bytes.NewReader(raw), 0)
	require.Error(t, err)
	require.IsType(t, &pyrod.ProtocolError{}, err)
	require.Contains(t, err.Error(), "version mismatch")
}

func TestMessage_TruncatedFrameIsConnectionClosed(t *testing.T) {
	msg := NewMessage(TypePing, 0, 1, 0, nil, []byte("pong"))

	buf := bytes.NewBuffer(nil)
	require.NoError(t, WriteMessage(buf, msg))

	truncated := buf.Bytes()[:headerLen-1]

	_, err := ReadMessage(bytes.NewReader(truncated), 0)
	require.Error(t, err)
	require.IsType(t, &pyrod.ConnectionClosedError{}, err)
}

func TestMessage_MaxPayloadRejected(t *testing.T) {
	msg := NewMessage(TypeInvoke, 0, 1, 1, nil, []byte("this payload is too big"))

	buf := bytes.NewBuffer(nil)
	require.NoError(t, WriteMessage(buf, msg))

	_, err := ReadMessage(buf, 4)
	require.Error(t, err)
	require.IsType(t, &pyrod.ProtocolError{}, err)
	require.Contains(t, err.Error(), "exceeds max")
}
