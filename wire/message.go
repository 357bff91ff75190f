// Package wire implements the framing of every message exchanged between a
// client and the daemon: header, annotation block, and payload.
//
// Documentation Last Review: 2026-07-31
package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/c4dt-edu/pyrod"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"
)

// ProtocolVersion is the only wire version this package speaks.
const ProtocolVersion uint8 = 1

// Type identifies the kind of a message on the wire.
type Type uint8

// Message types used by the core (spec.md §4.1).
const (
	TypeConnect Type = iota + 1
	TypeConnectOK
	TypeConnectFail
	TypeInvoke
	TypeResult
	TypePing
)

func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeConnectOK:
		return "CONNECTOK"
	case TypeConnectFail:
		return "CONNECTFAIL"
	case TypeInvoke:
		return "INVOKE"
	case TypeResult:
		return "RESULT"
	case TypePing:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

// Flags is a bitset carried in the header.
type Flags uint16

// Flag bits (spec.md §4.1).
const (
	FlagCompressed Flags = 1 << iota
	FlagException
	FlagOneway
	FlagBatch
	FlagItemStreamResult
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// minFrameLen is the smallest frame WriteMessage emits, so small replies
// never trip small-frame blocking on some socket stacks (spec.md §4.1).
// The fixed header alone (headerLen, 50 bytes) already exceeds it, so no
// frame is ever padded in practice.
const minFrameLen = 40

// headerLen is the fixed, encoded size of Header in bytes:
// version(1) + msgtype(1) + flags(2) + seq(4) + serializerID(2) +
// payloadLen(4) + annotationsLen(4) + checksum(32).
const headerLen = 1 + 1 + 2 + 4 + 2 + 4 + 4 + 32

// Header is the fixed-size preamble of every wire message.
type Header struct {
	Version        uint8
	MsgType        Type
	Flags          Flags
	Seq            uint32
	SerializerID   uint16
	PayloadLen     uint32
	AnnotationsLen uint32
	Checksum       [32]byte
}

// Message is a fully parsed wire message: header, annotations, and payload.
type Message struct {
	Header      Header
	Annotations map[string][]byte
	Payload     []byte
}

// Annotation keys the core itself defines (spec.md §4.1).
const (
	AnnotationCorrelation = "CORR"
	AnnotationStream      = "STRM"
)

func checksum(payload []byte) [32]byte {
	return blake2b.Sum256(payload)
}

// NewMessage builds a Message, computing its checksum and annotations
// length, ready to be passed to WriteMessage.
func NewMessage(msgType Type, flags Flags, seq uint32, serializerID uint16, annotations map[string][]byte, payload []byte) Message {
	if annotations == nil {
		annotations = map[string][]byte{}
	}

	return Message{
		Header: Header{
			Version:      ProtocolVersion,
			MsgType:      msgType,
			Flags:        flags,
			Seq:          seq,
			SerializerID: serializerID,
			PayloadLen:   uint32(len(payload)),
			Checksum:     checksum(payload),
		},
		Annotations: annotations,
		Payload:     payload,
	}
}

// encodeAnnotations serializes the annotation map as a sequence of
// (4-byte ASCII key, 4-byte big-endian length, value bytes) tuples, sorted
// by key so the encoding is deterministic.
func encodeAnnotations(annotations map[string][]byte) ([]byte, error) {
	keys := make([]string, 0, len(annotations))
	for k := range annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := bytes.NewBuffer(nil)
	for _, k := range keys {
		if len(k) != 4 {
			return nil, xerrors.Errorf("annotation key %q is not 4 ASCII characters", k)
		}
		buf.WriteString(k)

		v := annotations[k]
		if err := binary.Write(buf, binary.BigEndian, uint32(len(v))); err != nil {
			return nil, xerrors.Errorf("writing annotation length: %w", err)
		}
		buf.Write(v)
	}

	return buf.Bytes(), nil
}

func decodeAnnotations(data []byte) (map[string][]byte, error) {
	out := map[string][]byte{}

	for len(data) > 0 {
		if len(data) < 8 {
			return nil, pyrod.NewProtocolError("truncated annotation block")
		}

		key := string(data[:4])
		length := binary.BigEndian.Uint32(data[4:8])
		data = data[8:]

		if uint32(len(data)) < length {
			return nil, pyrod.NewProtocolError("truncated annotation value for %q", key)
		}

		// Unknown keys are preserved verbatim; the core only interprets CORR
		// and STRM, but never drops what it does not understand.
		out[key] = append([]byte(nil), data[:length]...)
		data = data[length:]
	}

	return out, nil
}

// WriteMessage encodes msg to w: header, annotation block, then payload.
func WriteMessage(w io.Writer, msg Message) error {
	annBytes, err := encodeAnnotations(msg.Annotations)
	if err != nil {
		return xerrors.Errorf("encoding annotations: %w", err)
	}

	msg.Header.AnnotationsLen = uint32(len(annBytes))
	msg.Header.PayloadLen = uint32(len(msg.Payload))
	msg.Header.Checksum = checksum(msg.Payload)

	buf := bytes.NewBuffer(make([]byte, 0, headerLen+len(annBytes)+len(msg.Payload)+minFrameLen))

	if err := binary.Write(buf, binary.BigEndian, msg.Header.Version); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, uint8(msg.Header.MsgType)); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(msg.Header.Flags)); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, msg.Header.Seq); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, msg.Header.SerializerID); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, msg.Header.PayloadLen); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, msg.Header.AnnotationsLen); err != nil {
		return err
	}
	buf.Write(msg.Header.Checksum[:])

	buf.Write(annBytes)
	buf.Write(msg.Payload)

	// Pad any frame shorter than minFrameLen; since headerLen exceeds
	// minFrameLen this loop never adds a byte.
	for buf.Len() < minFrameLen {
		buf.WriteByte(0)
	}

	_, err = w.Write(buf.Bytes())
	return err
}

// ReadMessage parses exactly one message from r. maxPayload bounds the
// payload length accepted from the header before any buffer for it is
// allocated (adopted from Pyro5's own max_message_size guard, see
// SPEC_FULL.md's "supplemental features" section); 0 means unbounded.
func ReadMessage(r io.Reader, maxPayload uint32) (Message, error) {
	hdrBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Message{}, pyrod.NewConnectionClosedError(err)
		}
		return Message{}, pyrod.NewProtocolError("reading header: %v", err)
	}

	hdr := Header{
		Version:      hdrBytes[0],
		MsgType:      Type(hdrBytes[1]),
		Flags:        Flags(binary.BigEndian.Uint16(hdrBytes[2:4])),
		Seq:          binary.BigEndian.Uint32(hdrBytes[4:8]),
		SerializerID: binary.BigEndian.Uint16(hdrBytes[8:10]),
		PayloadLen:   binary.BigEndian.Uint32(hdrBytes[10:14]),
		AnnotationsLen: binary.BigEndian.Uint32(hdrBytes[14:18]),
	}
	copy(hdr.Checksum[:], hdrBytes[18:50])

	if hdr.Version != ProtocolVersion {
		return Message{}, pyrod.NewProtocolError("version mismatch: got %d want %d", hdr.Version, ProtocolVersion)
	}

	if maxPayload > 0 && hdr.PayloadLen > maxPayload {
		return Message{}, pyrod.NewProtocolError("payload of %d bytes exceeds max %d", hdr.PayloadLen, maxPayload)
	}

	annBytes := make([]byte, hdr.AnnotationsLen)
	if _, err := io.ReadFull(r, annBytes); err != nil {
		return Message{}, pyrod.NewProtocolError("reading annotations: %v", err)
	}

	annotations, err := decodeAnnotations(annBytes)
	if err != nil {
		return Message{}, err
	}

	payload := make([]byte, hdr.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, pyrod.NewProtocolError("reading payload: %v", err)
	}

	if checksum(payload) != hdr.Checksum {
		return Message{}, pyrod.NewProtocolError("checksum mismatch")
	}

	return Message{Header: hdr, Annotations: annotations, Payload: payload}, nil
}
