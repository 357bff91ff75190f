// Package serde defines the codec contract shared by every serializer the
// daemon can negotiate with a client (spec.md §4.2), and the compression
// helper codecs share.
//
// Documentation Last Review: 2026-07-31
package serde

import (
	"bytes"
	"compress/gzip"
	"io"

	"golang.org/x/xerrors"
)

// Call is the decoded shape of an INVOKE payload: the target object, the
// method name, and its positional and keyword arguments.
type Call struct {
	ObjectID string
	Method   string
	Vargs    []interface{}
	Kwargs   map[string]interface{}
}

// Codec serializes and deserializes the payload shapes the dispatcher needs:
// calls, and arbitrary data (normal replies and serialized exceptions).
//
// Implementations live in sibling packages (json, jsoniter, msgpack) so that
// importing one codec does not drag in the others' dependencies.
type Codec interface {
	// Name is the serializer's name, as used in SERIALIZERS_ACCEPTED.
	Name() string
	// ID is the serializer's wire id, carried in the message header.
	ID() uint16

	SerializeCall(call Call) (data []byte, compressed bool, err error)
	DeserializeCall(data []byte, compressed bool) (Call, error)

	SerializeData(v interface{}) (data []byte, compressed bool, err error)
	DeserializeData(data []byte, compressed bool, out interface{}) error
}

// CompressionThreshold is the minimum encoded size, in bytes, before a codec
// bothers gzip-compressing its output; below it the framing overhead of
// compression outweighs the saving.
const CompressionThreshold = 256

// MaybeCompress gzip-compresses data when enabled is true and data is large
// enough to be worth it, returning the (possibly) compressed bytes and
// whether compression was applied.
func MaybeCompress(data []byte, enabled bool) ([]byte, bool, error) {
	if !enabled || len(data) < CompressionThreshold {
		return data, false, nil
	}

	buf := bytes.NewBuffer(nil)
	w := gzip.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		return nil, false, xerrors.Errorf("gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, xerrors.Errorf("gzip: %w", err)
	}

	return buf.Bytes(), true, nil
}

// MaybeDecompress reverses MaybeCompress.
func MaybeDecompress(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, xerrors.Errorf("gzip: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("gzip: %w", err)
	}

	return out, nil
}
