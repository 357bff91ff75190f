// Package json implements the default serializer using the standard
// library's encoding/json — this is the one codec in the roster that no
// third-party library improves on for the plain case (see DESIGN.md).
//
// Documentation Last Review: 2026-07-31
package json

import (
	"encoding/json"

	"github.com/c4dt-edu/pyrod/serde"
	"golang.org/x/xerrors"
)

// Name is the serializer's registered name.
const Name = "json"

// ID is the serializer's wire id.
const ID uint16 = 1

type wireCall struct {
	Object string                 `json:"object"`
	Method string                 `json:"method"`
	Vargs  []interface{}          `json:"vargs"`
	Kwargs map[string]interface{} `json:"kwargs"`
}

// Codec implements serde.Codec with encoding/json.
//
// - implements serde.Codec
type Codec struct {
	Compression bool
}

// New returns a json Codec. compression enables gzip wrapping of payloads
// above serde.CompressionThreshold.
func New(compression bool) *Codec {
	return &Codec{Compression: compression}
}

func (c *Codec) Name() string { return Name }
func (c *Codec) ID() uint16   { return ID }

func (c *Codec) SerializeCall(call serde.Call) ([]byte, bool, error) {
	data, err := json.Marshal(wireCall{
		Object: call.ObjectID,
		Method: call.Method,
		Vargs:  call.Vargs,
		Kwargs: call.Kwargs,
	})
	if err != nil {
		return nil, false, xerrors.Errorf("marshaling call: %w", err)
	}

	return serde.MaybeCompress(data, c.Compression)
}

func (c *Codec) DeserializeCall(data []byte, compressed bool) (serde.Call, error) {
	raw, err := serde.MaybeDecompress(data, compressed)
	if err != nil {
		return serde.Call{}, err
	}

	var wc wireCall
	if err := json.Unmarshal(raw, &wc); err != nil {
		return serde.Call{}, xerrors.Errorf("unmarshaling call: %w", err)
	}

	return serde.Call{ObjectID: wc.Object, Method: wc.Method, Vargs: wc.Vargs, Kwargs: wc.Kwargs}, nil
}

func (c *Codec) SerializeData(v interface{}) ([]byte, bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false, xerrors.Errorf("marshaling data: %w", err)
	}

	return serde.MaybeCompress(data, c.Compression)
}

func (c *Codec) DeserializeData(data []byte, compressed bool, out interface{}) error {
	raw, err := serde.MaybeDecompress(data, compressed)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.Errorf("unmarshaling data: %w", err)
	}

	return nil
}
