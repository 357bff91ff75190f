// Package jsoniter implements a drop-in faster alternative to the plain
// json serializer, using github.com/json-iterator/go (adopted from the
// rockstar-0000-aistore example repo, which uses the same library for its
// hot-path REST encoding).
//
// Documentation Last Review: 2026-07-31
package jsoniter

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/c4dt-edu/pyrod/serde"
	"golang.org/x/xerrors"
)

// Name is the serializer's registered name.
const Name = "json-iterator"

// ID is the serializer's wire id.
const ID uint16 = 2

var api = jsoniter.ConfigCompatibleWithStandardLibrary

type wireCall struct {
	Object string                 `json:"object"`
	Method string                 `json:"method"`
	Vargs  []interface{}          `json:"vargs"`
	Kwargs map[string]interface{} `json:"kwargs"`
}

// Codec implements serde.Codec with json-iterator.
//
// - implements serde.Codec
type Codec struct {
	Compression bool
}

// New returns a jsoniter Codec.
func New(compression bool) *Codec {
	return &Codec{Compression: compression}
}

func (c *Codec) Name() string { return Name }
func (c *Codec) ID() uint16   { return ID }

func (c *Codec) SerializeCall(call serde.Call) ([]byte, bool, error) {
	data, err := api.Marshal(wireCall{
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
	if err := api.Unmarshal(raw, &wc); err != nil {
		return serde.Call{}, xerrors.Errorf("unmarshaling call: %w", err)
	}

	return serde.Call{ObjectID: wc.Object, Method: wc.Method, Vargs: wc.Vargs, Kwargs: wc.Kwargs}, nil
}

func (c *Codec) SerializeData(v interface{}) ([]byte, bool, error) {
	data, err := api.Marshal(v)
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

	if err := api.Unmarshal(raw, out); err != nil {
		return xerrors.Errorf("unmarshaling data: %w", err)
	}

	return nil
}
