// Package msgpack implements a compact binary serializer using
// github.com/tinylib/msgp/msgp's streaming Writer/Reader directly (adopted
// from the rockstar-0000-aistore example repo), rather than the
// code-generated Marshaler/Unmarshaler pairs msgp is more commonly used
// with — the call/data shapes here are generic enough that the runtime
// Writer/Reader API covers them without a go:generate step.
//
// Documentation Last Review: 2026-07-31
package msgpack

import (
	"bytes"

	"github.com/tinylib/msgp/msgp"
	"golang.org/x/xerrors"

	"github.com/c4dt-edu/pyrod/serde"
)

// Name is the serializer's registered name.
const Name = "msgpack"

// ID is the serializer's wire id.
const ID uint16 = 3

// Codec implements serde.Codec with msgpack.
//
// - implements serde.Codec
type Codec struct {
	Compression bool
}

// New returns a msgpack Codec.
func New(compression bool) *Codec {
	return &Codec{Compression: compression}
}

func (c *Codec) Name() string { return Name }
func (c *Codec) ID() uint16   { return ID }

func (c *Codec) SerializeCall(call serde.Call) ([]byte, bool, error) {
	buf := bytes.NewBuffer(nil)
	w := msgp.NewWriter(buf)

	if err := w.WriteString(call.ObjectID); err != nil {
		return nil, false, xerrors.Errorf("writing object id: %w", err)
	}
	if err := w.WriteString(call.Method); err != nil {
		return nil, false, xerrors.Errorf("writing method: %w", err)
	}
	if err := w.WriteArrayHeader(uint32(len(call.Vargs))); err != nil {
		return nil, false, xerrors.Errorf("writing vargs header: %w", err)
	}
	for _, v := range call.Vargs {
		if err := w.WriteIntf(v); err != nil {
			return nil, false, xerrors.Errorf("writing varg: %w", err)
		}
	}
	if err := w.WriteMapHeader(uint32(len(call.Kwargs))); err != nil {
		return nil, false, xerrors.Errorf("writing kwargs header: %w", err)
	}
	for k, v := range call.Kwargs {
		if err := w.WriteString(k); err != nil {
			return nil, false, xerrors.Errorf("writing kwarg key: %w", err)
		}
		if err := w.WriteIntf(v); err != nil {
			return nil, false, xerrors.Errorf("writing kwarg value: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return nil, false, xerrors.Errorf("flushing: %w", err)
	}

	return serde.MaybeCompress(buf.Bytes(), c.Compression)
}

func (c *Codec) DeserializeCall(data []byte, compressed bool) (serde.Call, error) {
	raw, err := serde.MaybeDecompress(data, compressed)
	if err != nil {
		return serde.Call{}, err
	}

	r := msgp.NewReader(bytes.NewReader(raw))

	object, err := r.ReadString()
	if err != nil {
		return serde.Call{}, xerrors.Errorf("reading object id: %w", err)
	}
	method, err := r.ReadString()
	if err != nil {
		return serde.Call{}, xerrors.Errorf("reading method: %w", err)
	}

	nVargs, err := r.ReadArrayHeader()
	if err != nil {
		return serde.Call{}, xerrors.Errorf("reading vargs header: %w", err)
	}
	vargs := make([]interface{}, 0, nVargs)
	for i := uint32(0); i < nVargs; i++ {
		v, err := r.ReadIntf()
		if err != nil {
			return serde.Call{}, xerrors.Errorf("reading varg: %w", err)
		}
		vargs = append(vargs, v)
	}

	nKwargs, err := r.ReadMapHeader()
	if err != nil {
		return serde.Call{}, xerrors.Errorf("reading kwargs header: %w", err)
	}
	kwargs := make(map[string]interface{}, nKwargs)
	for i := uint32(0); i < nKwargs; i++ {
		k, err := r.ReadString()
		if err != nil {
			return serde.Call{}, xerrors.Errorf("reading kwarg key: %w", err)
		}
		v, err := r.ReadIntf()
		if err != nil {
			return serde.Call{}, xerrors.Errorf("reading kwarg value: %w", err)
		}
		kwargs[k] = v
	}

	return serde.Call{ObjectID: object, Method: method, Vargs: vargs, Kwargs: kwargs}, nil
}

func (c *Codec) SerializeData(v interface{}) ([]byte, bool, error) {
	buf := bytes.NewBuffer(nil)
	w := msgp.NewWriter(buf)

	if err := w.WriteIntf(v); err != nil {
		return nil, false, xerrors.Errorf("writing data: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, false, xerrors.Errorf("flushing: %w", err)
	}

	return serde.MaybeCompress(buf.Bytes(), c.Compression)
}

func (c *Codec) DeserializeData(data []byte, compressed bool, out interface{}) error {
	raw, err := serde.MaybeDecompress(data, compressed)
	if err != nil {
		return err
	}

	r := msgp.NewReader(bytes.NewReader(raw))

	v, err := r.ReadIntf()
	if err != nil {
		return xerrors.Errorf("reading data: %w", err)
	}

	ptr, ok := out.(*interface{})
	if !ok {
		return xerrors.Errorf("msgpack DeserializeData requires a *interface{} destination, got %T", out)
	}
	*ptr = v

	return nil
}
