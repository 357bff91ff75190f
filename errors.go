package pyrod

import (
	"errors"

	"golang.org/x/xerrors"
)

// ErrStopIteration is returned by a Stream Registry iterator, and by user
// iterators, to signal clean exhaustion. It is never wrapped: dispatch code
// compares with errors.Is.
var ErrStopIteration = errors.New("StopIteration")

// CommunicationError reports a transport-level failure: a socket that could
// not be read from or written to.
//
// - implements error
type CommunicationError struct {
	Msg string
	Err error
}

func (e *CommunicationError) Error() string {
	if e.Err != nil {
		return xerrors.Errorf("communication error: %s: %w", e.Msg, e.Err).Error()
	}
	return "communication error: " + e.Msg
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// ConnectionClosedError is a CommunicationError raised when the peer has
// already closed the connection.
//
// - implements error
type ConnectionClosedError struct {
	*CommunicationError
}

// NewConnectionClosedError builds a ConnectionClosedError wrapping err.
func NewConnectionClosedError(err error) *ConnectionClosedError {
	return &ConnectionClosedError{&CommunicationError{Msg: "connection closed", Err: err}}
}

// ProtocolError reports a framing or semantic violation of the wire
// protocol: version mismatch, truncated frame, unknown message type for the
// current connection state, or checksum mismatch.
//
// - implements error
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

// NewProtocolError builds a ProtocolError.
func NewProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Msg: xerrors.Errorf(format, args...).Error()}
}

// SerializationError reports a codec failure: unknown serializer id, or a
// payload the codec could not encode/decode.
//
// - implements error
type SerializationError struct {
	Msg string
	Err error
}

func (e *SerializationError) Error() string {
	if e.Err != nil {
		return xerrors.Errorf("serialization error: %s: %w", e.Msg, e.Err).Error()
	}
	return "serialization error: " + e.Msg
}

func (e *SerializationError) Unwrap() error { return e.Err }

// NewSerializationError builds a SerializationError.
func NewSerializationError(msg string, err error) *SerializationError {
	return &SerializationError{Msg: msg, Err: err}
}

// SecurityError reports that the pluggable handshake validator refused a
// connection.
//
// - implements error
type SecurityError struct {
	Msg string
}

func (e *SecurityError) Error() string { return "security error: " + e.Msg }

// NewSecurityError builds a SecurityError.
func NewSecurityError(format string, args ...interface{}) *SecurityError {
	return &SecurityError{Msg: xerrors.Errorf(format, args...).Error()}
}

// DaemonError reports a registry-level failure: unknown object, duplicate
// registration, or similar daemon bookkeeping problems.
//
// - implements error
type DaemonError struct {
	Msg string
}

func (e *DaemonError) Error() string { return "daemon error: " + e.Msg }

// NewDaemonError builds a DaemonError.
func NewDaemonError(format string, args ...interface{}) *DaemonError {
	return &DaemonError{Msg: xerrors.Errorf(format, args...).Error()}
}

// TypeError reports that an instance creator's return value did not match
// the class it was supposed to construct (spec.md §4.5).
//
// - implements error
type TypeError struct {
	Msg string
}

func (e *TypeError) Error() string { return "type error: " + e.Msg }

// NewTypeError builds a TypeError.
func NewTypeError(format string, args ...interface{}) *TypeError {
	return &TypeError{Msg: xerrors.Errorf(format, args...).Error()}
}

// PyroError is the catch-all error kind for conditions that do not fit any
// other category, e.g. "item stream terminated".
//
// - implements error
type PyroError struct {
	Msg string
}

func (e *PyroError) Error() string { return e.Msg }

// NewPyroError builds a PyroError.
func NewPyroError(format string, args ...interface{}) *PyroError {
	return &PyroError{Msg: xerrors.Errorf(format, args...).Error()}
}
