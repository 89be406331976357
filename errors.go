package blocktls

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is reported when an operation is attempted after the
	// inbound stream has ended.
	ErrSessionClosed = errors.New("blocktls: session closed")

	// ErrRenegotiationLimit is reported when a peer keeps demanding new
	// handshakes within a single decode call.
	ErrRenegotiationLimit = errors.New("blocktls: renegotiation limit exceeded")
)

// ProtocolError is a fatal engine-level failure: the engine reported a
// status the protocol does not allow at that point, or failed a wrap or
// unwrap outright.  The session must not be used afterwards.
type ProtocolError struct {
	Op              string
	Status          Status
	HandshakeStatus HandshakeStatus
	Err             error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("blocktls: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("blocktls: %s: status=%v handshakeStatus=%v", e.Op, e.Status, e.HandshakeStatus)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError is a fatal socket-level failure while flushing or filling
// the network buffers.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("blocktls: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsProtocolFailure reports whether err is (or wraps) a ProtocolError.
func IsProtocolFailure(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsTransportFailure reports whether err is (or wraps) a TransportError.
func IsTransportFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsClosed reports whether err indicates the session ended because the
// inbound stream closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}

func newProtocolErr(op string, res Result) *ProtocolError {
	return &ProtocolError{Op: op, Status: res.Status, HandshakeStatus: res.HandshakeStatus}
}

func wrapProtocolErr(op string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Err: err}
}

func wrapTransportErr(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}
