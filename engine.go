package blocktls

import "fmt"

// Status is the result status of a single wrap or unwrap call.
type Status int

const (
	StatusOK Status = iota
	StatusClosed
	StatusBufferOverflow
	StatusBufferUnderflow
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusClosed:
		return "CLOSED"
	case StatusBufferOverflow:
		return "BUFFER_OVERFLOW"
	case StatusBufferUnderflow:
		return "BUFFER_UNDERFLOW"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// HandshakeStatus reports what the engine needs next to make handshake
// progress.
type HandshakeStatus int

const (
	HandshakeNotHandshaking HandshakeStatus = iota
	HandshakeFinished
	HandshakeNeedTask
	HandshakeNeedWrap
	HandshakeNeedUnwrap
)

func (hs HandshakeStatus) String() string {
	switch hs {
	case HandshakeNotHandshaking:
		return "NOT_HANDSHAKING"
	case HandshakeFinished:
		return "FINISHED"
	case HandshakeNeedTask:
		return "NEED_TASK"
	case HandshakeNeedWrap:
		return "NEED_WRAP"
	case HandshakeNeedUnwrap:
		return "NEED_UNWRAP"
	}
	return fmt.Sprintf("HandshakeStatus(%d)", int(hs))
}

// Result describes the outcome of one wrap or unwrap call: the record-level
// status, the handshake status the engine moved to, and how many bytes were
// consumed from src and produced into dst.
type Result struct {
	Status          Status
	HandshakeStatus HandshakeStatus
	Consumed        int
	Produced        int
}

// Engine is the cryptographic state machine driven by a Session.  It
// performs TLS record wrap/unwrap and handshake progression; the Session
// owns exactly one Engine for its whole lifetime and is its only caller.
//
// Wrap and Unwrap never block.  They consume at most len(src) bytes and
// produce at most len(dst) bytes; insufficient input is reported as
// StatusBufferUnderflow and insufficient output space as
// StatusBufferOverflow, both with no side effects on session keys.  A
// non-nil error is fatal for the session.
type Engine interface {
	// BeginHandshake initiates a (re)handshake.  Idempotent while a
	// handshake is already in flight.
	BeginHandshake() error

	// Wrap encrypts plaintext from src into records in dst.  A zero-length
	// src is valid and is how handshake records are produced.
	Wrap(src, dst []byte) (Result, error)

	// Unwrap decrypts records from src into plaintext in dst.
	Unwrap(src, dst []byte) (Result, error)

	// HandshakeStatus reports the engine's current handshake status.
	HandshakeStatus() HandshakeStatus

	// DelegatedTask returns the next pending unit of handshake work, or nil
	// when none remain.  Tasks are run synchronously by the Session.
	DelegatedTask() func()

	// InboundClosed reports whether the inbound stream has ended, i.e. the
	// engine has processed a close_notify from the peer.
	InboundClosed() bool

	// MaxRecordSize is the largest record Wrap will produce, including
	// framing overhead.
	MaxRecordSize() int

	// MaxPlaintextSize is the largest plaintext a single record may carry.
	MaxPlaintextSize() int
}
