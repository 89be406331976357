// Package blocktls drives a TLS session in blocking mode over a byte-stream
// connection.  It sequences an external cryptographic Engine against
// blocking socket I/O: it performs the handshake, encrypts outgoing
// application data into records, decrypts incoming records back into
// application data, and follows the peer through mid-session renegotiation
// and close_notify shutdown.
//
// A Session and its buffers belong to exactly one driving goroutine; the
// package provides no internal synchronization.
package blocktls

import (
	"io"

	"github.com/rs/zerolog"
)

// Allocate a little over the engine's record limit so a well-behaved engine
// never reports overflow on a fresh buffer.
const netBufferMargin = 50

const defaultMaxRenegotiations = 4

// Config carries per-session settings.  The zero value is usable.
type Config struct {
	// Logger receives debug traces and the defensive warnings (discarded
	// unflushed bytes, trailing bytes after close_notify).  Nil disables
	// logging.
	Logger *zerolog.Logger

	// MaxRenegotiations bounds how many renegotiations a single Decode call
	// may be asked to perform before the session fails with
	// ErrRenegotiationLimit.  Zero means the default of 4.
	MaxRenegotiations int

	// OnHandshakeComplete, if set, is fulfilled exactly once, on the first
	// handshake completion, with any application bytes already decrypted at
	// that point.
	OnHandshakeComplete *Completion
}

// Session drives one TLS session over conn.  It owns the engine handle and
// the three wire buffers for the whole connection lifetime.
type Session struct {
	engine Engine
	conn   io.ReadWriter
	log    zerolog.Logger

	notifier *Completion

	status            HandshakeStatus
	handshakeFinished bool
	peerEOF           bool
	needNetData       bool

	inNet  *buffer // ciphertext from the peer, not yet unwrapped
	outNet *buffer // ciphertext staged for transmission
	app    *buffer // plaintext produced by unwrap

	maxReneg   int
	renegDepth int
}

// NewSession wraps conn with a TLS session driven by engine.  The engine
// must already be configured for its role; the caller keeps ownership of
// conn and is responsible for closing it.
func NewSession(engine Engine, conn io.ReadWriter, config *Config) *Session {
	if config == nil {
		config = &Config{}
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	maxReneg := config.MaxRenegotiations
	if maxReneg <= 0 {
		maxReneg = defaultMaxRenegotiations
	}

	netBufSize := engine.MaxRecordSize() + netBufferMargin
	appBufSize := engine.MaxPlaintextSize() + netBufferMargin
	if 2*netBufSize > appBufSize {
		appBufSize = 2 * netBufSize
	}

	s := &Session{
		engine:   engine,
		conn:     conn,
		log:      logger,
		notifier: config.OnHandshakeComplete,
		inNet:    newBuffer(netBufSize),
		outNet:   newBuffer(netBufSize),
		app:      newBuffer(appBufSize),
		maxReneg: maxReneg,
	}
	s.status = engine.HandshakeStatus()

	s.log.Debug().
		Int("netBufSize", netBufSize).
		Int("appBufSize", appBufSize).
		Msg("started TLS session")

	return s
}

// HandshakeComplete reports whether the handshake has finished and no
// renegotiation is in progress.
func (s *Session) HandshakeComplete() bool {
	return s.handshakeFinished
}

// InboundClosed reports whether the inbound stream has ended, either
// because the engine processed a close_notify or because the transport hit
// end of stream.
func (s *Session) InboundClosed() bool {
	return s.engine.InboundClosed() || s.peerEOF
}

// Handshake performs the handshake procedure with the remote peer, blocking
// on socket reads and writes until the engine reports completion, the
// inbound stream ends, or a fatal error occurs.  It reports whether the
// handshake finished.
func (s *Session) Handshake() (bool, error) {
	s.log.Debug().Stringer("handshakeStatus", s.status).Msg("entering handshake")

	if err := s.engine.BeginHandshake(); err != nil {
		return false, wrapProtocolErr("begin handshake", err)
	}

	s.status = s.engine.HandshakeStatus()

	for loop := true; loop; {
		switch s.status {
		case HandshakeNotHandshaking, HandshakeFinished:
			s.handshakeFinished = true
			s.needNetData = false

			if s.notifier != nil && s.notifier.Complete(s.app.bytes()) {
				s.log.Debug().Int("appBytes", s.app.readable()).Msg("handshake completion notified")
			}

			loop = false

		case HandshakeNeedTask:
			s.status = s.runTasks()

		case HandshakeNeedUnwrap:
			status, err := s.unwrapHandshake()
			if err != nil {
				return false, err
			}

			s.status = s.engine.HandshakeStatus()

			if status == StatusBufferUnderflow {
				if s.InboundClosed() {
					// No more input will ever arrive; stop without
					// finishing rather than blocking forever.
					loop = false
				} else {
					s.needNetData = true
				}
			}

		case HandshakeNeedWrap:
			if s.outNet.readable() > 0 {
				s.log.Warn().
					Int("bytes", s.outNet.readable()).
					Msg("write buffer has unflushed bytes during handshake, discarding")
			}
			s.outNet.clear()

			// A zero-length plaintext wrap produces the next handshake
			// record.
			res, err := s.engine.Wrap(nil, s.outNet.free())
			if err != nil {
				return false, wrapProtocolErr("wrap handshake record", err)
			}
			s.outNet.advanceWrite(res.Produced)

			s.status = res.HandshakeStatus

			s.log.Debug().
				Stringer("status", res.Status).
				Stringer("handshakeStatus", s.status).
				Msg("wrapped handshake data")

			if err := s.flushNet(); err != nil {
				return false, err
			}

		default:
			return false, &ProtocolError{Op: "handshake", HandshakeStatus: s.status}
		}
	}

	s.log.Debug().Stringer("handshakeStatus", s.status).Msg("leaving handshake")

	return s.handshakeFinished, nil
}

// Encrypt wraps plaintext into TLS records and returns them, staged in the
// session's write buffer.  The returned slice is valid until the next
// Encrypt or Handshake call.  Calling Encrypt before the handshake has
// completed is a programming error and panics.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if !s.handshakeFinished {
		panic("blocktls: Encrypt called before handshake completion")
	}

	s.outNet.clear()

	for off := 0; off < len(plaintext); {
		remaining := len(plaintext) - off

		if s.outNet.writable() < 2*remaining {
			s.outNet.grow(max(s.outNet.w+2*remaining, 2*s.outNet.capacity()))

			s.log.Debug().Int("capacity", s.outNet.capacity()).Msg("expanded write buffer")
		}

		res, err := s.engine.Wrap(plaintext[off:], s.outNet.free())
		if err != nil {
			return nil, wrapProtocolErr("encrypt", err)
		}
		off += res.Consumed
		s.outNet.advanceWrite(res.Produced)

		s.log.Debug().
			Stringer("status", res.Status).
			Stringer("handshakeStatus", res.HandshakeStatus).
			Msg("encrypted data")

		if res.Status != StatusOK {
			return nil, newProtocolErr("encrypt", res)
		}
		if res.HandshakeStatus == HandshakeNeedTask {
			s.runTasks()
		}
	}

	return s.outNet.bytes(), nil
}

// Decode appends chunk to the network-read buffer and processes it: through
// the handshake while it is still in progress, through decryption
// afterwards.  It returns the decrypted application bytes (valid until the
// next Decode call) and how many bytes of chunk were consumed.  Consumed is
// len(chunk) unless the inbound stream ended mid-chunk, in which case the
// trailing bytes are left to the caller.
func (s *Session) Decode(chunk []byte) ([]byte, int, error) {
	s.renegDepth = 0
	s.app.clear()

	if s.InboundClosed() {
		if len(chunk) > 0 {
			s.log.Warn().Int("bytes", len(chunk)).Msg("data received after close_notify, ignoring")
		}
		return nil, 0, ErrSessionClosed
	}

	if len(chunk) > s.inNet.writable() {
		s.inNet.grow(s.inNet.capacity() + 2*len(chunk))
		s.app.grow(2 * s.inNet.capacity())

		s.log.Debug().
			Int("netCapacity", s.inNet.capacity()).
			Int("appCapacity", s.app.capacity()).
			Msg("expanded buffers")
	}

	s.inNet.append(chunk)

	var err error
	if !s.handshakeFinished {
		_, err = s.Handshake()
	} else {
		err = s.unwrapData()
	}
	if err != nil {
		return nil, 0, err
	}

	consumed := len(chunk)

	if s.InboundClosed() {
		// The engine stopped at the close record.  Reposition so the
		// caller sees any trailing bytes of this chunk as unconsumed.
		consumed = len(chunk) - s.inNet.readable()
		if consumed < 0 {
			consumed = 0
		}

		if consumed < len(chunk) {
			s.log.Warn().
				Int("bytes", len(chunk)-consumed).
				Msg("unread bytes after close_notify, returning them to caller")
		}

		s.inNet.clear()
	}

	return s.app.bytes(), consumed, nil
}

// unwrapData decrypts application records already sitting in the
// network-read buffer, then checks whether the peer asked for a new
// handshake.
func (s *Session) unwrapData() error {
	s.log.Debug().Msg("unwrapping received data")

	res, err := s.unwrapLoop()
	if err != nil {
		return err
	}

	s.inNet.compact()

	if err := checkUnwrapStatus(res); err != nil {
		return err
	}

	return s.renegotiateIfNeeded(res)
}

// unwrapHandshake feeds the engine during the handshake.  It fills the
// network-read buffer from the socket when the engine has nothing left to
// chew on, unwraps, and, if the handshake just finished cleanly with bytes
// still buffered, drains any application data piggy-backed on the final
// flight.  Returns the raw unwrap status for the caller's
// underflow-with-closed-inbound check.
func (s *Session) unwrapHandshake() (Status, error) {
	if s.needNetData || s.inNet.readable() == 0 {
		if err := s.fillNet(); err != nil {
			return 0, err
		}
		s.needNetData = false
	}

	res, err := s.unwrapLoop()
	if err != nil {
		return 0, err
	}
	s.status = res.HandshakeStatus

	if err := checkUnwrapStatus(res); err != nil {
		return 0, err
	}

	if s.status == HandshakeFinished && res.Status == StatusOK && s.inNet.readable() > 0 {
		res, err = s.unwrapLoop()
		if err != nil {
			return 0, err
		}
		s.status = res.HandshakeStatus

		s.inNet.compact()

		if err := s.renegotiateIfNeeded(res); err != nil {
			return 0, err
		}
	} else {
		s.inNet.compact()
	}

	return res.Status, nil
}

// unwrapLoop performs raw unwraps from the network-read buffer into the
// application buffer, growing the application buffer on overflow, for as
// long as the engine can make progress without new input.
func (s *Session) unwrapLoop() (Result, error) {
	var res Result

	for {
		var err error
		res, err = s.engine.Unwrap(s.inNet.bytes(), s.app.free())
		if err != nil {
			return res, wrapProtocolErr("unwrap record", err)
		}
		s.inNet.advanceRead(res.Consumed)
		s.app.advanceWrite(res.Produced)

		s.log.Debug().
			Stringer("status", res.Status).
			Stringer("handshakeStatus", res.HandshakeStatus).
			Msg("unwrapped raw data")

		if res.Status == StatusBufferOverflow {
			s.app.grow(2 * s.app.capacity())
		}

		more := (res.Status == StatusOK || res.Status == StatusBufferOverflow) &&
			(s.handshakeFinished && res.HandshakeStatus == HandshakeNotHandshaking ||
				res.HandshakeStatus == HandshakeNeedUnwrap)
		if !more {
			break
		}
	}

	return res, nil
}

// runTasks drains every pending delegated task synchronously on the calling
// goroutine and returns the handshake status afterwards.
func (s *Session) runTasks() HandshakeStatus {
	for task := s.engine.DelegatedTask(); task != nil; task = s.engine.DelegatedTask() {
		s.log.Debug().Msg("running delegated engine task")

		task()
	}

	status := s.engine.HandshakeStatus()

	s.log.Debug().Stringer("handshakeStatus", status).Msg("finished delegated engine tasks")

	return status
}

// renegotiateIfNeeded re-enters the handshake when a decrypt result shows
// the peer, or local policy, demanding one.  Depth is bounded per decode
// call so a misbehaving peer cannot recurse forever.
func (s *Session) renegotiateIfNeeded(res Result) error {
	if res.Status == StatusClosed || res.Status == StatusBufferUnderflow ||
		res.HandshakeStatus == HandshakeNotHandshaking {
		return nil
	}

	if s.renegDepth >= s.maxReneg {
		return wrapProtocolErr("renegotiate", ErrRenegotiationLimit)
	}
	s.renegDepth++

	s.status = res.HandshakeStatus

	s.log.Debug().
		Stringer("status", res.Status).
		Stringer("handshakeStatus", s.status).
		Msg("renegotiation requested")

	s.handshakeFinished = false

	_, err := s.Handshake()
	return err
}

// fillNet performs one blocking socket read into the network-read buffer.
// End of stream is recorded rather than treated as an error; any other read
// failure is fatal for the session.
func (s *Session) fillNet() error {
	if s.peerEOF {
		return wrapTransportErr("read", io.ErrUnexpectedEOF)
	}

	if s.inNet.writable() == 0 {
		s.inNet.compact()
		if s.inNet.writable() == 0 {
			s.inNet.grow(2 * s.inNet.capacity())
		}
	}

	n, err := s.conn.Read(s.inNet.free())
	if n > 0 {
		s.inNet.advanceWrite(n)
	}
	if err != nil {
		if err == io.EOF {
			s.peerEOF = true
			return nil
		}
		return wrapTransportErr("read", err)
	}

	return nil
}

// flushNet writes the staged ciphertext to the socket until drained.
func (s *Session) flushNet() error {
	for s.outNet.readable() > 0 {
		n, err := s.conn.Write(s.outNet.bytes())
		s.outNet.advanceRead(n)
		if err != nil {
			return wrapTransportErr("write", err)
		}
	}

	s.outNet.clear()

	return nil
}

// checkUnwrapStatus validates a final unwrap status.  OK, a clean close and
// an underflow are the only statuses a compliant engine may stop on.
func checkUnwrapStatus(res Result) error {
	switch res.Status {
	case StatusOK, StatusClosed, StatusBufferUnderflow:
		return nil
	}
	return newProtocolErr("unwrap", res)
}
