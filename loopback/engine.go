// Package loopback implements the blocktls Engine capability with a small
// PSK-authenticated record protocol: a two-flight random exchange, an
// HKDF-SHA256 key schedule and ChaCha20-Poly1305 sealed records.  Two
// engines sharing a key form a compliant peer pair, which is what the demo
// binaries and the driver tests run against.
//
// The hello randoms travel in the clear, like TLS randoms; secrecy and
// authentication come from binding the key schedule to the pre-shared key.
// A peer without the key derives garbage keys and fails AEAD opening on the
// first sealed record.
package loopback

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/tlsengine/blocktls"
)

// Record framing: type(1) || length(2, big endian) || payload.
const (
	recordHeaderLen = 3

	recordTypeAlert       = 21
	recordTypeHandshake   = 22
	recordTypeApplication = 23
)

const (
	msgHello = 1

	alertCloseNotify = 0
)

const (
	helloRandomLen = 32
	keyScheduleCtx = "blocktls loopback v1"

	defaultMaxPlaintext = 16384
)

var (
	errNoKeys        = errors.New("loopback: record received before key establishment")
	errOutboundOrder = errors.New("loopback: wrap before key establishment")
)

// Role selects which side of the random exchange an engine plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Config carries engine settings.  The zero value is not usable: a PSK is
// required.
type Config struct {
	// PSK is the pre-shared key both peers derive their session keys from.
	PSK []byte

	// MaxPlaintext caps the plaintext carried by a single record.  Zero
	// means 16 KiB.
	MaxPlaintext int

	// Rand is the randomness source for hello randoms.  Nil means
	// crypto/rand.
	Rand io.Reader
}

type state int

const (
	statePending state = iota // created, handshake not begun
	stateNeedHello
	stateAwaitHello
	stateNeedTask
	stateEstablished
)

// Engine is a blocktls.Engine backed by the loopback protocol.  Like the
// sessions that drive it, an Engine belongs to a single goroutine.
type Engine struct {
	role         Role
	psk          []byte
	maxPlaintext int
	rand         io.Reader

	state       state
	initialDone bool
	taskIssued  bool

	localRandom []byte
	peerRandom  []byte

	sendAEAD, recvAEAD cipher.AEAD
	sendNonce          [chacha20poly1305.NonceSize]byte
	recvNonce          [chacha20poly1305.NonceSize]byte
	sendSeq, recvSeq   uint64

	inboundClosed  bool
	outboundClosed bool
}

var _ blocktls.Engine = (*Engine)(nil)

// New returns an engine playing role with the given configuration.
func New(role Role, config Config) *Engine {
	maxPlaintext := config.MaxPlaintext
	if maxPlaintext <= 0 {
		maxPlaintext = defaultMaxPlaintext
	}
	rnd := config.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Engine{
		role:         role,
		psk:          append([]byte(nil), config.PSK...),
		maxPlaintext: maxPlaintext,
		rand:         rnd,
	}
}

// BeginHandshake starts the initial handshake.  It is a no-op while a
// handshake is already in flight or after the session is established;
// rekeying an established session is initiated with RequestRekey instead.
func (e *Engine) BeginHandshake() error {
	if e.state != statePending {
		return nil
	}
	if e.role == RoleClient {
		e.state = stateNeedHello
	} else {
		e.state = stateAwaitHello
	}
	return nil
}

// RequestRekey asks for a fresh key schedule on an established session.
// The next wrap produces a hello record; the peer observes it after a
// decrypt and renegotiates.
func (e *Engine) RequestRekey() error {
	if e.state != stateEstablished {
		return fmt.Errorf("loopback: rekey requested in state %d", e.state)
	}
	e.localRandom = nil
	e.peerRandom = nil
	e.state = stateNeedHello
	return nil
}

func (e *Engine) HandshakeStatus() blocktls.HandshakeStatus {
	switch e.state {
	case stateNeedHello:
		return blocktls.HandshakeNeedWrap
	case stateAwaitHello:
		return blocktls.HandshakeNeedUnwrap
	case stateNeedTask:
		return blocktls.HandshakeNeedTask
	}
	return blocktls.HandshakeNotHandshaking
}

// DelegatedTask hands out the key-schedule derivation when the random
// exchange is complete.  At most one task is outstanding at a time.
func (e *Engine) DelegatedTask() func() {
	if e.state != stateNeedTask || e.taskIssued {
		return nil
	}
	e.taskIssued = true
	return func() {
		e.deriveKeys()
		e.taskIssued = false
	}
}

func (e *Engine) InboundClosed() bool { return e.inboundClosed }

func (e *Engine) MaxRecordSize() int {
	return recordHeaderLen + e.maxPlaintext + chacha20poly1305.Overhead
}

func (e *Engine) MaxPlaintextSize() int { return e.maxPlaintext }

// Wrap produces at most one record per call: a hello while the engine needs
// one, otherwise a sealed application record carrying up to MaxPlaintextSize
// bytes of src.
func (e *Engine) Wrap(src, dst []byte) (blocktls.Result, error) {
	if e.outboundClosed {
		return blocktls.Result{Status: blocktls.StatusClosed, HandshakeStatus: e.HandshakeStatus()}, nil
	}

	if e.state == stateNeedHello && len(src) == 0 {
		return e.wrapHello(dst)
	}

	if e.sendAEAD == nil {
		return blocktls.Result{}, errOutboundOrder
	}

	chunk := len(src)
	if chunk > e.maxPlaintext {
		chunk = e.maxPlaintext
	}
	need := recordHeaderLen + chunk + chacha20poly1305.Overhead
	if len(dst) < need {
		return blocktls.Result{Status: blocktls.StatusBufferOverflow, HandshakeStatus: e.HandshakeStatus()}, nil
	}

	putRecordHeader(dst, recordTypeApplication, chunk+chacha20poly1305.Overhead)
	e.seal(dst[recordHeaderLen:recordHeaderLen], src[:chunk])

	return blocktls.Result{
		Status:          blocktls.StatusOK,
		HandshakeStatus: e.HandshakeStatus(),
		Consumed:        chunk,
		Produced:        need,
	}, nil
}

func (e *Engine) wrapHello(dst []byte) (blocktls.Result, error) {
	need := recordHeaderLen + 1 + helloRandomLen
	if len(dst) < need {
		return blocktls.Result{Status: blocktls.StatusBufferOverflow, HandshakeStatus: blocktls.HandshakeNeedWrap}, nil
	}

	if e.localRandom == nil {
		e.localRandom = make([]byte, helloRandomLen)
		if _, err := io.ReadFull(e.rand, e.localRandom); err != nil {
			return blocktls.Result{}, fmt.Errorf("loopback: generating hello random: %w", err)
		}
	}

	putRecordHeader(dst, recordTypeHandshake, 1+helloRandomLen)
	dst[recordHeaderLen] = msgHello
	copy(dst[recordHeaderLen+1:], e.localRandom)

	var hs blocktls.HandshakeStatus
	if e.peerRandom != nil {
		// Responding flight: both randoms known, derivation is next.
		e.state = stateNeedTask
		hs = blocktls.HandshakeNeedTask
	} else {
		e.state = stateAwaitHello
		hs = blocktls.HandshakeNeedUnwrap
	}

	return blocktls.Result{Status: blocktls.StatusOK, HandshakeStatus: hs, Produced: need}, nil
}

// Unwrap consumes at most one record per call.
func (e *Engine) Unwrap(src, dst []byte) (blocktls.Result, error) {
	if e.inboundClosed {
		return blocktls.Result{Status: blocktls.StatusClosed, HandshakeStatus: e.HandshakeStatus()}, nil
	}

	if len(src) < recordHeaderLen {
		return blocktls.Result{Status: blocktls.StatusBufferUnderflow, HandshakeStatus: e.HandshakeStatus()}, nil
	}
	rtype := src[0]
	rlen := int(binary.BigEndian.Uint16(src[1:3]))
	if len(src) < recordHeaderLen+rlen {
		return blocktls.Result{Status: blocktls.StatusBufferUnderflow, HandshakeStatus: e.HandshakeStatus()}, nil
	}
	payload := src[recordHeaderLen : recordHeaderLen+rlen]
	consumed := recordHeaderLen + rlen

	switch rtype {
	case recordTypeHandshake:
		return e.unwrapHello(payload, consumed)

	case recordTypeApplication:
		if e.recvAEAD == nil {
			return blocktls.Result{}, errNoKeys
		}
		ptLen := rlen - chacha20poly1305.Overhead
		if ptLen < 0 {
			return blocktls.Result{}, errors.New("loopback: application record shorter than AEAD overhead")
		}
		if len(dst) < ptLen {
			return blocktls.Result{Status: blocktls.StatusBufferOverflow, HandshakeStatus: e.HandshakeStatus()}, nil
		}
		pt, err := e.open(payload)
		if err != nil {
			return blocktls.Result{}, err
		}
		copy(dst, pt)
		return blocktls.Result{
			Status:          blocktls.StatusOK,
			HandshakeStatus: e.HandshakeStatus(),
			Consumed:        consumed,
			Produced:        len(pt),
		}, nil

	case recordTypeAlert:
		body := payload
		if e.recvAEAD != nil {
			pt, err := e.open(payload)
			if err != nil {
				return blocktls.Result{}, err
			}
			body = pt
		}
		if len(body) != 1 || body[0] != alertCloseNotify {
			return blocktls.Result{}, fmt.Errorf("loopback: unexpected alert %x", body)
		}
		e.inboundClosed = true
		return blocktls.Result{
			Status:          blocktls.StatusClosed,
			HandshakeStatus: e.HandshakeStatus(),
			Consumed:        consumed,
		}, nil
	}

	return blocktls.Result{}, fmt.Errorf("loopback: unknown record type %d", rtype)
}

func (e *Engine) unwrapHello(payload []byte, consumed int) (blocktls.Result, error) {
	if len(payload) != 1+helloRandomLen || payload[0] != msgHello {
		return blocktls.Result{}, errors.New("loopback: malformed hello")
	}
	random := append([]byte(nil), payload[1:]...)

	if e.state == stateEstablished {
		// Peer-initiated rekey: remember its random, answer with ours.
		e.localRandom = nil
		e.peerRandom = random
		e.state = stateNeedHello
		return blocktls.Result{
			Status:          blocktls.StatusOK,
			HandshakeStatus: blocktls.HandshakeNeedWrap,
			Consumed:        consumed,
		}, nil
	}

	if e.state != stateAwaitHello {
		return blocktls.Result{}, fmt.Errorf("loopback: hello received in state %d", e.state)
	}
	e.peerRandom = random

	if e.localRandom == nil {
		// Responder: our hello goes out next.
		e.state = stateNeedHello
		return blocktls.Result{
			Status:          blocktls.StatusOK,
			HandshakeStatus: blocktls.HandshakeNeedWrap,
			Consumed:        consumed,
		}, nil
	}

	if !e.initialDone {
		// Initiator of the initial handshake: derivation is delegated.
		e.state = stateNeedTask
		return blocktls.Result{
			Status:          blocktls.StatusOK,
			HandshakeStatus: blocktls.HandshakeNeedTask,
			Consumed:        consumed,
		}, nil
	}

	// Rekey initiator: the randoms are fresh but the peer is already
	// verified, so derive inline and finish in this unwrap.
	e.deriveKeys()
	return blocktls.Result{
		Status:          blocktls.StatusOK,
		HandshakeStatus: blocktls.HandshakeFinished,
		Consumed:        consumed,
	}, nil
}

// CloseOutbound seals a close_notify record with the current send keys and
// marks the outbound side closed.  The caller transmits the returned record
// itself.
func (e *Engine) CloseOutbound() ([]byte, error) {
	if e.outboundClosed {
		return nil, errors.New("loopback: outbound already closed")
	}
	if e.sendAEAD == nil {
		return nil, errOutboundOrder
	}
	body := []byte{alertCloseNotify}
	rec := make([]byte, recordHeaderLen, recordHeaderLen+len(body)+chacha20poly1305.Overhead)
	putRecordHeader(rec, recordTypeAlert, len(body)+chacha20poly1305.Overhead)
	payload := e.seal(rec[recordHeaderLen:recordHeaderLen], body)
	e.outboundClosed = true
	return rec[:recordHeaderLen+len(payload)], nil
}

// deriveKeys runs the key schedule over psk and the exchanged randoms.  The
// client's random always salts first so both sides agree.
func (e *Engine) deriveKeys() {
	clientRandom, serverRandom := e.localRandom, e.peerRandom
	if e.role == RoleServer {
		clientRandom, serverRandom = serverRandom, clientRandom
	}

	salt := make([]byte, 0, 2*helloRandomLen)
	salt = append(salt, clientRandom...)
	salt = append(salt, serverRandom...)

	kdf := hkdf.New(sha256.New, e.psk, salt, []byte(keyScheduleCtx))

	var clientKey, serverKey [chacha20poly1305.KeySize]byte
	var clientNonce, serverNonce [chacha20poly1305.NonceSize]byte
	mustRead(kdf, clientKey[:])
	mustRead(kdf, serverKey[:])
	mustRead(kdf, clientNonce[:])
	mustRead(kdf, serverNonce[:])

	sendKey, recvKey := clientKey, serverKey
	sendNonce, recvNonce := clientNonce, serverNonce
	if e.role == RoleServer {
		sendKey, recvKey = serverKey, clientKey
		sendNonce, recvNonce = serverNonce, clientNonce
	}

	var err error
	if e.sendAEAD, err = chacha20poly1305.New(sendKey[:]); err != nil {
		panic(err) // key size is fixed
	}
	if e.recvAEAD, err = chacha20poly1305.New(recvKey[:]); err != nil {
		panic(err)
	}
	e.sendNonce = sendNonce
	e.recvNonce = recvNonce
	e.sendSeq = 0
	e.recvSeq = 0

	e.localRandom = nil
	e.peerRandom = nil
	e.initialDone = true
	e.state = stateEstablished
}

func (e *Engine) seal(dst, plaintext []byte) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	seqNonce(&nonce, &e.sendNonce, e.sendSeq)
	e.sendSeq++
	return e.sendAEAD.Seal(dst, nonce[:], plaintext, nil)
}

func (e *Engine) open(ciphertext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSize]byte
	seqNonce(&nonce, &e.recvNonce, e.recvSeq)
	pt, err := e.recvAEAD.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("loopback: record authentication failed: %w", err)
	}
	e.recvSeq++
	return pt, nil
}

func seqNonce(out, base *[chacha20poly1305.NonceSize]byte, seq uint64) {
	*out = *base
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	for i := 0; i < 8; i++ {
		out[chacha20poly1305.NonceSize-8+i] ^= seqBytes[i]
	}
}

func putRecordHeader(dst []byte, rtype byte, length int) {
	dst[0] = rtype
	binary.BigEndian.PutUint16(dst[1:3], uint16(length))
}

func mustRead(r io.Reader, p []byte) {
	if _, err := io.ReadFull(r, p); err != nil {
		panic(err) // HKDF output is effectively unlimited at these sizes
	}
}
