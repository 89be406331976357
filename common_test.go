package blocktls

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func assertTrue(t *testing.T, result bool, msg string) {
	t.Helper()
	if !result {
		t.Fatalf("Assertion failed: %s", msg)
	}
}

func assertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected an error: %s", msg)
	}
}

func assertNotError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func assertEquals(t *testing.T, result, expected interface{}) {
	t.Helper()
	if result != expected {
		t.Fatalf("%v != %v", result, expected)
	}
}

func assertByteEquals(t *testing.T, result, expected []byte) {
	t.Helper()
	if !bytes.Equal(result, expected) {
		t.Fatalf("%x != %x", result, expected)
	}
}

func assertDeepEquals(t *testing.T, result, expected interface{}) {
	t.Helper()
	if diff := cmp.Diff(expected, result); diff != "" {
		t.Fatalf("mismatch (-expected +result):\n%s", diff)
	}
}

// memConn is a scripted blocking transport: Read hands out the queued
// chunks in order, Write collects.  Exhausting the read script yields the
// configured error, or EOF.
type memConn struct {
	reads    [][]byte
	readErr  error
	wrote    bytes.Buffer
	writeErr error
}

func (c *memConn) Read(p []byte) (int, error) {
	if len(c.reads) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		return 0, io.EOF
	}
	n := copy(p, c.reads[0])
	if n < len(c.reads[0]) {
		c.reads[0] = c.reads[0][n:]
	} else {
		c.reads = c.reads[1:]
	}
	return n, nil
}

func (c *memConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.wrote.Write(p)
	return len(p), nil
}

// scriptEngine is an Engine whose behavior each test assembles from
// closures.  Unset closures fall back to inert defaults.
type scriptEngine struct {
	begin        func() error
	wrap         func(src, dst []byte) (Result, error)
	unwrap       func(src, dst []byte) (Result, error)
	status       func() HandshakeStatus
	task         func() func()
	inbound      func() bool
	maxRecord    int
	maxPlaintext int
}

func (e *scriptEngine) BeginHandshake() error {
	if e.begin == nil {
		return nil
	}
	return e.begin()
}

func (e *scriptEngine) Wrap(src, dst []byte) (Result, error) {
	return e.wrap(src, dst)
}

func (e *scriptEngine) Unwrap(src, dst []byte) (Result, error) {
	return e.unwrap(src, dst)
}

func (e *scriptEngine) HandshakeStatus() HandshakeStatus {
	if e.status == nil {
		return HandshakeNotHandshaking
	}
	return e.status()
}

func (e *scriptEngine) DelegatedTask() func() {
	if e.task == nil {
		return nil
	}
	return e.task()
}

func (e *scriptEngine) InboundClosed() bool {
	if e.inbound == nil {
		return false
	}
	return e.inbound()
}

func (e *scriptEngine) MaxRecordSize() int {
	if e.maxRecord == 0 {
		return 1024
	}
	return e.maxRecord
}

func (e *scriptEngine) MaxPlaintextSize() int {
	if e.maxPlaintext == 0 {
		return 1024
	}
	return e.maxPlaintext
}
