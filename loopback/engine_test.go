package loopback

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tlsengine/blocktls"
)

var testPSK = []byte("engine test pre-shared key")

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

func assertResult(t *testing.T, result, expected blocktls.Result) {
	t.Helper()
	if diff := cmp.Diff(expected, result); diff != "" {
		t.Fatalf("result mismatch (-expected +result):\n%s", diff)
	}
}

// handshakePair drives the two-flight exchange by hand and returns an
// established client and server.
func handshakePair(t *testing.T, clientConfig, serverConfig Config) (*Engine, *Engine) {
	t.Helper()

	client := New(RoleClient, clientConfig)
	server := New(RoleServer, serverConfig)
	assertNotError(t, client.BeginHandshake(), "client begin")
	assertNotError(t, server.BeginHandshake(), "server begin")

	buf := make([]byte, 64*1024)
	sink := make([]byte, 64*1024)

	res, err := client.Wrap(nil, buf)
	assertNotError(t, err, "client hello wrap")
	clientHello := append([]byte(nil), buf[:res.Produced]...)

	res, err = server.Unwrap(clientHello, sink)
	assertNotError(t, err, "server hello unwrap")
	assertTrue(t, res.HandshakeStatus == blocktls.HandshakeNeedWrap, "server must answer with its own hello")

	res, err = server.Wrap(nil, buf)
	assertNotError(t, err, "server hello wrap")
	serverHello := append([]byte(nil), buf[:res.Produced]...)

	task := server.DelegatedTask()
	assertTrue(t, task != nil, "server must delegate key derivation")
	task()
	assertTrue(t, server.HandshakeStatus() == blocktls.HandshakeNotHandshaking, "server must be established")

	res, err = client.Unwrap(serverHello, sink)
	assertNotError(t, err, "client unwrap of server hello")
	assertTrue(t, res.HandshakeStatus == blocktls.HandshakeNeedTask, "client derivation must be delegated")

	task = client.DelegatedTask()
	assertTrue(t, task != nil, "client must delegate key derivation")
	task()
	assertTrue(t, client.HandshakeStatus() == blocktls.HandshakeNotHandshaking, "client must be established")

	return client, server
}

// transfer seals src on from and opens it on to, asserting a clean round trip.
func transfer(t *testing.T, from, to *Engine, src []byte) {
	t.Helper()

	record := make([]byte, from.MaxRecordSize())
	res, err := from.Wrap(src, record)
	assertNotError(t, err, "wrap")
	assertResult(t, res, blocktls.Result{
		Status:          blocktls.StatusOK,
		HandshakeStatus: blocktls.HandshakeNotHandshaking,
		Consumed:        len(src),
		Produced:        recordHeaderLen + len(src) + 16,
	})

	out := make([]byte, to.MaxPlaintextSize())
	res, err = to.Unwrap(record[:res.Produced], out)
	assertNotError(t, err, "unwrap")
	assertTrue(t, res.Status == blocktls.StatusOK, "unwrap status")
	assertTrue(t, bytes.Equal(out[:res.Produced], src), "plaintext mismatch")
}

func TestHandshakeAndTraffic(t *testing.T) {
	client, server := handshakePair(t, Config{PSK: testPSK}, Config{PSK: testPSK})

	transfer(t, client, server, []byte("from the client"))
	transfer(t, server, client, []byte("from the server"))
	transfer(t, client, server, []byte("sequence numbers advance"))
}

func TestHelloWrapBeforeBegin(t *testing.T) {
	client := New(RoleClient, Config{PSK: testPSK})

	// No handshake begun and no keys yet: wrapping is a caller error.
	_, err := client.Wrap([]byte("data"), make([]byte, 1024))
	assertError(t, err, "wrap before any handshake must fail")
}

func TestDelegatedTaskIssuedOnce(t *testing.T) {
	client := New(RoleClient, Config{PSK: testPSK})
	server := New(RoleServer, Config{PSK: testPSK})
	assertNotError(t, client.BeginHandshake(), "client begin")
	assertNotError(t, server.BeginHandshake(), "server begin")

	assertTrue(t, client.DelegatedTask() == nil, "no task before the exchange completes")

	buf := make([]byte, 1024)
	sink := make([]byte, 1024)
	res, err := client.Wrap(nil, buf)
	assertNotError(t, err, "client hello")
	_, err = server.Unwrap(buf[:res.Produced], sink)
	assertNotError(t, err, "server unwrap")
	res, err = server.Wrap(nil, buf)
	assertNotError(t, err, "server hello")
	_, err = client.Unwrap(buf[:res.Produced], sink)
	assertNotError(t, err, "client unwrap")

	task := client.DelegatedTask()
	assertTrue(t, task != nil, "task must be available")
	assertTrue(t, client.DelegatedTask() == nil, "at most one outstanding task")
	task()
	assertTrue(t, client.DelegatedTask() == nil, "no task after establishment")
}

func TestUnderflowOnPartialRecord(t *testing.T) {
	client, server := handshakePair(t, Config{PSK: testPSK}, Config{PSK: testPSK})

	record := make([]byte, client.MaxRecordSize())
	res, err := client.Wrap([]byte("partial delivery"), record)
	assertNotError(t, err, "wrap")
	full := record[:res.Produced]

	out := make([]byte, server.MaxPlaintextSize())
	for _, cut := range []int{0, 1, 2, len(full) - 1} {
		res, err := server.Unwrap(full[:cut], out)
		assertNotError(t, err, "partial unwrap")
		assertTrue(t, res.Status == blocktls.StatusBufferUnderflow, "partial record must underflow")
		assertTrue(t, res.Consumed == 0, "underflow must not consume")
	}

	res, err = server.Unwrap(full, out)
	assertNotError(t, err, "full unwrap")
	assertTrue(t, res.Status == blocktls.StatusOK, "full record must unwrap")
}

func TestOverflowOnShortDestination(t *testing.T) {
	client, server := handshakePair(t, Config{PSK: testPSK}, Config{PSK: testPSK})

	record := make([]byte, client.MaxRecordSize())
	res, err := client.Wrap([]byte("does not fit"), record)
	assertNotError(t, err, "wrap")
	full := record[:res.Produced]

	res, err = server.Unwrap(full, make([]byte, 4))
	assertNotError(t, err, "short-destination unwrap")
	assertTrue(t, res.Status == blocktls.StatusBufferOverflow, "short destination must overflow")
	assertTrue(t, res.Consumed == 0, "overflow must not consume")

	// The receive sequence did not advance, so a retry still opens.
	out := make([]byte, server.MaxPlaintextSize())
	res, err = server.Unwrap(full, out)
	assertNotError(t, err, "retry unwrap")
	assertTrue(t, res.Status == blocktls.StatusOK, "retry must succeed")
	assertTrue(t, string(out[:res.Produced]) == "does not fit", "plaintext mismatch")

	// Wrap overflows the same way on a short destination.
	res, err = client.Wrap([]byte("data"), make([]byte, 8))
	assertNotError(t, err, "short-destination wrap")
	assertTrue(t, res.Status == blocktls.StatusBufferOverflow, "short destination must overflow on wrap")
}

func TestCloseNotify(t *testing.T) {
	client, server := handshakePair(t, Config{PSK: testPSK}, Config{PSK: testPSK})

	record, err := client.CloseOutbound()
	assertNotError(t, err, "close")

	_, err = client.CloseOutbound()
	assertError(t, err, "second close must fail")

	res, err := client.Wrap([]byte("late"), make([]byte, 1024))
	assertNotError(t, err, "wrap after close")
	assertTrue(t, res.Status == blocktls.StatusClosed, "outbound side is closed")

	out := make([]byte, server.MaxPlaintextSize())
	res, err = server.Unwrap(record, out)
	assertNotError(t, err, "close unwrap")
	assertTrue(t, res.Status == blocktls.StatusClosed, "close_notify must close the inbound side")
	assertTrue(t, res.Consumed == len(record), "the close record is consumed")
	assertTrue(t, server.InboundClosed(), "inbound must report closed")

	res, err = server.Unwrap([]byte("anything"), out)
	assertNotError(t, err, "unwrap after close")
	assertTrue(t, res.Status == blocktls.StatusClosed, "closed inbound stays closed")
}

func TestMismatchedKeysFailAuthentication(t *testing.T) {
	// The handshake itself carries no proof of the key, so it completes;
	// the first sealed record then fails to open.
	client, server := handshakePair(t,
		Config{PSK: []byte("one key")},
		Config{PSK: []byte("another key")})

	record := make([]byte, client.MaxRecordSize())
	res, err := client.Wrap([]byte("secret"), record)
	assertNotError(t, err, "wrap")

	_, err = server.Unwrap(record[:res.Produced], make([]byte, server.MaxPlaintextSize()))
	assertError(t, err, "mismatched keys must fail authentication")
}

func TestRekeyResetsSequencesAndKeys(t *testing.T) {
	client, server := handshakePair(t, Config{PSK: testPSK}, Config{PSK: testPSK})

	transfer(t, client, server, []byte("advance the sequences"))
	transfer(t, server, client, []byte("both directions"))
	assertTrue(t, client.sendSeq == 1 && client.recvSeq == 1, "sequences must have advanced")

	record := make([]byte, client.MaxRecordSize())
	res, err := client.Wrap([]byte("old keys"), record)
	assertNotError(t, err, "wrap under old keys")
	oldRecord := append([]byte(nil), record[:res.Produced]...)
	_, err = server.Unwrap(oldRecord, make([]byte, server.MaxPlaintextSize()))
	assertNotError(t, err, "unwrap under old keys")

	// Client-initiated rekey, driven by hand.
	assertNotError(t, client.RequestRekey(), "rekey request")
	assertTrue(t, client.HandshakeStatus() == blocktls.HandshakeNeedWrap, "rekey starts with a hello")

	buf := make([]byte, 1024)
	sink := make([]byte, 1024)
	res, err = client.Wrap(nil, buf)
	assertNotError(t, err, "rekey hello")
	res2, err := server.Unwrap(buf[:res.Produced], sink)
	assertNotError(t, err, "server rekey unwrap")
	assertTrue(t, res2.HandshakeStatus == blocktls.HandshakeNeedWrap, "server must answer the rekey")

	res, err = server.Wrap(nil, buf)
	assertNotError(t, err, "server rekey hello")
	task := server.DelegatedTask()
	assertTrue(t, task != nil, "server derives via task")
	task()

	res2, err = client.Unwrap(buf[:res.Produced], sink)
	assertNotError(t, err, "client rekey unwrap")
	assertTrue(t, res2.HandshakeStatus == blocktls.HandshakeFinished, "rekey initiator finishes inline")

	assertTrue(t, client.sendSeq == 0 && client.recvSeq == 0, "rekey must reset the sequences")
	assertTrue(t, server.sendSeq == 0 && server.recvSeq == 0, "rekey must reset the peer sequences")

	// Same plaintext, fresh schedule: different ciphertext.
	res, err = client.Wrap([]byte("old keys"), record)
	assertNotError(t, err, "wrap under new keys")
	assertTrue(t, !bytes.Equal(record[:res.Produced], oldRecord), "new keys must change the ciphertext")

	transfer(t, client, server, []byte("traffic after rekey"))
	transfer(t, server, client, []byte("and back"))
}

func TestWrapSplitsLargePlaintext(t *testing.T) {
	client, server := handshakePair(t, Config{PSK: testPSK, MaxPlaintext: 8}, Config{PSK: testPSK, MaxPlaintext: 8})

	src := []byte("twenty bytes of data")
	record := make([]byte, client.MaxRecordSize())
	res, err := client.Wrap(src, record)
	assertNotError(t, err, "wrap")
	assertTrue(t, res.Consumed == 8, "wrap must cap a record at the plaintext limit")
	assertTrue(t, res.Produced == recordHeaderLen+8+16, "record size for a full chunk")

	out := make([]byte, server.MaxPlaintextSize())
	res, err = server.Unwrap(record[:res.Produced], out)
	assertNotError(t, err, "unwrap")
	assertTrue(t, string(out[:res.Produced]) == "twenty b", "first chunk mismatch")
}

func TestBufferSizeHints(t *testing.T) {
	eng := New(RoleClient, Config{PSK: testPSK})
	assertTrue(t, eng.MaxPlaintextSize() == 16384, "default plaintext limit")
	assertTrue(t, eng.MaxRecordSize() == recordHeaderLen+16384+16, "record limit covers header and AEAD tag")

	small := New(RoleClient, Config{PSK: testPSK, MaxPlaintext: 100})
	assertTrue(t, small.MaxRecordSize() == recordHeaderLen+100+16, "configured record limit")
}
