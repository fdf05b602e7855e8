package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaytone/voicecore/internal/lazytime"
	"github.com/relaytone/voicecore/voice/rtp"
)

// loopbackPair returns two connected UDP sockets for exercising Write/Read
// without a real voice server.
func loopbackPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	b, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}

	aAddr := a.LocalAddr().(*net.UDPAddr)
	bAddr := b.LocalAddr().(*net.UDPAddr)
	a.Close()
	b.Close()

	connA, err := net.DialUDP("udp", aAddr, bAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	connB, err := net.DialUDP("udp", bAddr, aAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	return connA, connB
}

func newTestConnection(conn net.Conn, ssrc uint32) *Connection {
	cur, err := rtp.NewCursor(960)
	if err != nil {
		panic(err)
	}
	return &Connection{
		conn:           conn,
		ssrc:           ssrc,
		clock:          lazytime.RealClock{},
		seq:            cur,
		recvBuf:        make([]byte, 1400),
		TransportStale: make(chan struct{}, 1),
	}
}

func TestConnectionWriteReadRoundTrip(t *testing.T) {
	connA, connB := loopbackPair(t)
	defer connA.Close()
	defer connB.Close()

	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i)
	}

	sender := newTestConnection(connA, 42)
	sender.UseCipher(rtp.ModeXSalsa20Poly1305Lite, secret)

	receiver := newTestConnection(connB, 42)
	receiver.UseCipher(rtp.ModeXSalsa20Poly1305Lite, secret)

	payload := []byte("opus payload")
	if _, err := sender.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	header, opus, err := receiver.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if header.SSRC != 42 {
		t.Fatalf("SSRC = %d, want 42", header.SSRC)
	}
	if string(opus) != string(payload) {
		t.Fatalf("opus payload = %q, want %q", opus, payload)
	}
}

func TestConnectionSequenceAdvancesByOnePerPacket(t *testing.T) {
	connA, connB := loopbackPair(t)
	defer connA.Close()
	defer connB.Close()

	var secret [32]byte
	sender := newTestConnection(connA, 1)
	sender.UseCipher(rtp.ModeXSalsa20Poly1305, secret)
	receiver := newTestConnection(connB, 1)
	receiver.UseCipher(rtp.ModeXSalsa20Poly1305, secret)

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))

	sender.Write([]byte("a"))
	first, _, err := receiver.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}

	sender.Write([]byte("b"))
	second, _, err := receiver.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}

	if second.Sequence != first.Sequence+1 {
		t.Fatalf("sequence did not advance by 1: %d -> %d", first.Sequence, second.Sequence)
	}
	if second.Timestamp != first.Timestamp+960 {
		t.Fatalf("timestamp did not advance by 960: %d -> %d", first.Timestamp, second.Timestamp)
	}
}

func TestConnectionKeepaliveMeasuresPing(t *testing.T) {
	connA, connB := loopbackPair(t)
	defer connA.Close()
	defer connB.Close()

	fake := lazytime.NewFakeClock(time.Now())
	conn := newTestConnection(connA, 1)
	conn.UseClock(fake)

	var secret [32]byte
	conn.UseCipher(rtp.ModeXSalsa20Poly1305, secret)

	// connB echoes every datagram it receives straight back, the way
	// Discord's voice servers echo keep-alive payloads.
	go func() {
		buf := make([]byte, 1400)
		for {
			n, err := connB.Read(buf)
			if err != nil {
				return
			}
			connB.Write(buf[:n])
		}
	}()

	// ReadPacket is what feeds keep-alive replies back into the
	// Connection; a real caller always has one of these running.
	go func() {
		for {
			if _, _, err := conn.ReadPacket(); err != nil {
				return
			}
		}
	}()

	conn.StartKeepalive(context.Background(), time.Second)
	defer conn.Close()

	fake.Advance(time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn.Ping() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Ping() never became nonzero after an echoed keep-alive")
}

func TestConnectionTransportStaleAfterMissedKeepalives(t *testing.T) {
	connA, _ := loopbackPair(t)
	defer connA.Close()

	fake := lazytime.NewFakeClock(time.Now())
	conn := newTestConnection(connA, 1)
	conn.UseClock(fake)

	conn.StartKeepalive(context.Background(), time.Second)
	defer conn.Close()

	// One Advance per tick, with a pause so the keepalive goroutine takes
	// each tick before the next (FakeClock drops a tick nobody received).
	for i := 0; i < maxMissedKeepalives+1; i++ {
		fake.Advance(time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-conn.TransportStale:
	case <-time.After(time.Second):
		t.Fatal("TransportStale was never signaled after repeated missed keep-alives")
	}
}
