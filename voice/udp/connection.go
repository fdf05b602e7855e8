// Package udp implements the UDP transport (C2) a voice connection uses
// once the voice gateway has handed out an IP/port pair: IP discovery,
// encrypted RTP framing, and a keepalive loop to hold the NAT mapping open
// between audio frames.
package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaytone/voicecore/internal/heart"
	"github.com/relaytone/voicecore/internal/lazytime"
	"github.com/relaytone/voicecore/voice/rtp"
	"github.com/relaytone/voicecore/voiceerr"
	"github.com/relaytone/voicecore/voicemetrics"
)

// ErrDecryptionFailed is returned from ReadPacket if the received packet
// fails to decrypt.
var ErrDecryptionFailed = rtp.ErrDecryptionFailed

// defaultDialer is the default dialer that this package uses for all its
// dialing.
var defaultDialer = net.Dialer{
	Timeout: 30 * time.Second,
}

// keepaliveSize is the wire size of a keep-alive datagram: a 4-byte
// little-endian counter followed by 4 zero bytes. It is always shorter
// than HeaderSize, so ReadPacket can tell a keep-alive reply apart from an
// RTP packet by length alone.
const keepaliveSize = 8

// maxMissedKeepalives is how many consecutive un-acked keep-alive ticks
// are tolerated before the connection reports itself stale.
const maxMissedKeepalives = 5

// Connection represents a voice UDP connection. It is not thread-safe other
// than between one writer and one reader goroutine running concurrently.
type Connection struct {
	GatewayIP   string
	GatewayPort uint16

	conn net.Conn
	ssrc uint32

	clock lazytime.Clock

	seq    *rtp.Cursor
	cipher rtp.Cipher
	mode   rtp.Mode

	keepaliveStop chan struct{}
	keepaliveOnce sync.Once

	keepaliveCounter uint32
	awaitingAck      atomic.Bool
	missedKeepalives atomic.Int32
	sentAt           heart.AtomicTime
	pingNanos        atomic.Int64

	// TransportStale is signaled once after maxMissedKeepalives
	// consecutive keep-alive ticks go unacked, so a Supervisor can react
	// (tear down and reconnect) without polling Ping/Silence itself.
	TransportStale chan struct{}

	// LastWrite and LastRead track when audio or keepalive traffic last
	// crossed the wire, so a Supervisor can detect a silently-dead NAT
	// mapping without waiting for a Write to fail.
	LastWrite heart.AtomicTime
	LastRead  heart.AtomicTime

	recvBuf []byte
}

// DialFunc is the UDP dialer function type.
type DialFunc = func(ctx context.Context, addr string, ssrc uint32) (*Connection, error)

var _ DialFunc = DialConnection

// DialConnection dials the UDP connection using the given address and SSRC
// number, performing IP discovery as described at
// https://discord.com/developers/docs/topics/voice-connections#ip-discovery
func DialConnection(ctx context.Context, addr string, ssrc uint32) (*Connection, error) {
	return DialConnectionCustom(ctx, &defaultDialer, addr, ssrc)
}

// DialConnectionCustom dials the UDP connection with a custom dialer.
func DialConnectionCustom(
	ctx context.Context, dialer *net.Dialer, addr string, ssrc uint32) (*Connection, error) {

	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial host: %w", err)
	}

	var ssrcBuffer [74]byte
	binary.BigEndian.PutUint16(ssrcBuffer[0:2], 1)
	binary.BigEndian.PutUint16(ssrcBuffer[2:4], 70)
	binary.BigEndian.PutUint32(ssrcBuffer[4:8], ssrc)

	// IP discovery has 5 seconds to complete; the deadline is cleared once
	// the reply has been read.
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write(ssrcBuffer[:]); err != nil {
		return nil, fmt.Errorf("failed to write SSRC buffer: %w", err)
	}

	var ipBuffer [74]byte
	if _, err := io.ReadFull(conn, ipBuffer[:]); err != nil {
		return nil, fmt.Errorf("failed to read IP buffer: %w", err)
	}
	conn.SetDeadline(time.Time{})

	ipbody := ipBuffer[8:72]
	nullPos := bytes.IndexByte(ipbody, 0)
	if nullPos < 0 {
		return nil, fmt.Errorf("UDP IP discovery did not contain a null terminator")
	}

	ip := ipbody[:nullPos]
	port := binary.BigEndian.Uint16(ipBuffer[72:74])

	seq, err := rtp.NewCursor(960)
	if err != nil {
		return nil, fmt.Errorf("failed to seed RTP cursor: %w", err)
	}

	c := &Connection{
		GatewayIP:      string(ip),
		GatewayPort:    port,
		ssrc:           ssrc,
		conn:           conn,
		clock:          lazytime.RealClock{},
		seq:            seq,
		recvBuf:        make([]byte, 1400),
		TransportStale: make(chan struct{}, 1),
	}
	c.LastRead.Set(time.Now())
	return c, nil
}

// UseClock swaps in a Clock, for deterministic keepalive tests. It must be
// called before StartKeepalive.
func (c *Connection) UseClock(clock lazytime.Clock) {
	c.clock = clock
}

// UseCipher selects the encryption mode and secret key to use. It must be
// called before the first Write or ReadPacket, and is not thread-safe with
// either.
func (c *Connection) UseCipher(mode rtp.Mode, secret [32]byte) {
	c.cipher = rtp.NewCipher(mode, secret)
	c.mode = mode
}

// Close closes the connection and stops its keepalive loop, if running.
func (c *Connection) Close() error {
	c.keepaliveOnce.Do(func() {
		if c.keepaliveStop != nil {
			close(c.keepaliveStop)
		}
	})
	return c.conn.Close()
}

// Write encrypts and sends a single Opus frame as a voice RTP packet.
func (c *Connection) Write(payload []byte) (int, error) {
	if c.cipher == nil {
		return 0, fmt.Errorf("udp: Write called before UseCipher")
	}

	header := c.seq.Next(c.ssrc).Marshal()

	packet := c.cipher.Seal(header[:], header[:], payload)

	n, err := c.conn.Write(packet)
	if err != nil {
		return 0, err
	}

	c.LastWrite.Set(time.Now())
	// We report the decrypted payload length, not the wire length, since
	// that's what the caller handed us.
	_ = n
	return len(payload), nil
}

// ReadPacket reads and decrypts the next RTP packet, or discards and
// retries on a stray keepalive echo.
func (c *Connection) ReadPacket() (*rtp.Header, []byte, error) {
	if c.cipher == nil {
		return nil, nil, fmt.Errorf("udp: ReadPacket called before UseCipher")
	}

	for {
		n, err := c.conn.Read(c.recvBuf)
		if err != nil {
			return nil, nil, err
		}

		c.LastRead.Set(time.Now())

		if n == keepaliveSize {
			c.handleKeepaliveReply(c.recvBuf[:n])
			continue
		}

		if !rtp.LooksLikeRTP(c.recvBuf[:n]) {
			continue
		}

		header, extLen, err := rtp.ParseHeader(c.recvBuf[:n])
		if err != nil {
			continue
		}

		body := c.recvBuf[rtp.HeaderSize+extLen : n]
		headerBytes := c.recvBuf[:rtp.HeaderSize]

		opus, err := c.cipher.Open(nil, headerBytes, body)
		if err != nil {
			voicemetrics.CryptoFailuresTotal.WithLabelValues(string(c.mode), "open").Inc()
			return nil, nil, voiceerr.Wrap(voiceerr.KindCrypto, ErrDecryptionFailed, "udp: failed to open RTP payload")
		}

		return &header, opus, nil
	}
}

// StartKeepalive starts a background goroutine that writes an 8-byte
// {counter u32 little-endian, pad u32 zero} datagram every interval, to
// hold the UDP NAT mapping open through silence (e.g. the caller muting
// without leaving the channel) and to measure round-trip time. If a tick
// fires before the previous keep-alive was acked, that's a miss; after
// maxMissedKeepalives consecutive misses, TransportStale is signaled. It
// stops when ctx is done or Close is called.
func (c *Connection) StartKeepalive(ctx context.Context, interval time.Duration) {
	c.keepaliveStop = make(chan struct{})
	ticker := c.clock.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C():
				c.tickKeepalive()
			case <-ctx.Done():
				return
			case <-c.keepaliveStop:
				return
			}
		}
	}()
}

func (c *Connection) tickKeepalive() {
	if c.awaitingAck.Load() {
		missed := c.missedKeepalives.Add(1)
		if missed == maxMissedKeepalives {
			select {
			case c.TransportStale <- struct{}{}:
			default:
			}
		}
	}

	counter := atomic.AddUint32(&c.keepaliveCounter, 1)
	c.awaitingAck.Store(true)
	c.sentAt.Set(time.Now())

	var buf [keepaliveSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], counter)

	if _, err := c.conn.Write(buf[:]); err == nil {
		c.LastWrite.Set(time.Now())
	}
}

func (c *Connection) handleKeepaliveReply(buf []byte) {
	counter := binary.LittleEndian.Uint32(buf[0:4])
	if counter != atomic.LoadUint32(&c.keepaliveCounter) {
		return
	}

	c.awaitingAck.Store(false)
	c.missedKeepalives.Store(0)

	rtt := time.Since(c.sentAt.Time())
	c.pingNanos.Store(int64(rtt))
	voicemetrics.TransportRTTSeconds.Set(rtt.Seconds())
}

// Ping returns the most recently measured keep-alive round-trip time, or
// zero if none has been measured yet.
func (c *Connection) Ping() time.Duration {
	return time.Duration(c.pingNanos.Load())
}

// Silence returns how long it's been since a packet (audio or keepalive)
// was last read from the connection. A Supervisor can poll this to notice a
// voice server that's gone dark without waiting for a Write to error out.
func (c *Connection) Silence() time.Duration {
	return time.Since(c.LastRead.Time())
}
