package udp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/relaytone/voicecore/utils/ws"
	"github.com/relaytone/voicecore/voice/rtp"
)

// ErrManagerClosed is returned when a Manager that is already closed is
// dialed, written to or read from.
var ErrManagerClosed = errors.New("UDP connection manager is closed")

// Manager manages a UDP connection, allowing it to be torn down and
// re-dialed across a voice gateway reconnect without the caller having to
// track a new *Connection itself. A Manager instance is thread-safe.
type Manager struct {
	dialer *net.Dialer

	stopMu   sync.Mutex
	stopConn chan struct{}
	stopDial context.CancelFunc

	conn     *Connection
	connLock chan struct{}

	keepaliveInterval time.Duration
}

// NewManager creates a new UDP connection manager with the default dialer.
func NewManager() *Manager {
	m := &Manager{
		dialer:            &defaultDialer,
		stopConn:          make(chan struct{}),
		connLock:          make(chan struct{}, 1),
		keepaliveInterval: 5 * time.Second,
	}
	close(m.stopConn) // start in the "closed" state until the first Dial
	return m
}

// SetKeepaliveInterval sets the interval future Dial calls will start their
// connection's keepalive loop at. Zero disables the keepalive loop.
func (m *Manager) SetKeepaliveInterval(d time.Duration) {
	m.keepaliveInterval = d
}

// Close closes the current connection. If the connection is already
// closed, ErrManagerClosed is returned.
func (m *Manager) Close() error {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()

	if m.stopDial != nil {
		m.stopDial()
		m.stopDial = nil
	}

	select {
	case <-m.stopConn:
		ws.WSDebug("UDP manager already closed")
		return ErrManagerClosed
	default:
		close(m.stopConn)
		ws.WSDebug("UDP manager closed")
	}

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}

	return nil
}

// IsClosed returns true if the connection is closed.
func (m *Manager) IsClosed() bool {
	return m.acquireConn() == nil
}

// Dial dials the internal connection to the given address and SSRC number,
// replacing any existing connection.
func (m *Manager) Dial(ctx context.Context, addr string, ssrc uint32) (*Connection, error) {
	m.stopMu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	m.stopDial = cancel
	m.stopMu.Unlock()
	defer cancel()

	conn, err := DialConnectionCustom(ctx, m.dialer, addr, ssrc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial")
	}

	if m.keepaliveInterval > 0 {
		conn.StartKeepalive(context.Background(), m.keepaliveInterval)
	}

	m.stopMu.Lock()
	ws.WSDebug("setting UDP conn to one w/ gateway address", conn.GatewayIP)
	m.conn = conn
	m.stopDial = nil
	m.stopConn = make(chan struct{})
	m.stopMu.Unlock()

	return conn, nil
}

// ReadPacket reads the current packet. It blocks until a packet arrives or
// the Manager is closed.
func (m *Manager) ReadPacket() (*rtp.Header, []byte, error) {
	conn := m.acquireConn()
	if conn == nil {
		return nil, nil, ErrManagerClosed
	}
	return conn.ReadPacket()
}

// Write writes to the current connection in the manager.
func (m *Manager) Write(b []byte) (int, error) {
	conn := m.acquireConn()
	if conn == nil {
		return 0, ErrManagerClosed
	}
	return conn.Write(b)
}

func (m *Manager) acquireConn() *Connection {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()

	select {
	case <-m.stopConn:
		return nil
	default:
		return m.conn
	}
}
