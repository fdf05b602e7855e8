package voicegateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaytone/voicecore/discord"
	"github.com/relaytone/voicecore/utils/ws"
)

// fakeConn is a ws.Connection that never touches the network, so these
// tests can drive a real *ws.Gateway — and therefore exercise Gateway's
// actual Send calls — without dialing a voice server.
type fakeConn struct {
	sent chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(chan []byte, 16)}
}

func (f *fakeConn) Dial(ctx context.Context, addr string) (<-chan ws.Op, error) {
	return make(chan ws.Op), nil
}

func (f *fakeConn) Send(ctx context.Context, b []byte) error {
	f.sent <- append([]byte(nil), b...)
	return nil
}

func (f *fakeConn) Close(gracefully bool) error { return nil }

var _ ws.Connection = (*fakeConn)(nil)

func validState() State {
	return State{
		GuildID:   discord.GuildID(1),
		ChannelID: discord.ChannelID(2),
		UserID:    discord.UserID(3),
		SessionID: "session-id",
		Token:     "token",
		Endpoint:  "voice.example.invalid:443",
	}
}

// newTestGateway returns a Gateway wired to a fakeConn, already in the
// "opened" state OpenCtx would normally put it in (live channel allocated),
// so OnOp can be driven directly without a real dial.
func newTestGateway(t *testing.T, state State) (*Gateway, *fakeConn) {
	t.Helper()

	gw := New(state)
	conn := newFakeConn()
	gw.gw = ws.NewGateway(ws.NewCustomWebsocket(conn, "wss://voice.example.invalid"), &ws.DefaultGatewayOpts)
	gw.live = make(chan error, 1)

	return gw, conn
}

func TestGatewayHelloIdentifiesOnFreshConnect(t *testing.T) {
	gw, conn := newTestGateway(t, validState())

	cont := gw.OnOp(context.Background(), ws.Op{
		Data: &HelloEvent{HeartbeatInterval: discord.DurationToMilliseconds(50 * time.Millisecond)},
	})
	require.True(t, cont)

	assert.Equal(t, StateIdentifying, gw.CurrentState())
	assert.NotNil(t, gw.pace)

	select {
	case b := <-conn.sent:
		assert.Contains(t, string(b), `"op":0`)
		assert.Contains(t, string(b), "session-id")
	default:
		t.Fatal("expected an IDENTIFY payload to be sent")
	}
}

func TestGatewayHelloResumesWhenMarked(t *testing.T) {
	gw, conn := newTestGateway(t, validState())
	gw.MarkResuming()

	cont := gw.OnOp(context.Background(), ws.Op{
		Data: &HelloEvent{HeartbeatInterval: discord.DurationToMilliseconds(50 * time.Millisecond)},
	})
	require.True(t, cont)

	assert.Equal(t, StateResuming, gw.CurrentState())

	select {
	case b := <-conn.sent:
		assert.Contains(t, string(b), `"op":7`)
	default:
		t.Fatal("expected a RESUME payload to be sent")
	}
}

func TestGatewayHelloFailsIdentifyWithIncompleteState(t *testing.T) {
	gw, _ := newTestGateway(t, State{GuildID: discord.GuildID(1)})

	cont := gw.OnOp(context.Background(), ws.Op{
		Data: &HelloEvent{HeartbeatInterval: discord.DurationToMilliseconds(50 * time.Millisecond)},
	})
	assert.False(t, cont)

	select {
	case err := <-gw.live:
		assert.ErrorIs(t, err, ErrMissingForIdentify)
	default:
		t.Fatal("expected the live channel to receive the identify error")
	}
}

func TestGatewayReadyAdvancesStateAndSignalsLive(t *testing.T) {
	gw, _ := newTestGateway(t, validState())
	require.NoError(t, gw.machine.Event(context.Background(), "identify"))

	ready := &ReadyEvent{IP: "203.0.113.1", Port: 5000, SSRC: 1234}
	cont := gw.OnOp(context.Background(), ws.Op{Data: ready})
	require.True(t, cont)

	assert.Equal(t, StateTransportSelect, gw.CurrentState())
	assert.Equal(t, *ready, gw.Ready())
	assert.False(t, gw.Resumed())

	select {
	case err := <-gw.live:
		assert.NoError(t, err)
	default:
		t.Fatal("expected Ready to signal live")
	}
}

func TestGatewayResumedAdvancesStateAndSignalsLive(t *testing.T) {
	gw, _ := newTestGateway(t, validState())
	require.NoError(t, gw.machine.Event(context.Background(), "resume"))

	cont := gw.OnOp(context.Background(), ws.Op{Data: &ResumedEvent{}})
	require.True(t, cont)

	assert.Equal(t, StateLive, gw.CurrentState())
	assert.True(t, gw.Resumed())

	select {
	case err := <-gw.live:
		assert.NoError(t, err)
	default:
		t.Fatal("expected Resumed to signal live")
	}
}

func TestGatewaySessionDescriptionDeliversAndAdvances(t *testing.T) {
	gw, _ := newTestGateway(t, validState())
	ctx := context.Background()
	require.NoError(t, gw.machine.Event(ctx, "identify"))
	require.NoError(t, gw.machine.Event(ctx, "ready"))
	require.NoError(t, gw.machine.Event(ctx, "select_protocol"))

	ch := make(chan *SessionDescriptionEvent, 1)
	gw.mutex.Lock()
	gw.sessDesc = ch
	gw.mutex.Unlock()

	desc := &SessionDescriptionEvent{Mode: "xsalsa20_poly1305"}
	cont := gw.OnOp(context.Background(), ws.Op{Data: desc})
	require.True(t, cont)

	assert.Equal(t, StateLive, gw.CurrentState())

	select {
	case got := <-ch:
		assert.Same(t, desc, got)
	default:
		t.Fatal("expected SessionDescription to be delivered on the waiting channel")
	}
}

func TestGatewayHeartbeatAckEchoesPacemaker(t *testing.T) {
	gw, _ := newTestGateway(t, validState())

	cont := gw.OnOp(context.Background(), ws.Op{
		Data: &HelloEvent{HeartbeatInterval: discord.DurationToMilliseconds(time.Second)},
	})
	require.True(t, cont)
	require.NotNil(t, gw.pace)

	gw.pace.EchoBeat.Set(time.Unix(0, 1))

	cont = gw.OnOp(context.Background(), ws.Op{Data: new(HeartbeatACKEvent)})
	require.True(t, cont)

	assert.True(t, gw.pace.EchoBeat.Get() > 1)
}

func TestGatewaySendHeartbeatSignalsStaleOnDeadPace(t *testing.T) {
	gw, _ := newTestGateway(t, validState())

	cont := gw.OnOp(context.Background(), ws.Op{
		Data: &HelloEvent{HeartbeatInterval: discord.DurationToMilliseconds(time.Second)},
	})
	require.True(t, cont)

	require.NotNil(t, gw.pace)
	gw.pace.Heartrate = time.Millisecond
	gw.pace.EchoBeat.Set(time.Unix(0, 1))

	gw.SendHeartbeat(context.Background())

	select {
	case <-gw.GatewayStale:
	default:
		t.Fatal("expected GatewayStale to be signaled once the pacemaker's echo went stale")
	}
}

func TestGatewayCloseEventStopsLoop(t *testing.T) {
	gw, _ := newTestGateway(t, validState())

	var logged error
	gw.ErrorLog = func(err error) { logged = err }

	cont := gw.OnOp(context.Background(), ws.Op{Data: &ws.CloseEvent{Code: 4006}})
	assert.False(t, cont)
	assert.Error(t, logged)
}

func TestGatewayCloseTransitionsToClosedAndNotifies(t *testing.T) {
	gw, _ := newTestGateway(t, validState())

	var notified bool
	gw.AfterClose = func(error) { notified = true }

	require.NoError(t, gw.Close())

	assert.Equal(t, StateClosed, gw.CurrentState())
	assert.True(t, notified)
}
