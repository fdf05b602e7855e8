// Package voicegateway implements the Voice Gateway WebSocket client (the
// per-guild connection that exchanges IDENTIFY/SELECT_PROTOCOL/SESSION_
// DESCRIPTION/heartbeat opcodes with a Discord voice server).
package voicegateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/relaytone/voicecore/discord"
	"github.com/relaytone/voicecore/internal/heart"
	"github.com/relaytone/voicecore/internal/lazytime"
	"github.com/relaytone/voicecore/utils/handler"
	"github.com/relaytone/voicecore/utils/ws"
	"github.com/relaytone/voicecore/utils/ws/ophandler"
)

// EventHandler lets callers outside the Session/Supervisor observe every op
// this Gateway receives, e.g. a debugging CLI that wants to log raw events
// without reimplementing OnOp's state machine.
type EventHandler = interface {
	handler.Dispatcher[ws.Event]
	handler.Handler[ws.Event]
}

// Version is the voice gateway protocol version this package speaks.
const Version = "4"

var (
	ErrNoSessionID = errors.New("no sessionID was received")
	ErrNoEndpoint  = errors.New("no endpoint was received")
)

// FSM states for the voice gateway connection. Opening leads either to
// Identifying (fresh connect) or Resuming (reconnect). READY moves
// Identifying on to TransportSelect, then AwaitDescription and Live;
// RESUMED moves Resuming straight to Live.
const (
	StateOpening          = "opening"
	StateIdentifying      = "identifying"
	StateResuming         = "resuming"
	StateTransportSelect  = "transport_select"
	StateAwaitDescription = "await_description"
	StateLive             = "live"
	StateClosed           = "closed"
)

func newFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateOpening,
		fsm.Events{
			{Name: "identify", Src: []string{StateOpening}, Dst: StateIdentifying},
			{Name: "resume", Src: []string{StateOpening}, Dst: StateResuming},
			{Name: "ready", Src: []string{StateIdentifying}, Dst: StateTransportSelect},
			{Name: "resumed", Src: []string{StateResuming}, Dst: StateLive},
			{Name: "select_protocol", Src: []string{StateTransportSelect}, Dst: StateAwaitDescription},
			{Name: "session_description", Src: []string{StateAwaitDescription}, Dst: StateLive},
			{Name: "close", Src: []string{
				StateOpening, StateIdentifying, StateResuming,
				StateTransportSelect, StateAwaitDescription, StateLive,
			}, Dst: StateClosed},
		},
		nil,
	)
}

// State is the constant identifying information needed to identify or
// resume a voice gateway session. It's supplied by the Supervisor once it
// has paired a VOICE_SERVER_UPDATE with a VOICE_STATE_UPDATE.
type State struct {
	GuildID   discord.GuildID
	ChannelID discord.ChannelID
	UserID    discord.UserID

	SessionID string
	Token     string
	Endpoint  string
}

// Gateway is a single voice gateway connection. It is not safe for
// concurrent use outside of the methods explicitly documented as such.
type Gateway struct {
	state State

	mutex sync.RWMutex
	ready ReadyEvent

	machine *fsm.FSM

	gw     *ws.Gateway
	cancel context.CancelFunc
	clock  lazytime.Clock
	pace   *heart.Pacemaker

	Timeout time.Duration

	// HeartbeatGrace overrides how many missed heartbeat-interval ACKs the
	// pacemaker tolerates before GatewayStale fires. Zero keeps heart's
	// default of 2.
	HeartbeatGrace int

	// ErrorLog is called on every background error the event loop runs
	// into (failed reconnects, unknown opcodes, ...).
	ErrorLog func(err error)
	// AfterClose is called after every close, successful or not.
	AfterClose func(err error)

	live    chan error
	liveSet bool

	sessDesc chan *SessionDescriptionEvent

	events EventHandler

	// resumeRequested is set by MarkResuming before OpenCtx is called, to
	// tell the Hello handler whether to IDENTIFY or RESUME.
	resumeRequested bool
	// resumed is set once a RESUMED event lands, so a caller can tell
	// whether a successful OpenCtx took the fresh-IDENTIFY or the
	// RESUME path without inspecting FSM internals.
	resumed bool

	// GatewayStale is signaled once, non-blocking, the first time the
	// heartbeat pacemaker decides the connection is dead (no ACK within
	// two heartbeat intervals). The Supervisor watches this to trigger a
	// RESUME-based reconnect instead of waiting for the remote close.
	GatewayStale chan struct{}
}

// New creates a new, unopened Gateway for state.
func New(state State) *Gateway {
	return NewWithClock(state, lazytime.RealClock{})
}

// NewWithClock is New with an injectable Clock, for deterministic tests.
func NewWithClock(state State, clock lazytime.Clock) *Gateway {
	return &Gateway{
		state:      state,
		clock:      clock,
		machine:    newFSM(),
		Timeout:    10 * time.Second,
		ErrorLog:     func(error) {},
		AfterClose:   func(error) {},
		events:       handler.New[ws.Event](),
		GatewayStale: make(chan struct{}, 1),
	}
}

// Resumed reports whether the last successful OpenCtx took the RESUME path
// (as opposed to a fresh IDENTIFY).
func (c *Gateway) Resumed() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.resumed
}

// Events returns the handler that every op this Gateway receives is
// dispatched to, after OnOp has already applied its internal state
// transitions. Callers add their own observers with handler.Add /
// handler.AddSynchronous; this never affects the Gateway's own behavior.
func (c *Gateway) Events() handler.Handler[ws.Event] {
	return c.events
}

// Ready returns the last READY payload received.
func (c *Gateway) Ready() ReadyEvent {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.ready
}

// State returns the gateway's (immutable) identifying state.
func (c *Gateway) State() State {
	return c.state
}

// CurrentState returns the current FSM state name, one of the State*
// constants.
func (c *Gateway) CurrentState() string {
	return c.machine.Current()
}

// OpenCtx dials the voice gateway and blocks until READY (or RESUMED, after
// MarkResuming) arrives, the IDENTIFY/RESUME handshake fails, or ctx
// expires. SELECT_PROTOCOL and SESSION_DESCRIPTION come after it returns.
func (c *Gateway) OpenCtx(ctx context.Context) error {
	if c.state.Endpoint == "" {
		return ErrNoEndpoint
	}

	endpoint := "wss://" + strings.TrimSuffix(c.state.Endpoint, ":80") + "/?v=" + Version

	codec := ws.NewCodec(unmarshalers())
	websocket := ws.NewWebsocket(codec, endpoint)

	opts := ws.DefaultGatewayOpts
	opts.DialTimeout = c.Timeout

	c.gw = ws.NewGateway(websocket, &opts)

	c.mutex.Lock()
	c.live = make(chan error, 1)
	c.liveSet = false
	c.mutex.Unlock()

	dialCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	ops := c.gw.Connect(dialCtx, c)

	ophandler.Loop[ws.Event](ops, c.events)

	select {
	case err := <-c.live:
		if err != nil {
			cancel()
			return err
		}
		return nil
	case <-ctx.Done():
		cancel()
		return errors.Wrap(ctx.Err(), "timed out waiting for voice gateway to become ready")
	}
}

func (c *Gateway) signalLive(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.liveSet {
		return
	}
	c.liveSet = true
	c.live <- err
}

// OnOp implements ws.Handler.
func (c *Gateway) OnOp(ctx context.Context, op ws.Op) bool {
	switch data := op.Data.(type) {
	case *ws.CloseEvent:
		c.ErrorLog(data)
		return false

	case *ws.BackgroundErrorEvent:
		c.ErrorLog(data)
		return true

	case *HelloEvent:
		c.pace = heartPacemaker(data.HeartbeatInterval.Duration(), func(ctx context.Context) error {
			return c.HeartbeatCtx(ctx)
		})
		c.pace.Grace = c.HeartbeatGrace
		c.gw.ResetHeartbeat(data.HeartbeatInterval.Duration())

		var err error
		if c.resumeRequested && c.state.SessionID != "" {
			err = c.machine.Event(ctx, "resume")
			if err == nil {
				err = c.ResumeCtx(ctx)
			}
		} else {
			err = c.machine.Event(ctx, "identify")
			if err == nil {
				err = c.IdentifyCtx(ctx)
			}
		}
		if err != nil {
			c.signalLive(errors.Wrap(err, "failed to identify or resume"))
			return false
		}

	case *ReadyEvent:
		c.mutex.Lock()
		c.ready = *data
		c.resumed = false
		c.mutex.Unlock()

		if err := c.machine.Event(ctx, "ready"); err != nil {
			c.signalLive(errors.Wrap(err, "unexpected READY"))
			return false
		}
		c.signalLive(nil)

	case *ResumedEvent:
		c.mutex.Lock()
		c.resumed = true
		c.mutex.Unlock()

		if err := c.machine.Event(ctx, "resumed"); err != nil {
			c.signalLive(errors.Wrap(err, "unexpected RESUMED"))
			return false
		}
		c.signalLive(nil)

	case *SessionDescriptionEvent:
		if c.machine.Is(StateAwaitDescription) {
			c.machine.Event(ctx, "session_description")
		}

		c.mutex.RLock()
		ch := c.sessDesc
		c.mutex.RUnlock()
		if ch != nil {
			select {
			case ch <- data:
			default:
			}
		}

	case *HeartbeatACKEvent:
		if c.pace != nil {
			c.pace.Echo()
		}
	}

	return true
}

// MarkResuming tells the next OpenCtx call to attempt RESUME instead of
// IDENTIFY. The Supervisor calls this when reopening a gateway that still
// has a valid SessionID after a transient disconnect.
func (c *Gateway) MarkResuming() {
	c.resumeRequested = true
}

// SendHeartbeat implements ws.Handler.
func (c *Gateway) SendHeartbeat(ctx context.Context) {
	if c.pace == nil {
		return
	}
	if err := c.pace.PaceCtx(ctx); err != nil {
		c.ErrorLog(errors.Wrap(err, "voice heartbeat pacer failed"))

		if errors.Is(err, heart.ErrDead) {
			select {
			case c.GatewayStale <- struct{}{}:
			default:
			}
		}
	}
}

// Close implements ws.Handler. It's invoked by the underlying ws.Gateway
// event loop itself once the connection closes, whether that was caused
// by CloseGateway or by the remote end.
func (c *Gateway) Close() error {
	c.machine.Event(context.Background(), "close")
	c.AfterClose(nil)
	return nil
}

// CloseGateway tears the connection down from the caller's side. It is
// safe to call even if OpenCtx never completed.
func (c *Gateway) CloseGateway() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	if c.pace != nil {
		c.pace.Stop()
	}
	return nil
}

func heartPacemaker(interval time.Duration, pacer func(context.Context) error) *heart.Pacemaker {
	p := heart.NewPacemaker(interval, pacer)
	return &p
}

// SessionDescriptionCtx sends SELECT_PROTOCOL and blocks for the matching
// SESSION_DESCRIPTION.
func (c *Gateway) SessionDescriptionCtx(ctx context.Context, sp SelectProtocol) (*SessionDescriptionEvent, error) {
	if err := c.machine.Event(ctx, "select_protocol"); err != nil {
		return nil, errors.Wrap(err, "cannot select protocol in current state")
	}

	ch := make(chan *SessionDescriptionEvent, 1)
	c.mutex.Lock()
	c.sessDesc = ch
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		c.sessDesc = nil
		c.mutex.Unlock()
	}()

	if err := c.SelectProtocolCtx(ctx, sp); err != nil {
		return nil, err
	}

	select {
	case desc := <-ch:
		return desc, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "timed out waiting for session description")
	}
}

// Send sends an event payload with the default timeout.
func (c *Gateway) Send(v ws.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	return c.SendCtx(ctx, v)
}

// SendCtx sends an event payload over the gateway.
func (c *Gateway) SendCtx(ctx context.Context, v ws.Event) error {
	if c.gw == nil {
		return errors.New("voicegateway: tried to send before opening")
	}
	return c.gw.Send(ctx, v)
}
