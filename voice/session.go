// Package voice ties the voice gateway (C3) and UDP transport (C2)
// together into a single per-guild voice connection, driven by a state
// machine (the Supervisor) that pairs VOICE_SERVER_UPDATE/VOICE_STATE_UPDATE
// events from the main gateway, authenticates, and establishes the audio
// transport.
package voice

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/relaytone/voicecore/discord"
	"github.com/relaytone/voicecore/gateway"
	"github.com/relaytone/voicecore/voice/rtp"
	"github.com/relaytone/voicecore/voice/scheduler"
	"github.com/relaytone/voicecore/voice/udp"
	"github.com/relaytone/voicecore/voice/voicegateway"
	"github.com/relaytone/voicecore/voiceconfig"
	"github.com/relaytone/voicecore/voiceerr"
	"github.com/relaytone/voicecore/voicemetrics"
)

// WSTimeout is the duration to wait for a gateway operation, including the
// full connect handshake, to complete before erroring out.
const WSTimeout = 25 * time.Second

// pairTimeout is how long JoinChannel waits for VOICE_SERVER_UPDATE and
// VOICE_STATE_UPDATE to both arrive before re-sending the voice state
// update once and giving it one more pairTimeout before giving up.
const pairTimeout = 10 * time.Second

// maxReconnectAttempts caps how many times recoverFromStale retries before
// giving up and destroying the Session.
const maxReconnectAttempts = 5

// ErrAlreadyConnecting is returned by JoinChannel when the Session is
// neither Disconnected nor Reconnecting, e.g. while a previous JoinChannel
// on the same Session hasn't finished yet.
var ErrAlreadyConnecting = errors.New("already connecting")

// ErrVoiceInfoTimeout is returned by JoinChannel when VOICE_SERVER_UPDATE
// and VOICE_STATE_UPDATE haven't both arrived in time, even after
// one retry of the voice state update.
var ErrVoiceInfoTimeout = errors.New("timed out waiting for voice server/state update")

// ErrNotReady is returned by SendAudio and SetSpeaking when the Supervisor
// isn't in StateReady, enforcing that no audio packet or speaking-state
// change ever reaches the wire against a connection that isn't live.
var ErrNotReady = errors.New("voice session is not ready")

// audioQueueSize bounds how many encoded frames SendAudio may queue ahead
// of the Scheduler's 20ms pacing tick before it starts reporting the queue
// as full, rather than let a fast producer build unbounded latency.
const audioQueueSize = 16

// Supervisor states. A Session moves through these linearly on a fresh
// join; Reconnecting re-enters the pipeline at Connecting without the
// caller having to call Join again.
const (
	StateDisconnected          = "disconnected"
	StateConnecting            = "connecting"
	StateAwaitingVoiceInfo     = "awaiting_voice_info"
	StateAuthenticating        = "authenticating"
	StateEstablishingTransport = "establishing_transport"
	StateReady                 = "ready"
	StateReconnecting          = "reconnecting"
	StateDestroyed             = "destroyed"
)

func newSupervisorFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: "connect", Src: []string{StateDisconnected, StateReconnecting}, Dst: StateConnecting},
			{Name: "sent_voice_state", Src: []string{StateConnecting}, Dst: StateAwaitingVoiceInfo},
			{Name: "paired", Src: []string{StateAwaitingVoiceInfo}, Dst: StateAuthenticating},
			{Name: "authenticated", Src: []string{StateAuthenticating}, Dst: StateEstablishingTransport},
			{Name: "transport_ready", Src: []string{StateEstablishingTransport}, Dst: StateReady},
			{Name: "reconnect", Src: []string{
				StateConnecting, StateAwaitingVoiceInfo, StateAuthenticating,
				StateEstablishingTransport, StateReady,
			}, Dst: StateReconnecting},
			{Name: "disconnect", Src: []string{
				StateConnecting, StateAwaitingVoiceInfo, StateAuthenticating,
				StateEstablishingTransport, StateReady, StateReconnecting,
			}, Dst: StateDisconnected},
			{Name: "destroy", Src: []string{
				StateDisconnected, StateConnecting, StateAwaitingVoiceInfo, StateAuthenticating,
				StateEstablishingTransport, StateReady, StateReconnecting,
			}, Dst: StateDestroyed},
		},
		nil,
	)
}

// ReconnectError is emitted via Session.ErrorLog every time the voice
// connection has to be torn down and reconnected.
type ReconnectError struct {
	Err error
}

func (e ReconnectError) Error() string { return "voice reconnect error: " + e.Err.Error() }
func (e ReconnectError) Unwrap() error { return e.Err }

// Session is a single guild's voice connection Supervisor. It owns the
// voice gateway connection and the UDP transport, and reacts to
// VOICE_SERVER_UPDATE/VOICE_STATE_UPDATE dispatched through its Adapter.
type Session struct {
	adapter gateway.Adapter

	mu      sync.Mutex
	machine *fsm.FSM

	state voicegateway.State // guarded by mu except UserID, set once at construction

	gw       *voicegateway.Gateway
	conn     *udp.Connection
	detachFn []func()

	pairCh chan struct{} // closed once both halves of voice info have arrived

	// Scheduler paces audio queued through SendAudio to Discord's 20ms
	// frame interval. audioQueue is the FrameSource that feeds sub; sub
	// fans queued frames out to whichever *udp.Connection is currently
	// live, and owns the silence tail SetSpeaking drives.
	Scheduler  *scheduler.Scheduler
	audioQueue scheduler.ChannelSource
	sub        *scheduler.Subscription

	// ErrorLog is called with a ReconnectError every time the connection
	// drops and is re-established, and with any other background error.
	ErrorLog func(err error)

	// DialUDP is the dialer used to establish the transport; overridable
	// for tests.
	DialUDP udp.DialFunc

	// PairTimeout is how long JoinChannel waits for voice info to pair
	// before resending the voice state update, and again before giving up
	// with ErrVoiceInfoTimeout. Defaults to pairTimeout; tests shrink it.
	PairTimeout time.Duration

	// AutoReconnect controls whether recoverFromStale attempts RESUME or a
	// full reconnect at all. When false, a stale gateway or transport goes
	// straight to Destroy. Defaults to true.
	AutoReconnect bool

	// MaxReconnectAttempts caps how many full-handshake retries
	// recoverFromStale makes (after its single RESUME attempt) before
	// giving up and destroying the Session. Defaults to maxReconnectAttempts.
	MaxReconnectAttempts int

	// PreferredModes overrides rtp.PreferredModes for the encryption mode
	// negotiated in establish. Defaults to rtp.PreferredModes.
	PreferredModes []rtp.Mode

	// HeartbeatGrace is forwarded to every voicegateway.Gateway this
	// Session opens, overriding how many missed heartbeat ACKs are
	// tolerated before GatewayStale fires. Zero keeps the gateway's own
	// default.
	HeartbeatGrace int

	// establishFn drives the gateway+UDP handshake once voice info is
	// paired. It defaults to s.establish; tests substitute a stub so the
	// pairing/FSM logic can be exercised without a live voice server.
	establishFn func(ctx context.Context, state voicegateway.State) error
}

// NewSession creates a Session for userID, driven by adapter.
func NewSession(adapter gateway.Adapter, userID discord.UserID) *Session {
	s := &Session{
		adapter:              adapter,
		machine:              newSupervisorFSM(),
		state:                voicegateway.State{UserID: userID},
		DialUDP:              udp.DialConnection,
		ErrorLog:             func(error) {},
		PairTimeout:          pairTimeout,
		AutoReconnect:        true,
		MaxReconnectAttempts: maxReconnectAttempts,
		PreferredModes:       rtp.PreferredModes,
		Scheduler:            scheduler.New(),
		audioQueue:           make(scheduler.ChannelSource, audioQueueSize),
	}
	s.establishFn = s.establish
	s.sub = s.Scheduler.Register(s.audioQueue, scheduler.BehaviorPause)
	s.sub.ErrorLog = func(err error) { s.ErrorLog(err) }

	s.detachFn = []func(){
		adapter.OnVoiceServerUpdate(s.onVoiceServerUpdate),
		adapter.OnVoiceStateUpdate(s.onVoiceStateUpdate),
	}

	return s
}

// ApplyConfig applies every environment-recognized voiceconfig.Config
// setting to this Session: reconnect policy, preferred encryption modes,
// the Subscription's empty-behavior and max-missed-frames, and the
// heartbeat grace every future voicegateway.Gateway this Session opens
// will use.
func (s *Session) ApplyConfig(cfg *voiceconfig.Config) {
	s.AutoReconnect = cfg.AutoReconnect
	s.MaxReconnectAttempts = int(cfg.MaxReconnectAttempts)
	s.HeartbeatGrace = int(cfg.HeartbeatGrace)

	if modes, ok := cfg.Modes(); ok {
		s.PreferredModes = modes
	}

	s.sub.SetBehaviorOnEmpty(cfg.Behavior())
	s.sub.SetMaxMissedFrames(int(cfg.MaxMissedFrames))
}

// CurrentState returns the current Supervisor FSM state, one of the State*
// constants.
func (s *Session) CurrentState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

func (s *Session) onVoiceServerUpdate(ev *gateway.VoiceServerUpdateEvent) {
	s.mu.Lock()

	if s.state.GuildID != ev.GuildID {
		s.mu.Unlock()
		return
	}

	// Discord re-sends VOICE_SERVER_UPDATE to move a live session to a new
	// voice server (region change, server migration). If we're already
	// past the handshake, this isn't a pairing event: it's a forced
	// reconnect to the new endpoint.
	alreadyLive := s.machine.Is(StateReady) || s.machine.Is(StateEstablishingTransport)

	s.state.Token = ev.Token
	s.state.Endpoint = ev.Endpoint

	if alreadyLive {
		state := s.state
		s.machine.Event(context.Background(), "reconnect")
		s.mu.Unlock()
		go s.reestablish(state)
		return
	}

	s.maybePaired()
	s.mu.Unlock()
}

// reestablish redials the gateway and transport after a forced
// reconnect, without requiring the caller to call JoinChannel again.
func (s *Session) reestablish(state voicegateway.State) {
	s.mu.Lock()
	oldGW, oldConn := s.gw, s.conn
	s.gw, s.conn = nil, nil
	s.mu.Unlock()

	if oldGW != nil {
		oldGW.CloseGateway()
	}
	if oldConn != nil {
		s.sub.RemoveConnection(oldConn)
		oldConn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), WSTimeout)
	defer cancel()

	s.mu.Lock()
	s.machine.Event(ctx, "connect")
	s.machine.Event(ctx, "sent_voice_state")
	s.machine.Event(ctx, "paired")
	s.mu.Unlock()

	if err := s.establishFn(ctx, state); err != nil {
		s.failAndDisconnect(ctx)
		s.ErrorLog(ReconnectError{err})
	}
}

func (s *Session) onVoiceStateUpdate(ev *gateway.VoiceStateUpdateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.GuildID != ev.GuildID || s.state.UserID != ev.UserID {
		return
	}
	s.state.SessionID = ev.SessionID
	s.state.ChannelID = ev.ChannelID
	s.maybePaired()
}

// maybePaired signals pairCh once both VOICE_SERVER_UPDATE and
// VOICE_STATE_UPDATE have filled in the state. Caller must hold s.mu.
func (s *Session) maybePaired() {
	if s.pairCh == nil {
		return
	}
	if s.state.Token != "" && s.state.Endpoint != "" && s.state.SessionID != "" {
		close(s.pairCh)
		s.pairCh = nil
	}
}

// awaitPaired waits up to pairTimeout for pairCh to close. If it times out,
// it re-sends the voice state update once (the initial one may have been
// dropped by the main gateway) and gives it one more pairTimeout before
// surfacing ErrVoiceInfoTimeout.
func (s *Session) awaitPaired(
	ctx context.Context, pairCh chan struct{},
	guildID discord.GuildID, channelID discord.ChannelID, mute, deaf bool) error {

	first := time.NewTimer(s.PairTimeout)
	defer first.Stop()

	select {
	case <-pairCh:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out waiting for voice server/state update")
	case <-first.C:
	}

	if err := s.adapter.UpdateVoiceState(ctx, gateway.UpdateVoiceStateData{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  mute,
		SelfDeaf:  deaf,
	}); err != nil {
		return errors.Wrap(err, "failed to resend voice state update")
	}

	second := time.NewTimer(s.PairTimeout)
	defer second.Stop()

	select {
	case <-pairCh:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out waiting for voice server/state update")
	case <-second.C:
		voicemetrics.ErrorsTotal.WithLabelValues(string(voiceerr.KindTimeout)).Inc()
		return ErrVoiceInfoTimeout
	}
}

// JoinChannel joins channelID in guildID, blocking until the full handshake
// (voice info pairing, gateway authentication, UDP transport) completes or
// ctx expires.
func (s *Session) JoinChannel(
	ctx context.Context, guildID discord.GuildID, channelID discord.ChannelID, mute, deaf bool) error {

	s.mu.Lock()
	if err := s.machine.Event(ctx, "connect"); err != nil {
		s.mu.Unlock()
		return ErrAlreadyConnecting
	}

	s.state.GuildID = guildID
	s.state.ChannelID = channelID
	s.state.Token = ""
	s.state.Endpoint = ""
	s.state.SessionID = ""

	pairCh := make(chan struct{})
	s.pairCh = pairCh
	s.mu.Unlock()

	if err := s.adapter.UpdateVoiceState(ctx, gateway.UpdateVoiceStateData{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  mute,
		SelfDeaf:  deaf,
	}); err != nil {
		s.failAndDisconnect(ctx)
		return errors.Wrap(err, "failed to send voice state update")
	}

	s.mu.Lock()
	s.machine.Event(ctx, "sent_voice_state")
	s.mu.Unlock()

	if err := s.awaitPaired(ctx, pairCh, guildID, channelID, mute, deaf); err != nil {
		s.failAndDisconnect(ctx)
		return err
	}

	s.mu.Lock()
	if err := s.machine.Event(ctx, "paired"); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "unexpected state when pairing voice info")
	}
	state := s.state
	s.mu.Unlock()

	if err := s.establishFn(ctx, state); err != nil {
		s.failAndDisconnect(ctx)
		return err
	}

	return nil
}

// establish drives the gateway+UDP handshake once voice info is paired.
func (s *Session) establish(ctx context.Context, state voicegateway.State) error {
	gw := voicegateway.New(state)
	gw.Timeout = WSTimeout
	gw.HeartbeatGrace = s.HeartbeatGrace

	if err := gw.OpenCtx(ctx); err != nil {
		return voiceerr.Wrap(voiceerr.KindGateway, err, "failed to open voice gateway")
	}

	s.mu.Lock()
	s.gw = gw
	s.machine.Event(ctx, "authenticated")
	s.mu.Unlock()

	ready := gw.Ready()

	conn, err := s.DialUDP(ctx, ready.Addr(), ready.SSRC)
	if err != nil {
		gw.CloseGateway()
		return voiceerr.Wrap(voiceerr.KindTransport, err, "failed to open voice UDP connection")
	}

	mode := rtp.Mode("")
	for _, want := range s.PreferredModes {
		for _, have := range ready.Modes {
			if string(want) == have {
				mode = want
				break
			}
		}
		if mode != "" {
			break
		}
	}
	if mode == "" {
		conn.Close()
		gw.CloseGateway()
		return voiceerr.Wrap(voiceerr.KindHandshake,
			errors.New("voice server offered no supported encryption mode"), "mode negotiation failed")
	}

	desc, err := gw.SessionDescriptionCtx(ctx, voicegateway.SelectProtocol{
		Protocol: "udp",
		Data: voicegateway.SelectProtocolData{
			Address: conn.GatewayIP,
			Port:    conn.GatewayPort,
			Mode:    string(mode),
		},
	})
	if err != nil {
		conn.Close()
		gw.CloseGateway()
		return voiceerr.Wrap(voiceerr.KindHandshake, err, "failed to select protocol")
	}

	conn.UseCipher(mode, desc.SecretKey)
	conn.StartKeepalive(context.Background(), 5*time.Second)

	s.mu.Lock()
	s.conn = conn
	s.machine.Event(ctx, "transport_ready")
	s.mu.Unlock()

	s.sub.AddConnection(conn)
	go s.watchStale(gw, conn)

	return nil
}

// watchStale waits for either half of a live connection to report itself
// stale (missed voice gateway heartbeats, or missed UDP keepalives), then
// hands off to recoverFromStale. It exits without acting if gw has since
// been replaced by a newer connection.
func (s *Session) watchStale(gw *voicegateway.Gateway, conn *udp.Connection) {
	select {
	case <-gw.GatewayStale:
		s.recoverFromStale(gw, conn, "gateway", errors.New("voice gateway heartbeat stale"))
	case <-conn.TransportStale:
		s.recoverFromStale(gw, conn, "transport", errors.New("voice UDP transport stale"))
	}
}

// recoverFromStale tears down the given connection pair and attempts to
// RESUME the voice gateway session, reusing the existing UDP transport (its
// secret key and SSRC are unaffected by a gateway-only reconnect). If
// RESUME doesn't land within WSTimeout, it falls back to a full handshake.
// Each attempt is spaced by min(1s*attempt, 5s); after MaxReconnectAttempts
// failures, or if AutoReconnect is false, the Session is destroyed.
func (s *Session) recoverFromStale(gw *voicegateway.Gateway, conn *udp.Connection, cause string, err error) {
	s.mu.Lock()
	if s.gw != gw {
		// A newer connection already superseded this one; nothing to do.
		s.mu.Unlock()
		return
	}
	state := s.state
	if err := s.machine.Event(context.Background(), "reconnect"); err != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.ErrorLog(ReconnectError{err})
	gw.CloseGateway()

	if !s.AutoReconnect {
		voicemetrics.ReconnectsTotal.WithLabelValues(cause, "exhausted").Inc()
		s.sub.RemoveConnection(conn)
		conn.Close()
		s.Destroy()
		return
	}

	// One RESUME attempt reusing the existing UDP transport, per spec: its
	// secret key and SSRC survive a gateway-only reconnect.
	if s.tryResume(state, conn) {
		voicemetrics.ReconnectsTotal.WithLabelValues(cause, "resumed").Inc()
		return
	}
	s.sub.RemoveConnection(conn)
	conn.Close()

	for attempt := 1; attempt <= s.MaxReconnectAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt) * time.Second
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
			time.Sleep(backoff)
		}

		ctx, cancel := context.WithTimeout(context.Background(), WSTimeout)
		s.mu.Lock()
		s.machine.Event(ctx, "connect")
		s.machine.Event(ctx, "sent_voice_state")
		s.machine.Event(ctx, "paired")
		s.mu.Unlock()

		err := s.establishFn(ctx, state)
		cancel()
		if err == nil {
			voicemetrics.ReconnectsTotal.WithLabelValues(cause, "restarted").Inc()
			return
		}

		s.ErrorLog(ReconnectError{err})
		s.mu.Lock()
		s.machine.Event(context.Background(), "reconnect")
		s.mu.Unlock()
	}

	voicemetrics.ReconnectsTotal.WithLabelValues(cause, "exhausted").Inc()
	s.ErrorLog(ReconnectError{errors.New("exhausted reconnect attempts")})
	s.Destroy()
}

// tryResume attempts a RESUME of the voice gateway against the surviving
// UDP transport. It reports whether the RESUME succeeded and the Session
// is live again.
func (s *Session) tryResume(state voicegateway.State, conn *udp.Connection) bool {
	ctx, cancel := context.WithTimeout(context.Background(), WSTimeout)
	defer cancel()

	gw := voicegateway.New(state)
	gw.Timeout = WSTimeout
	gw.HeartbeatGrace = s.HeartbeatGrace
	gw.MarkResuming()

	if err := gw.OpenCtx(ctx); err != nil || !gw.Resumed() {
		gw.CloseGateway()
		return false
	}

	s.mu.Lock()
	s.machine.Event(ctx, "connect")
	s.machine.Event(ctx, "sent_voice_state")
	s.machine.Event(ctx, "paired")
	s.gw = gw
	s.machine.Event(ctx, "authenticated")
	s.machine.Event(ctx, "transport_ready")
	s.mu.Unlock()

	go s.watchStale(gw, conn)
	return true
}

// failAndDisconnect moves the FSM back to Disconnected. The transition runs
// under a context without ctx's deadline, since ctx is often the very
// context whose expiry made the join fail.
func (s *Session) failAndDisconnect(ctx context.Context) {
	s.mu.Lock()
	s.machine.Event(context.WithoutCancel(ctx), "disconnect")
	s.mu.Unlock()
}

// Speaking tells Discord the bot is speaking.
func (s *Session) Speaking(ctx context.Context, flag voicegateway.SpeakingFlag) error {
	s.mu.Lock()
	gw := s.gw
	s.mu.Unlock()

	if gw == nil {
		return errors.New("session is not connected")
	}
	return gw.SpeakingCtx(ctx, flag)
}

// SendAudio queues an already Opus-encoded frame to be sent over the live
// UDP transport, paced by the Scheduler at Discord's 20ms frame interval.
// It returns ErrNotReady if the Supervisor isn't in StateReady, enforcing
// that no audio packet is ever emitted outside that state.
func (s *Session) SendAudio(frame []byte) error {
	if s.CurrentState() != StateReady {
		return ErrNotReady
	}

	select {
	case s.audioQueue <- frame:
		return nil
	default:
		return errors.New("voice audio queue full")
	}
}

// SetSpeaking tells Discord the bot's speaking state over the gateway and,
// on a speaking-to-quiet transition, arms the Subscription's 5-frame
// silence tail so listening clients don't interpolate audio out of an
// abrupt stop. Both halves are gated on StateReady so neither a SPEAKING
// opcode nor a silence frame ever reaches the wire while the connection
// isn't live.
func (s *Session) SetSpeaking(ctx context.Context, speaking bool) error {
	if s.CurrentState() != StateReady {
		return ErrNotReady
	}

	flag := voicegateway.SpeakingFlag(0)
	if speaking {
		flag = voicegateway.Microphone
	}
	if err := s.Speaking(ctx, flag); err != nil {
		return err
	}

	s.sub.SetSpeaking(speaking)
	return nil
}

// Leave disconnects the current voice session.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	guildID := s.state.GuildID
	gw := s.gw
	conn := s.conn
	s.gw = nil
	s.conn = nil
	s.mu.Unlock()

	if gw != nil {
		gw.CloseGateway()
	}
	if conn != nil {
		s.sub.RemoveConnection(conn)
		conn.Close()
	}

	err := s.adapter.UpdateVoiceState(ctx, gateway.UpdateVoiceStateData{
		GuildID:   guildID,
		ChannelID: discord.NullChannelID,
		SelfMute:  true,
		SelfDeaf:  true,
	})

	s.mu.Lock()
	s.machine.Event(ctx, "disconnect")
	s.mu.Unlock()

	return err
}

// Destroy tears the Session down permanently, detaching its event handlers.
func (s *Session) Destroy() {
	for _, detach := range s.detachFn {
		detach()
	}

	s.mu.Lock()
	gw := s.gw
	conn := s.conn
	s.gw = nil
	s.conn = nil
	s.machine.Event(context.Background(), "destroy")
	s.mu.Unlock()

	if gw != nil {
		gw.CloseGateway()
	}
	if conn != nil {
		s.sub.RemoveConnection(conn)
		conn.Close()
	}
	s.Scheduler.Unregister(s.sub)
	s.Scheduler.Close()
}
