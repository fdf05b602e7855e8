package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/relaytone/voicecore/discord"
	"github.com/relaytone/voicecore/gateway"
	"github.com/relaytone/voicecore/internal/heart"
	"github.com/relaytone/voicecore/utils/handler"
	"github.com/relaytone/voicecore/utils/json"
	"github.com/relaytone/voicecore/utils/ws"
	"github.com/relaytone/voicecore/utils/ws/ophandler"
)

// gatewayURL is Discord's main gateway endpoint. The probe speaks only the
// slice of the protocol voice depends on (IDENTIFY, HELLO/HEARTBEAT, and
// the two voice dispatch events); everything else arikawa's real gateway
// client does (sharding, resume, presence, the full intents surface) is out
// of scope here.
const gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// intentGuilds and intentGuildVoiceStates are the only two gateway intents
// the probe needs: GUILD_CREATE (to let Discord consider the connection
// ready) and VOICE_STATE_UPDATE/VOICE_SERVER_UPDATE.
const (
	intentGuilds           = 1 << 0
	intentGuildVoiceStates = 1 << 7
)

const (
	dispatchOP     ws.OpCode = 0
	heartbeatOP    ws.OpCode = 1
	identifyOP     ws.OpCode = 2
	helloOP        ws.OpCode = 10
	heartbeatAckOP ws.OpCode = 11
)

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

func (identifyData) Op() ws.OpCode           { return identifyOP }
func (identifyData) EventType() ws.EventType { return "" }

type heartbeatData int64

func (heartbeatData) Op() ws.OpCode           { return heartbeatOP }
func (heartbeatData) EventType() ws.EventType { return "" }

// helloOp reuses gateway.HelloEvent's shape (same JSON tag the C4 adapter
// package already defines) rather than redeclaring heartbeat_interval.
type helloOp struct{ gateway.HelloEvent }

func (helloOp) Op() ws.OpCode           { return helloOP }
func (helloOp) EventType() ws.EventType { return "" }

type heartbeatAckOp struct{}

func (heartbeatAckOp) Op() ws.OpCode           { return heartbeatAckOP }
func (heartbeatAckOp) EventType() ws.EventType { return "" }

// readyOp only captures the "user" field of READY; everything else (guilds,
// session_id, resume_gateway_url, ...) is irrelevant to a one-shot voice
// smoke test that never resumes its main-gateway connection.
type readyOp struct {
	User struct {
		ID discord.UserID `json:"id"`
	} `json:"user"`
}

func (readyOp) Op() ws.OpCode           { return dispatchOP }
func (readyOp) EventType() ws.EventType { return "READY" }

// guildCreateOp is registered purely so GUILD_CREATE dispatches (which
// arrive once per guild right after READY when the GUILDS intent is set)
// don't show up as UnknownEventError noise in the log.
type guildCreateOp struct{}

func (guildCreateOp) Op() ws.OpCode           { return dispatchOP }
func (guildCreateOp) EventType() ws.EventType { return "GUILD_CREATE" }

type voiceServerUpdateOp struct{ gateway.VoiceServerUpdateEvent }

func (voiceServerUpdateOp) Op() ws.OpCode           { return dispatchOP }
func (voiceServerUpdateOp) EventType() ws.EventType { return "VOICE_SERVER_UPDATE" }

type voiceStateUpdateOp struct{ gateway.VoiceStateUpdateEvent }

func (voiceStateUpdateOp) Op() ws.OpCode           { return dispatchOP }
func (voiceStateUpdateOp) EventType() ws.EventType { return "VOICE_STATE_UPDATE" }

func mainGatewayUnmarshalers() ws.OpUnmarshalers {
	return ws.NewOpUnmarshalers(
		func() ws.Event { return &helloOp{} },
		func() ws.Event { return &heartbeatAckOp{} },
		func() ws.Event { return &readyOp{} },
		func() ws.Event { return &guildCreateOp{} },
		func() ws.Event { return &voiceServerUpdateOp{} },
		func() ws.Event { return &voiceStateUpdateOp{} },
	)
}

// mainGateway is the probe's minimal stand-in for a bot's main-gateway
// client. It implements gateway.Sender directly, so a gateway.RealAdapter
// can drive UpdateVoiceState through it, and it feeds every voice dispatch
// it sees into that same adapter's Dispatch method.
type mainGateway struct {
	token   string
	adapter *gateway.RealAdapter

	ErrorLog func(err error)

	gw     *ws.Gateway
	cancel context.CancelFunc
	pace   *heart.Pacemaker
	seq    atomic.Int64

	mu      sync.Mutex
	live    chan error
	liveSet bool
	userID  discord.UserID
}

// newMainGateway constructs an unopened client. Its adapter field is set
// separately by the caller, since gateway.NewRealAdapter itself needs a
// Sender, creating a construction cycle a single constructor can't resolve.
func newMainGateway(token string) *mainGateway {
	return &mainGateway{
		token:    token,
		ErrorLog: func(error) {},
	}
}

// UserID returns the bot's own user ID, learned from READY. It's only valid
// after Open returns successfully.
func (mg *mainGateway) UserID() discord.UserID {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return mg.userID
}

// Open dials the main gateway and blocks until IDENTIFY completes (READY is
// received) or ctx expires.
func (mg *mainGateway) Open(ctx context.Context) error {
	codec := ws.NewCodec(mainGatewayUnmarshalers())
	websocket := ws.NewWebsocket(codec, gatewayURL)

	opts := ws.DefaultGatewayOpts
	opts.DialTimeout = 15 * time.Second

	mg.gw = ws.NewGateway(websocket, &opts)

	mg.mu.Lock()
	mg.live = make(chan error, 1)
	mg.liveSet = false
	mg.mu.Unlock()

	dialCtx, cancel := context.WithCancel(context.Background())
	mg.cancel = cancel
	// mg itself is the ws.Handler: OnOp already runs inside the Gateway's
	// own event loop for every Op. ophandler.Loop here only drains the
	// returned channel so that loop never blocks; nothing needs to observe
	// it a second time.
	ops := mg.gw.Connect(dialCtx, mg)
	ophandler.Loop[ws.Event](ops, handler.New[ws.Event]())

	select {
	case err := <-mg.live:
		if err != nil {
			cancel()
			return err
		}
		return nil
	case <-ctx.Done():
		cancel()
		return errors.Wrap(ctx.Err(), "timed out waiting for main gateway to become ready")
	}
}

// Close tears the connection down.
func (mg *mainGateway) Close() error {
	if mg.cancel != nil {
		mg.cancel()
	}
	if mg.pace != nil {
		mg.pace.Stop()
	}
	return nil
}

func (mg *mainGateway) signalLive(err error) {
	mg.mu.Lock()
	defer mg.mu.Unlock()

	if mg.liveSet {
		return
	}
	mg.liveSet = true
	mg.live <- err
}

// SendCtx implements gateway.Sender.
func (mg *mainGateway) SendCtx(ctx context.Context, opcode int, data interface{}) error {
	return mg.gw.Send(ctx, genericEvent{ws.OpCode(opcode), data})
}

// genericEvent adapts an arbitrary opcode/payload pair (as gateway.Sender's
// interface requires) into a ws.Event without a dedicated type per command.
type genericEvent struct {
	opcode ws.OpCode
	data   interface{}
}

func (g genericEvent) Op() ws.OpCode           { return g.opcode }
func (g genericEvent) EventType() ws.EventType { return "" }
func (g genericEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.data)
}

// OnOp implements ws.Handler.
func (mg *mainGateway) OnOp(ctx context.Context, op ws.Op) bool {
	if op.Sequence != 0 {
		mg.seq.Store(op.Sequence)
	}

	switch data := op.Data.(type) {
	case *ws.CloseEvent:
		mg.ErrorLog(data)
		return false

	case *ws.BackgroundErrorEvent:
		mg.ErrorLog(data)
		return true

	case *helloOp:
		interval := data.HeartbeatInterval.Duration()
		p := heart.NewPacemaker(interval, mg.heartbeatCtx)
		mg.pace = &p
		mg.gw.ResetHeartbeat(interval)

		if err := mg.gw.Send(ctx, identifyData{
			Token:   mg.token,
			Intents: intentGuilds | intentGuildVoiceStates,
			Properties: identifyProperties{
				OS:      "linux",
				Browser: "voicecore-probe",
				Device:  "voicecore-probe",
			},
		}); err != nil {
			mg.signalLive(errors.Wrap(err, "failed to identify"))
			return false
		}

	case *readyOp:
		mg.mu.Lock()
		mg.userID = data.User.ID
		mg.mu.Unlock()
		mg.signalLive(nil)

	case *heartbeatAckOp:
		if mg.pace != nil {
			mg.pace.Echo()
		}

	case *voiceServerUpdateOp:
		mg.adapter.Dispatch(&data.VoiceServerUpdateEvent)

	case *voiceStateUpdateOp:
		mg.adapter.Dispatch(&data.VoiceStateUpdateEvent)
	}

	return true
}

func (mg *mainGateway) heartbeatCtx(ctx context.Context) error {
	return mg.gw.Send(ctx, heartbeatData(mg.seq.Load()))
}

// SendHeartbeat implements ws.Handler.
func (mg *mainGateway) SendHeartbeat(ctx context.Context) {
	if mg.pace == nil {
		return
	}
	if err := mg.pace.PaceCtx(ctx); err != nil {
		mg.ErrorLog(errors.Wrap(err, "main gateway heartbeat pacer failed"))
	}
}

var _ gateway.Sender = (*mainGateway)(nil)
