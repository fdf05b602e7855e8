package gateway

import (
	"context"
	"sync"

	"github.com/relaytone/voicecore/utils/handler"
)

// Sender is the subset of a bot's main-gateway client that the voice
// adapter needs: the ability to push an opcode payload down whatever
// connection is currently open. A real bot's gateway client satisfies
// this without any changes.
type Sender interface {
	SendCtx(ctx context.Context, opcode int, data interface{}) error
}

type eventBus interface {
	handler.Dispatcher[interface{}]
	handler.Handler[interface{}]
}

// Adapter is the main-gateway voice adapter (C4). A Supervisor never talks
// to the bot's main gateway client directly: it sends UPDATE_VOICE_STATE
// through Adapter.UpdateVoiceState, and learns about VOICE_SERVER_UPDATE /
// VOICE_STATE_UPDATE dispatches through the two subscription methods. This
// indirection is what lets a Supervisor be driven by a MockAdapter in
// tests without a live gateway connection.
type Adapter interface {
	// UpdateVoiceState sends an op4 payload requesting a voice channel
	// join, move, or leave.
	UpdateVoiceState(ctx context.Context, data UpdateVoiceStateData) error
	// OnVoiceServerUpdate registers a callback for every dispatched
	// VoiceServerUpdateEvent. The returned func removes the callback.
	OnVoiceServerUpdate(fn func(*VoiceServerUpdateEvent)) (rm func())
	// OnVoiceStateUpdate registers a callback for every dispatched
	// VoiceStateUpdateEvent.
	OnVoiceStateUpdate(fn func(*VoiceStateUpdateEvent)) (rm func())
}

// RealAdapter adapts a live Sender into an Adapter. The owning bot's
// gateway event loop is responsible for calling Dispatch with every
// VOICE_SERVER_UPDATE and VOICE_STATE_UPDATE it receives; RealAdapter does
// not open or read a connection itself.
type RealAdapter struct {
	sender Sender
	events eventBus
}

// NewRealAdapter wraps sender into an Adapter.
func NewRealAdapter(sender Sender) *RealAdapter {
	return &RealAdapter{
		sender: sender,
		events: handler.New[interface{}](),
	}
}

func (a *RealAdapter) UpdateVoiceState(ctx context.Context, data UpdateVoiceStateData) error {
	return a.sender.SendCtx(ctx, VoiceStateUpdateOP, data)
}

// Dispatch feeds a dispatch event from the main gateway to every
// subscriber. Events of a type nobody is subscribed to are silently
// dropped.
func (a *RealAdapter) Dispatch(ev interface{}) {
	a.events.Dispatch(ev)
}

func (a *RealAdapter) OnVoiceServerUpdate(fn func(*VoiceServerUpdateEvent)) func() {
	return handler.AddSynchronous[interface{}, *VoiceServerUpdateEvent](a.events, fn)
}

func (a *RealAdapter) OnVoiceStateUpdate(fn func(*VoiceStateUpdateEvent)) func() {
	return handler.AddSynchronous[interface{}, *VoiceStateUpdateEvent](a.events, fn)
}

// MockAdapter is an in-memory Adapter for tests. Calling Emit* delivers an
// event synchronously to subscribers exactly as a real dispatch would;
// Sent records every UpdateVoiceState call for assertions.
type MockAdapter struct {
	events eventBus

	mu      sync.Mutex
	sent    []UpdateVoiceStateData
	sendErr error
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{events: handler.New[interface{}]()}
}

func (m *MockAdapter) UpdateVoiceState(ctx context.Context, data UpdateVoiceStateData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}

	m.sent = append(m.sent, data)
	return nil
}

func (m *MockAdapter) OnVoiceServerUpdate(fn func(*VoiceServerUpdateEvent)) func() {
	return handler.AddSynchronous[interface{}, *VoiceServerUpdateEvent](m.events, fn)
}

func (m *MockAdapter) OnVoiceStateUpdate(fn func(*VoiceStateUpdateEvent)) func() {
	return handler.AddSynchronous[interface{}, *VoiceStateUpdateEvent](m.events, fn)
}

// EmitVoiceServerUpdate delivers ev to every OnVoiceServerUpdate
// subscriber, blocking until all of them have returned.
func (m *MockAdapter) EmitVoiceServerUpdate(ev *VoiceServerUpdateEvent) {
	m.events.Dispatch(ev)
}

// EmitVoiceStateUpdate delivers ev to every OnVoiceStateUpdate subscriber.
func (m *MockAdapter) EmitVoiceStateUpdate(ev *VoiceStateUpdateEvent) {
	m.events.Dispatch(ev)
}

// Sent returns a copy of every UpdateVoiceStateData sent so far.
func (m *MockAdapter) Sent() []UpdateVoiceStateData {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]UpdateVoiceStateData, len(m.sent))
	copy(out, m.sent)
	return out
}

// FailNextSend makes the next UpdateVoiceState call return err.
func (m *MockAdapter) FailNextSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

var (
	_ Adapter = (*RealAdapter)(nil)
	_ Adapter = (*MockAdapter)(nil)
)
