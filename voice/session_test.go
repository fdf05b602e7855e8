package voice

import (
	"context"
	"testing"
	"time"

	"github.com/relaytone/voicecore/discord"
	"github.com/relaytone/voicecore/gateway"
	"github.com/relaytone/voicecore/voice/voicegateway"
)

func TestSessionJoinChannelHappyPath(t *testing.T) {
	adapter := gateway.NewMockAdapter()
	s := NewSession(adapter, discord.UserID(1))

	var establishedState voicegateway.State
	s.establishFn = func(ctx context.Context, state voicegateway.State) error {
		establishedState = state
		s.machine.Event(ctx, "authenticated")
		s.machine.Event(ctx, "transport_ready")
		return nil
	}

	guildID := discord.GuildID(10)
	channelID := discord.ChannelID(20)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- s.JoinChannel(ctx, guildID, channelID, false, false)
	}()

	// Give JoinChannel a moment to send the voice state update and start
	// waiting for pairing.
	time.Sleep(10 * time.Millisecond)

	adapter.EmitVoiceServerUpdate(&gateway.VoiceServerUpdateEvent{
		GuildID:  guildID,
		Token:    "tok",
		Endpoint: "region.discord.media:443",
	})
	adapter.EmitVoiceStateUpdate(&gateway.VoiceStateUpdateEvent{
		VoiceState: discord.VoiceState{
			GuildID:   guildID,
			ChannelID: channelID,
			UserID:    discord.UserID(1),
			SessionID: "sess",
		},
	})

	if err := <-done; err != nil {
		t.Fatalf("JoinChannel returned error: %v", err)
	}

	if s.CurrentState() != StateReady {
		t.Fatalf("CurrentState() = %q, want %q", s.CurrentState(), StateReady)
	}
	if establishedState.Token != "tok" || establishedState.Endpoint != "region.discord.media:443" {
		t.Fatalf("establishFn got state %+v, missing paired voice info", establishedState)
	}
	if establishedState.SessionID != "sess" {
		t.Fatalf("establishFn got SessionID %q, want %q", establishedState.SessionID, "sess")
	}

	sent := adapter.Sent()
	if len(sent) != 1 || sent[0].GuildID != guildID || sent[0].ChannelID != channelID {
		t.Fatalf("unexpected sent voice state updates: %+v", sent)
	}
}

func TestSessionJoinChannelAlreadyConnecting(t *testing.T) {
	adapter := gateway.NewMockAdapter()
	s := NewSession(adapter, discord.UserID(1))
	s.establishFn = func(context.Context, voicegateway.State) error {
		<-make(chan struct{}) // block forever; this test only checks the guard
		return nil
	}

	go s.JoinChannel(context.Background(), discord.GuildID(1), discord.ChannelID(1), false, false)
	time.Sleep(10 * time.Millisecond)

	err := s.JoinChannel(context.Background(), discord.GuildID(1), discord.ChannelID(1), false, false)
	if err != ErrAlreadyConnecting {
		t.Fatalf("JoinChannel error = %v, want ErrAlreadyConnecting", err)
	}
}

func TestSessionJoinChannelTimeoutWithoutPairing(t *testing.T) {
	adapter := gateway.NewMockAdapter()
	s := NewSession(adapter, discord.UserID(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.JoinChannel(ctx, discord.GuildID(1), discord.ChannelID(1), false, false)
	if err == nil {
		t.Fatal("expected a timeout error, got nil")
	}
	if s.CurrentState() != StateDisconnected {
		t.Fatalf("CurrentState() = %q, want %q after a failed join", s.CurrentState(), StateDisconnected)
	}
}

func TestSessionJoinChannelResendsVoiceStateOnSlowPairing(t *testing.T) {
	adapter := gateway.NewMockAdapter()
	s := NewSession(adapter, discord.UserID(1))
	s.PairTimeout = 20 * time.Millisecond
	s.establishFn = func(ctx context.Context, state voicegateway.State) error {
		s.machine.Event(ctx, "authenticated")
		s.machine.Event(ctx, "transport_ready")
		return nil
	}

	guildID := discord.GuildID(10)
	channelID := discord.ChannelID(20)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- s.JoinChannel(ctx, guildID, channelID, false, false)
	}()

	// Wait past the first PairTimeout window without pairing, so JoinChannel
	// resends the voice state update, then pair before the second window
	// elapses.
	time.Sleep(s.PairTimeout * 3 / 2)

	sent := adapter.Sent()
	if len(sent) != 2 {
		t.Fatalf("after the first PairTimeout window, Sent() = %d updates, want 2 (initial + resend)", len(sent))
	}

	adapter.EmitVoiceServerUpdate(&gateway.VoiceServerUpdateEvent{
		GuildID:  guildID,
		Token:    "tok",
		Endpoint: "region.discord.media:443",
	})
	adapter.EmitVoiceStateUpdate(&gateway.VoiceStateUpdateEvent{
		VoiceState: discord.VoiceState{
			GuildID:   guildID,
			ChannelID: channelID,
			UserID:    discord.UserID(1),
			SessionID: "sess",
		},
	})

	if err := <-done; err != nil {
		t.Fatalf("JoinChannel returned error: %v", err)
	}
	if s.CurrentState() != StateReady {
		t.Fatalf("CurrentState() = %q, want %q", s.CurrentState(), StateReady)
	}
}

func TestSessionJoinChannelVoiceInfoTimeoutAfterResend(t *testing.T) {
	adapter := gateway.NewMockAdapter()
	s := NewSession(adapter, discord.UserID(1))
	s.PairTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := s.JoinChannel(ctx, discord.GuildID(1), discord.ChannelID(1), false, false)
	if err != ErrVoiceInfoTimeout {
		t.Fatalf("JoinChannel error = %v, want ErrVoiceInfoTimeout", err)
	}
	if len(adapter.Sent()) != 2 {
		t.Fatalf("Sent() = %d updates, want 2 (initial + one resend)", len(adapter.Sent()))
	}
	if s.CurrentState() != StateDisconnected {
		t.Fatalf("CurrentState() = %q, want %q after a failed join", s.CurrentState(), StateDisconnected)
	}
}

func TestSessionLeaveSendsVoiceStateUpdate(t *testing.T) {
	adapter := gateway.NewMockAdapter()
	s := NewSession(adapter, discord.UserID(1))
	s.state.GuildID = discord.GuildID(5)

	if err := s.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	sent := adapter.Sent()
	if len(sent) != 1 || sent[0].ChannelID != discord.NullChannelID {
		t.Fatalf("Leave did not send a null-channel voice state update: %+v", sent)
	}
}
