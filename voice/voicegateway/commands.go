package voicegateway

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/relaytone/voicecore/discord"
	"github.com/relaytone/voicecore/utils/ws"
)

var (
	// ErrMissingForIdentify is an error when we are missing information to identify.
	ErrMissingForIdentify = errors.New("missing GuildID, UserID, SessionID, or Token for identify")

	// ErrMissingForResume is an error when we are missing information to resume.
	ErrMissingForResume = errors.New("missing GuildID, SessionID, or Token for resuming")
)

// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection-example-voice-identify-payload
type IdentifyData struct {
	GuildID   discord.GuildID `json:"server_id"` // yes, this should be "server_id"
	UserID    discord.UserID  `json:"user_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

func (IdentifyData) Op() OPCode              { return IdentifyOP }
func (IdentifyData) EventType() ws.EventType { return eventType }

// IdentifyCtx sends an Identify operation (opcode 0).
func (c *Gateway) IdentifyCtx(ctx context.Context) error {
	guildID := c.state.GuildID
	userID := c.state.UserID
	sessionID := c.state.SessionID
	token := c.state.Token

	if !guildID.IsValid() || !userID.IsValid() || sessionID == "" || token == "" {
		return ErrMissingForIdentify
	}

	return c.SendCtx(ctx, IdentifyData{
		GuildID:   guildID,
		UserID:    userID,
		SessionID: sessionID,
		Token:     token,
	})
}

// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-udp-connection-example-select-protocol-payload
type SelectProtocol struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

func (SelectProtocol) Op() OPCode              { return SelectProtocolOP }
func (SelectProtocol) EventType() ws.EventType { return eventType }

// SelectProtocolCtx sends a Select Protocol operation (opcode 1).
func (c *Gateway) SelectProtocolCtx(ctx context.Context, data SelectProtocol) error {
	return c.SendCtx(ctx, data)
}

// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-heartbeat-payload
type HeartbeatData int64

func (HeartbeatData) Op() OPCode              { return HeartbeatOP }
func (HeartbeatData) EventType() ws.EventType { return eventType }

// HeartbeatCtx sends a Heartbeat operation (opcode 3).
func (c *Gateway) HeartbeatCtx(ctx context.Context) error {
	return c.SendCtx(ctx, HeartbeatData(time.Now().UnixNano()))
}

// https://discord.com/developers/docs/topics/voice-connections#speaking
type SpeakingFlag uint64

const (
	Microphone SpeakingFlag = 1 << iota
	Soundshare
	Priority
)

// https://discord.com/developers/docs/topics/voice-connections#speaking-example-speaking-payload
type SpeakingData struct {
	Speaking SpeakingFlag `json:"speaking"`
	Delay    int          `json:"delay"`
	SSRC     uint32       `json:"ssrc"`
}

func (SpeakingData) Op() OPCode              { return SpeakingOP }
func (SpeakingData) EventType() ws.EventType { return eventType }

// SpeakingCtx sends a Speaking operation (opcode 5).
func (c *Gateway) SpeakingCtx(ctx context.Context, flag SpeakingFlag) error {
	return c.SendCtx(ctx, SpeakingData{
		Speaking: flag,
		Delay:    0,
		SSRC:     c.Ready().SSRC,
	})
}

// https://discord.com/developers/docs/topics/voice-connections#resuming-voice-connection-example-resume-connection-payload
type ResumeData struct {
	GuildID   discord.GuildID `json:"server_id"` // yes, this should be "server_id"
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

func (ResumeData) Op() OPCode              { return ResumeOP }
func (ResumeData) EventType() ws.EventType { return eventType }

// ResumeCtx sends a Resume operation (opcode 7).
func (c *Gateway) ResumeCtx(ctx context.Context) error {
	guildID := c.state.GuildID
	sessionID := c.state.SessionID
	token := c.state.Token

	if sessionID == "" {
		return ErrNoSessionID
	}
	if !guildID.IsValid() || token == "" {
		return ErrMissingForResume
	}

	return c.SendCtx(ctx, ResumeData{
		GuildID:   guildID,
		SessionID: sessionID,
		Token:     token,
	})
}
