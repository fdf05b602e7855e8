package voicegateway

import (
	"strconv"

	"github.com/relaytone/voicecore/discord"
)

// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection-example-voice-ready-payload
type ReadyEvent struct {
	IP          string   `json:"ip"`
	Modes       []string `json:"modes"`
	Experiments []string `json:"experiments"`
	Port        int      `json:"port"`
	SSRC        uint32   `json:"ssrc"`

	// heartbeat_interval here is erroneous per Discord's docs and must be
	// ignored; the real value comes from HelloEvent.
}

func (r ReadyEvent) Addr() string {
	return r.IP + ":" + strconv.Itoa(r.Port)
}

// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-udp-connection-example-session-description-payload
type SessionDescriptionEvent struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

type SpeakingEvent SpeakingData

// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-heartbeat-ack-payload
type HeartbeatACKEvent uint64

// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-hello-payload-since-v3
type HelloEvent struct {
	HeartbeatInterval discord.Milliseconds `json:"heartbeat_interval"`
}

type ResumedEvent struct{}

// undocumented; existence noted in https://github.com/discord/discord-api-docs/issues/510
type ClientConnectEvent struct {
	UserID    discord.UserID `json:"user_id"`
	AudioSSRC uint32         `json:"audio_ssrc"`
	VideoSSRC uint32         `json:"video_ssrc"`
}

// undocumented
type ClientDisconnectEvent struct {
	UserID discord.UserID `json:"user_id"`
}
