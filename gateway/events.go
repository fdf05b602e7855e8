package gateway

import "github.com/relaytone/voicecore/discord"

// HelloEvent is sent to the voice adapter's underlying main-gateway
// connection on open, carrying the interval at which the caller is
// expected to heartbeat.
type HelloEvent struct {
	HeartbeatInterval discord.Milliseconds `json:"heartbeat_interval"`
}

// https://discord.com/developers/docs/topics/gateway#voice
type (
	// VoiceStateUpdateEvent is dispatched whenever the bot's own voice
	// state (or, incidentally, any other member's) changes: joining,
	// moving between channels, muting, deafening.
	VoiceStateUpdateEvent struct {
		discord.VoiceState
	}

	// VoiceServerUpdateEvent is dispatched once a voice server has been
	// assigned to the guild, either on initial join or when the guild's
	// voice server migrates. Receiving one for a guild the adapter has
	// already resolved a server for means "rebuild", not "ignore".
	VoiceServerUpdateEvent struct {
		Token    string          `json:"token"`
		GuildID  discord.GuildID `json:"guild_id"`
		Endpoint string          `json:"endpoint"`
	}
)
