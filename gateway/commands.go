package gateway

import "github.com/relaytone/voicecore/discord"

// VoiceStateUpdateOP is the main-gateway opcode used to request or change
// the bot's voice state in a guild.
const VoiceStateUpdateOP = 4

// UpdateVoiceStateData is the payload of a op4 VOICE_STATE_UPDATE command.
// Sending ChannelID as discord.NullChannelID signals a channel leave.
type UpdateVoiceStateData struct {
	GuildID   discord.GuildID   `json:"guild_id"`
	ChannelID discord.ChannelID `json:"channel_id"`
	SelfMute  bool              `json:"self_mute"`
	SelfDeaf  bool              `json:"self_deaf"`
}
