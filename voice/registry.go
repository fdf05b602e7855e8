package voice

import (
	"sync"

	"github.com/relaytone/voicecore/discord"
	"github.com/relaytone/voicecore/gateway"
)

// Registry tracks one Session per guild for a process holding voice
// connections in more than one guild at a time. Grounded on the teacher's
// bot.Context type cache (bot/ctx.go's sync.Map of reflect.Type), the same
// lazily-populated concurrent map shape applied to guild IDs instead of
// types.
type Registry struct {
	adapter gateway.Adapter
	userID  discord.UserID

	sessions sync.Map // map[discord.GuildID]*Session

	activeMu sync.Mutex
	active   map[discord.GuildID]struct{}
}

// NewRegistry creates a Registry that lazily creates a Session per guild,
// all sharing adapter and userID.
func NewRegistry(adapter gateway.Adapter, userID discord.UserID) *Registry {
	return &Registry{
		adapter: adapter,
		userID:  userID,
		active:  make(map[discord.GuildID]struct{}),
	}
}

// Session returns the Session for guildID, creating it (unconnected) if
// this is the first time guildID has been seen.
func (r *Registry) Session(guildID discord.GuildID) *Session {
	if v, ok := r.sessions.Load(guildID); ok {
		return v.(*Session)
	}

	s := NewSession(r.adapter, r.userID)
	actual, loaded := r.sessions.LoadOrStore(guildID, s)
	if loaded {
		// Another goroutine won the race to create this guild's Session;
		// drop ours (it was never connected, so there's nothing to tear
		// down) and use theirs.
		return actual.(*Session)
	}
	return s
}

// Active reports every guild this Registry currently believes has a live
// (Ready) voice connection.
func (r *Registry) Active() []discord.GuildID {
	r.activeMu.Lock()
	guilds := make([]discord.GuildID, 0, len(r.active))
	for guildID := range r.active {
		guilds = append(guilds, guildID)
	}
	r.activeMu.Unlock()
	return guilds
}

// NoteConnected records that guildID's Session has reached Ready, so it
// shows up in Active(). Session has no state-change hook of its own, so
// the caller is expected to call this right after a successful
// JoinChannel.
func (r *Registry) NoteConnected(guildID discord.GuildID) {
	r.activeMu.Lock()
	r.active[guildID] = struct{}{}
	r.activeMu.Unlock()
}

// NoteDisconnected removes guildID from Active(); call it after Leave or
// after a JoinChannel/reconnect failure.
func (r *Registry) NoteDisconnected(guildID discord.GuildID) {
	r.activeMu.Lock()
	delete(r.active, guildID)
	r.activeMu.Unlock()
}

// Forget destroys and removes guildID's Session entirely, e.g. once the
// bot leaves the guild.
func (r *Registry) Forget(guildID discord.GuildID) {
	if v, ok := r.sessions.LoadAndDelete(guildID); ok {
		v.(*Session).Destroy()
	}
	r.NoteDisconnected(guildID)
}
