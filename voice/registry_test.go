package voice

import (
	"testing"

	"github.com/relaytone/voicecore/discord"
	"github.com/relaytone/voicecore/gateway"
)

func TestRegistrySessionIsStableAndLazy(t *testing.T) {
	r := NewRegistry(gateway.NewMockAdapter(), discord.UserID(1))

	a := r.Session(discord.GuildID(1))
	b := r.Session(discord.GuildID(1))
	if a != b {
		t.Fatal("Session(guildID) should return the same *Session on repeated calls")
	}

	c := r.Session(discord.GuildID(2))
	if a == c {
		t.Fatal("Session for a different guild should not be shared")
	}
}

func TestRegistryActiveTracksNotes(t *testing.T) {
	r := NewRegistry(gateway.NewMockAdapter(), discord.UserID(1))
	r.Session(discord.GuildID(1))
	r.Session(discord.GuildID(2))

	if len(r.Active()) != 0 {
		t.Fatalf("Active() = %v before any NoteConnected, want empty", r.Active())
	}

	r.NoteConnected(discord.GuildID(1))
	active := r.Active()
	if len(active) != 1 || active[0] != discord.GuildID(1) {
		t.Fatalf("Active() = %v, want [1]", active)
	}

	r.NoteDisconnected(discord.GuildID(1))
	if len(r.Active()) != 0 {
		t.Fatalf("Active() = %v after NoteDisconnected, want empty", r.Active())
	}
}

func TestRegistryForgetDestroysSession(t *testing.T) {
	r := NewRegistry(gateway.NewMockAdapter(), discord.UserID(1))
	s := r.Session(discord.GuildID(1))
	r.NoteConnected(discord.GuildID(1))

	r.Forget(discord.GuildID(1))

	if len(r.Active()) != 0 {
		t.Fatalf("Active() after Forget = %v, want empty", r.Active())
	}

	fresh := r.Session(discord.GuildID(1))
	if fresh == s {
		t.Fatal("Session(guildID) after Forget should create a new Session, not return the destroyed one")
	}
}
