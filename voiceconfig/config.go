// Package voiceconfig loads the environment-driven tunables a Session uses
// for reconnect policy, preferred encryption modes, scheduler behavior, and
// heartbeat tolerance. Grounded on the envconfig pattern the examples pack
// uses for per-subsystem configuration structs.
package voiceconfig

import (
	"context"
	"strings"

	"github.com/sethvargo/go-envconfig"

	"github.com/relaytone/voicecore/voice/rtp"
	"github.com/relaytone/voicecore/voice/scheduler"
)

// Config holds every environment-recognized voicecore setting. Each field
// maps onto a Session/Subscription/Gateway knob through Session.ApplyConfig.
// A zero HeartbeatGrace keeps the pacemaker's default of 2; every other field
// is applied as given, zero included.
type Config struct {
	AutoReconnect        bool     `env:"VOICECORE_AUTO_RECONNECT, default=true"`
	MaxReconnectAttempts uint8    `env:"VOICECORE_MAX_RECONNECT_ATTEMPTS, default=5"`
	PreferredModes       []string `env:"VOICECORE_PREFERRED_MODES"`
	BehaviorOnEmpty      string   `env:"VOICECORE_BEHAVIOR_ON_EMPTY, default=pause"`
	MaxMissedFrames      uint8    `env:"VOICECORE_MAX_MISSED_FRAMES, default=5"`
	HeartbeatGrace       uint8    `env:"VOICECORE_HEARTBEAT_GRACE, default=2"`
}

// FromEnv reads a Config from the process environment.
func FromEnv(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Modes parses PreferredModes into rtp.Mode values, skipping any entry
// SupportsMode rejects rather than erroring, since an operator might list
// a mode a future voicecore version drops support for. An empty or
// entirely-unsupported list reports ok=false so the caller keeps
// rtp.PreferredModes instead.
func (c *Config) Modes() (modes []rtp.Mode, ok bool) {
	for _, raw := range c.PreferredModes {
		raw = strings.TrimSpace(raw)
		mode := rtp.Mode(raw)
		if rtp.SupportsMode(mode) {
			modes = append(modes, mode)
		}
	}
	return modes, len(modes) > 0
}

// Behavior maps BehaviorOnEmpty onto a scheduler.BehaviorOnEmpty, falling
// back to scheduler.BehaviorPause for an empty or unrecognized value.
func (c *Config) Behavior() scheduler.BehaviorOnEmpty {
	switch scheduler.BehaviorOnEmpty(c.BehaviorOnEmpty) {
	case scheduler.BehaviorPlay:
		return scheduler.BehaviorPlay
	case scheduler.BehaviorStop:
		return scheduler.BehaviorStop
	default:
		return scheduler.BehaviorPause
	}
}
