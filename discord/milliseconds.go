package discord

import "time"

// Milliseconds is a duration in milliseconds, as sent over the gateway for
// fields such as heartbeat_interval.
type Milliseconds uint

func DurationToMilliseconds(dura time.Duration) Milliseconds {
	return Milliseconds(dura.Milliseconds())
}

func (m Milliseconds) String() string {
	return m.Duration().String()
}

func (m Milliseconds) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}
