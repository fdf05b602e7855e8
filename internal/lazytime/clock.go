package lazytime

import "time"

// TimerHandle is a running (or stopped) timer, real or simulated.
type TimerHandle interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

// TickerHandle is a running (or stopped) ticker, real or simulated.
type TickerHandle interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

// Clock abstracts time construction so that code driven by timers and
// tickers (reconnect backoff, heartbeat pacing, the 20ms audio scheduler)
// can be exercised deterministically in tests without sleeping. Production
// code always uses RealClock; tests substitute a fake.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) TimerHandle
	NewTicker(d time.Duration) TickerHandle
}

// RealClock is the production Clock, backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTimer(d time.Duration) TimerHandle {
	return realTimer{time.NewTimer(d)}
}

func (RealClock) NewTicker(d time.Duration) TickerHandle {
	return realTicker{time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time  { return r.t.C }
func (r realTimer) Reset(d time.Duration) { r.t.Reset(d) }
func (r realTimer) Stop()                { r.t.Stop() }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time  { return r.t.C }
func (r realTicker) Reset(d time.Duration) { r.t.Reset(d) }
func (r realTicker) Stop()                { r.t.Stop() }

var (
	_ Clock       = RealClock{}
	_ TimerHandle = realTimer{}
	_ TickerHandle = realTicker{}
)
