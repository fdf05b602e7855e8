// Package scheduler paces outgoing voice RTP packets to Discord's 20ms
// frame interval (960 samples at 48kHz per Opus frame). A single
// Scheduler drives every registered Subscription off one ticker, so a
// process holding many simultaneous voice connections doesn't spin up a
// separate goroutine-timer per guild.
// https://discord.com/developers/docs/topics/voice-connections#encrypting-and-sending-voice
package scheduler

import (
	"sync"
	"time"

	"github.com/relaytone/voicecore/internal/lazytime"
)

// FrameInterval is the duration between Opus frames at Discord's fixed
// 48kHz/960-samples-per-frame rate.
const FrameInterval = 20 * time.Millisecond

// BufferingTimeout is how long a Subscription may sit in Buffering before
// it's forced into Playing regardless of whether its FrameSource has
// produced anything yet.
const BufferingTimeout = 100 * time.Millisecond

// DefaultMaxMissedFrames is how many consecutive ticks a FrameSource may
// yield nothing before a Subscription pauses itself.
const DefaultMaxMissedFrames = 5

// silenceTailFrames is how many silence frames are sent at FrameInterval
// cadence before a Subscription actually goes quiet, so clients don't
// interpolate spurious audio out of an abrupt stop.
const silenceTailFrames = 5

// silenceFrame is the canonical 3-byte Opus payload for digital silence.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

// State is a Subscription's playback state.
type State string

const (
	StateIdle       State = "idle"
	StateBuffering  State = "buffering"
	StatePlaying    State = "playing"
	StatePaused     State = "paused"
	StateAutoPaused State = "auto_paused"
)

// BehaviorOnEmpty controls what a Subscription does when its connection
// set becomes empty (every Supervisor it was feeding has left).
type BehaviorOnEmpty string

const (
	// BehaviorPause suspends the Subscription (the default).
	BehaviorPause BehaviorOnEmpty = "pause"
	// BehaviorPlay keeps pulling and discarding frames, so a multi-consumer
	// mixer upstream doesn't stall waiting for this Subscription to catch
	// up once a listener rejoins.
	BehaviorPlay BehaviorOnEmpty = "play"
	// BehaviorStop transitions to Idle, with the usual silence tail.
	BehaviorStop BehaviorOnEmpty = "stop"
)

// FrameSource produces one already-Opus-encoded frame per call. ok is
// false if no frame is ready yet for this tick; the caller (a
// Subscription) never blocks waiting for one.
type FrameSource interface {
	NextFrame() (frame []byte, ok bool)
}

// ChannelSource adapts a channel of pre-encoded frames into a FrameSource,
// the shape the teacher's send loop used (an unbuffered-by-convention
// OpusSend channel fed by the caller's encoder).
type ChannelSource chan []byte

// NextFrame implements FrameSource by performing a non-blocking receive.
func (c ChannelSource) NextFrame() (frame []byte, ok bool) {
	select {
	case frame, ok = <-c:
		return frame, ok
	default:
		return nil, false
	}
}

// Writer writes one already-encoded Opus frame as a voice packet. *udp.Connection
// satisfies this.
type Writer interface {
	Write(payload []byte) (int, error)
}

// Scheduler paces every registered Subscription to one tick per
// FrameInterval off a single shared ticker.
type Scheduler struct {
	clock lazytime.Clock

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	running bool
	stop    chan struct{}
	once    sync.Once
}

// New creates a Scheduler using the real wall clock.
func New() *Scheduler {
	return NewWithClock(lazytime.RealClock{})
}

// NewWithClock creates a Scheduler driven by clock, for deterministic
// tests.
func NewWithClock(clock lazytime.Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		subs:  make(map[*Subscription]struct{}),
		stop:  make(chan struct{}),
	}
}

// Subscription is a single paced audio producer, fanned out to zero or
// more connections. Its state is guarded by mu, so
// AddConnection/RemoveConnection/Resume are safe to call concurrently with
// the Scheduler's ticks.
type Subscription struct {
	clock lazytime.Clock

	mu              sync.Mutex
	source          FrameSource
	connections     map[Writer]struct{}
	behaviorOnEmpty BehaviorOnEmpty
	maxMissedFrames int

	state            State
	missedFrames     int
	bufferingStarted time.Time

	// quiesceTo, when non-empty, means the Subscription is mid silence
	// tail on its way to this target state; silenceRemaining counts the
	// tail frames left to send. quiesceTo == "" with silenceRemaining > 0
	// means the tail was triggered by SetSpeaking(false) rather than a
	// state change, and StatePlaying resumes once it's exhausted.
	quiesceTo        State
	silenceRemaining int
	speaking         bool

	// ErrorLog receives a Write error from the Scheduler's own goroutine;
	// nothing else observes a failing connection synchronously.
	ErrorLog func(err error)
}

// Register creates a Subscription pulling frames from source, and starts
// the Scheduler's ticker goroutine lazily on the first Register call. The
// Subscription begins in Buffering.
func (s *Scheduler) Register(source FrameSource, behaviorOnEmpty BehaviorOnEmpty) *Subscription {
	if behaviorOnEmpty == "" {
		behaviorOnEmpty = BehaviorPause
	}

	sub := &Subscription{
		clock:            s.clock,
		source:           source,
		connections:      make(map[Writer]struct{}),
		behaviorOnEmpty:  behaviorOnEmpty,
		maxMissedFrames:  DefaultMaxMissedFrames,
		state:            StateBuffering,
		bufferingStarted: s.clock.Now(),
		ErrorLog:         func(error) {},
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	if !s.running {
		s.running = true
		go s.run()
	}
	s.mu.Unlock()

	return sub
}

// Unregister removes sub from the Scheduler; it stops being ticked.
func (s *Scheduler) Unregister(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Close stops the Scheduler's ticker goroutine. Subscriptions left
// registered simply stop being ticked.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Scheduler) run() {
	ticker := s.clock.NewTicker(FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.tick()
	}
}

func (sub *Subscription) tick() {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.silenceRemaining > 0 {
		sub.writeLocked(silenceFrame)
		sub.silenceRemaining--
		if sub.silenceRemaining == 0 && sub.quiesceTo != "" {
			sub.state = sub.quiesceTo
			sub.quiesceTo = ""
		}
		return
	}

	switch sub.state {
	case StateIdle, StatePaused, StateAutoPaused:
		return

	case StateBuffering:
		if sub.clock.Now().Sub(sub.bufferingStarted) >= BufferingTimeout {
			sub.state = StatePlaying
		}
		return

	case StatePlaying:
		if len(sub.connections) == 0 {
			switch sub.behaviorOnEmpty {
			case BehaviorStop:
				sub.beginSilenceTailLocked(StateIdle)
				return
			case BehaviorPause:
				sub.state = StateAutoPaused
				return
			case BehaviorPlay:
				// Fall through: keep pulling frames so an upstream
				// producer doesn't stall, just with nowhere to send
				// them.
			}
		}

		frame, ok := sub.source.NextFrame()
		if !ok {
			sub.missedFrames++
			if sub.missedFrames >= sub.maxMissedFrames {
				sub.beginSilenceTailLocked(StatePaused)
			}
			return
		}

		sub.missedFrames = 0
		sub.writeLocked(frame)
	}
}

// beginSilenceTailLocked starts the 5-frame silence tail before landing on
// target. sub.mu must be held.
func (sub *Subscription) beginSilenceTailLocked(target State) {
	sub.quiesceTo = target
	sub.silenceRemaining = silenceTailFrames
}

func (sub *Subscription) writeLocked(frame []byte) {
	for w := range sub.connections {
		if _, err := w.Write(frame); err != nil {
			sub.ErrorLog(err)
		}
	}
}

// AddConnection adds w to the connection set this Subscription fans its
// audio out to. A Subscription that was auto-paused because its
// connection set went empty resumes on the next tick.
func (sub *Subscription) AddConnection(w Writer) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	sub.connections[w] = struct{}{}
	if sub.state == StateAutoPaused {
		sub.state = StatePlaying
	}
}

// RemoveConnection removes w from the connection set.
func (sub *Subscription) RemoveConnection(w Writer) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	delete(sub.connections, w)
}

// Resume takes a manually-Paused Subscription back to Playing. It has no
// effect on any other state.
func (sub *Subscription) Resume() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.state == StatePaused {
		sub.state = StatePlaying
	}
}

// SetMaxMissedFrames overrides DefaultMaxMissedFrames for this
// Subscription.
func (sub *Subscription) SetMaxMissedFrames(n int) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.maxMissedFrames = n
}

// SetBehaviorOnEmpty overrides the BehaviorOnEmpty passed to Register.
func (sub *Subscription) SetBehaviorOnEmpty(b BehaviorOnEmpty) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.behaviorOnEmpty = b
}

// SetSpeaking records a speaking-state transition. Going from speaking to
// not speaking must be followed by exactly five silence frames before the
// Subscription goes quiet, per Discord's SPEAKING semantics; this doesn't
// otherwise change playback state, so Playing resumes immediately once the
// tail is sent if new frames are queued.
func (sub *Subscription) SetSpeaking(speaking bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	wasSpeaking := sub.speaking
	sub.speaking = speaking

	if wasSpeaking && !speaking && sub.silenceRemaining == 0 {
		sub.silenceRemaining = silenceTailFrames
		// quiesceTo stays "": this tail doesn't force a state change, it
		// just interleaves silence ahead of whatever Playing resumes to.
	}
}

// State reports the Subscription's current playback state.
func (sub *Subscription) State() State {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state
}
