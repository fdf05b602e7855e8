package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/relaytone/voicecore/internal/lazytime"
)

type recordingWriter struct {
	mu    sync.Mutex
	wrote [][]byte
}

func (w *recordingWriter) Write(payload []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wrote = append(w.wrote, append([]byte(nil), payload...))
	return len(payload), nil
}

func (w *recordingWriter) frames() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.wrote...)
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.wrote)
}

// tickN advances fake by FrameInterval n times, one Advance call per tick
// (FakeClock only fires a periodic waiter once per Advance call).
func tickN(fake *lazytime.FakeClock, n int) {
	for i := 0; i < n; i++ {
		fake.Advance(FrameInterval)
		time.Sleep(time.Millisecond)
	}
}

func TestSubscriptionBuffersBeforePlaying(t *testing.T) {
	fake := lazytime.NewFakeClock(time.Now())
	s := NewWithClock(fake)
	defer s.Close()

	source := make(ChannelSource, 4)
	sub := s.Register(source, BehaviorPause)

	if sub.State() != StateBuffering {
		t.Fatalf("State() = %q immediately after Register, want %q", sub.State(), StateBuffering)
	}

	// BufferingTimeout is 100ms = 5 ticks; fewer than that must still be
	// Buffering.
	tickN(fake, 4)
	if sub.State() != StateBuffering {
		t.Fatalf("State() = %q after 80ms, want still %q", sub.State(), StateBuffering)
	}

	tickN(fake, 1)
	waitUntilState(t, sub, StatePlaying)
}

func TestSubscriptionForwardsFramesToConnections(t *testing.T) {
	fake := lazytime.NewFakeClock(time.Now())
	s := NewWithClock(fake)
	defer s.Close()

	source := make(ChannelSource, 4)
	sub := s.Register(source, BehaviorPause)
	w := &recordingWriter{}
	sub.AddConnection(w)

	tickN(fake, 5) // clear buffering
	waitUntilState(t, sub, StatePlaying)

	source <- []byte("frame-1")
	tickN(fake, 1)

	waitUntil(t, func() bool { return w.count() == 1 })
	if string(w.frames()[0]) != "frame-1" {
		t.Fatalf("wrote %q, want frame-1", w.frames()[0])
	}
}

func TestSubscriptionPausesAfterMaxMissedFrames(t *testing.T) {
	fake := lazytime.NewFakeClock(time.Now())
	s := NewWithClock(fake)
	defer s.Close()

	source := make(ChannelSource) // never produces a frame
	sub := s.Register(source, BehaviorPause)
	w := &recordingWriter{}
	sub.AddConnection(w)

	tickN(fake, 5) // clear buffering
	waitUntilState(t, sub, StatePlaying)

	// DefaultMaxMissedFrames misses, then a 5-frame silence tail, then
	// Paused.
	tickN(fake, DefaultMaxMissedFrames+silenceTailFrames+1)

	waitUntilState(t, sub, StatePaused)

	frames := w.frames()
	if len(frames) != silenceTailFrames {
		t.Fatalf("got %d frames written, want exactly %d silence frames", len(frames), silenceTailFrames)
	}
	for _, f := range frames {
		if string(f) != string(silenceFrame) {
			t.Fatalf("frame = % x, want canonical silence frame % x", f, silenceFrame)
		}
	}
}

func TestSubscriptionResumeFromPaused(t *testing.T) {
	fake := lazytime.NewFakeClock(time.Now())
	s := NewWithClock(fake)
	defer s.Close()

	source := make(ChannelSource)
	sub := s.Register(source, BehaviorPause)
	sub.AddConnection(&recordingWriter{})

	tickN(fake, 5)
	waitUntilState(t, sub, StatePlaying)
	tickN(fake, DefaultMaxMissedFrames+silenceTailFrames+1)
	waitUntilState(t, sub, StatePaused)

	sub.Resume()
	if sub.State() != StatePlaying {
		t.Fatalf("State() = %q after Resume, want %q", sub.State(), StatePlaying)
	}
}

func TestSubscriptionBehaviorPauseAutoPausesOnEmptyConnectionSet(t *testing.T) {
	fake := lazytime.NewFakeClock(time.Now())
	s := NewWithClock(fake)
	defer s.Close()

	source := make(ChannelSource, 4)
	sub := s.Register(source, BehaviorPause) // no connections ever added

	tickN(fake, 6)
	waitUntilState(t, sub, StateAutoPaused)

	w := &recordingWriter{}
	sub.AddConnection(w)
	if sub.State() != StatePlaying {
		t.Fatalf("State() = %q after AddConnection on an auto-paused subscription, want %q", sub.State(), StatePlaying)
	}
}

func TestSubscriptionBehaviorStopGoesIdleWithSilenceTail(t *testing.T) {
	fake := lazytime.NewFakeClock(time.Now())
	s := NewWithClock(fake)
	defer s.Close()

	source := make(ChannelSource, 4)
	sub := s.Register(source, BehaviorStop) // no connections ever added

	tickN(fake, 5)
	waitUntilState(t, sub, StatePlaying)

	tickN(fake, 1+silenceTailFrames+1)
	waitUntilState(t, sub, StateIdle)
}

func TestSubscriptionBehaviorPlayKeepsPullingWithNoConnections(t *testing.T) {
	fake := lazytime.NewFakeClock(time.Now())
	s := NewWithClock(fake)
	defer s.Close()

	source := make(ChannelSource, 8)
	sub := s.Register(source, BehaviorPlay)

	tickN(fake, 5)
	waitUntilState(t, sub, StatePlaying)

	for i := 0; i < 3; i++ {
		source <- []byte("frame")
	}
	tickN(fake, 3)

	// BehaviorPlay must never auto-pause or accumulate missed frames from
	// having no connections, since frames were always available.
	if sub.State() != StatePlaying {
		t.Fatalf("State() = %q, want %q (BehaviorPlay must not pause on an empty connection set)", sub.State(), StatePlaying)
	}
}

func TestSetSpeakingFalseSendsSilenceTailBeforeNextFrame(t *testing.T) {
	fake := lazytime.NewFakeClock(time.Now())
	s := NewWithClock(fake)
	defer s.Close()

	source := make(ChannelSource, 8)
	sub := s.Register(source, BehaviorPause)
	w := &recordingWriter{}
	sub.AddConnection(w)

	tickN(fake, 5)
	waitUntilState(t, sub, StatePlaying)

	sub.SetSpeaking(true)
	sub.SetSpeaking(false)

	source <- []byte("next-frame")
	tickN(fake, silenceTailFrames+1)

	waitUntil(t, func() bool { return w.count() == silenceTailFrames+1 })

	frames := w.frames()
	for _, f := range frames[:silenceTailFrames] {
		if string(f) != string(silenceFrame) {
			t.Fatalf("expected silence tail frame, got %q", f)
		}
	}
	if string(frames[silenceTailFrames]) != "next-frame" {
		t.Fatalf("expected real frame after silence tail, got %q", frames[silenceTailFrames])
	}
}

func TestChannelSourceNonBlockingReceive(t *testing.T) {
	source := make(ChannelSource, 1)

	if _, ok := source.NextFrame(); ok {
		t.Fatal("NextFrame on an empty channel should report ok=false")
	}

	source <- []byte("queued")
	frame, ok := source.NextFrame()
	if !ok || string(frame) != "queued" {
		t.Fatalf("NextFrame = (%q, %v), want (\"queued\", true)", frame, ok)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitUntilState(t *testing.T, sub *Subscription, want State) {
	t.Helper()
	waitUntil(t, func() bool { return sub.State() == want })
}
