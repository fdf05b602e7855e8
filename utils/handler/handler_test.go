package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/relaytone/voicecore/discord"
	"github.com/relaytone/voicecore/gateway"
	"github.com/relaytone/voicecore/utils/handler"
)

func newVoiceServerUpdate(guildID discord.GuildID) *gateway.VoiceServerUpdateEvent {
	return &gateway.VoiceServerUpdateEvent{GuildID: guildID, Token: "tok", Endpoint: "region.discord.media:443"}
}

func TestHandlers(t *testing.T) {
	h := handler.New[interface{}]()

	t.Run("HandleCallback", func(t *testing.T) {
		var dispatched bool
		ch := make(chan interface{}, 1)
		rm := h.HandleCallback(func(ev interface{}) {
			time.Sleep(10 * time.Millisecond)
			dispatched = true
			ch <- ev
		})

		ev := newVoiceServerUpdate(1)
		h.Dispatch(ev)
		assert.Equal(t, dispatched, false, "callback dispatched too early")
		assert.Equal(t, chOnce(t, ch), interface{}(ev))

		rm()
		dispatched = false
		h.Dispatch(ev)
		assert.Equal(t, dispatched, false, "callback dispatched after removal")
	})

	t.Run("HandleSynchronousCallback", func(t *testing.T) {
		var dispatched bool
		ch := make(chan interface{}, 1)
		rm := h.HandleSynchronousCallback(func(ev interface{}) {
			time.Sleep(10 * time.Millisecond)
			dispatched = true
			ch <- ev
		})

		ev := newVoiceServerUpdate(2)
		h.Dispatch(ev)
		assert.Equal(t, dispatched, true, "callback not dispatched")
		assert.Equal(t, chOnce(t, ch), interface{}(ev))

		rm()
		dispatched = false
		h.Dispatch(ev)
		assert.Equal(t, dispatched, false, "callback dispatched after removal")
	})

	addChannelFuncs := []struct {
		name string
		add  func(chan<- interface{}) func()
	}{
		{"HandleChannel", h.HandleChannel},
		{"HandleBlockingChannel", h.HandleBlockingChannel},
	}

	for _, test := range addChannelFuncs {
		t.Run(test.name, func(t *testing.T) {
			ch := make(chan interface{}, 1)
			rm := test.add(ch)

			ev := newVoiceServerUpdate(3)
			h.Dispatch(ev)
			assert.Equal(t, chOnce(t, ch), interface{}(ev))

			rm()
			h.Dispatch(ev)
			chNone(t, ch)
		})
	}
}

func BenchmarkHandlerAddRemove(b *testing.B) {
	h := handler.New[interface{}]()
	for i := 0; i < b.N; i++ {
		rm := h.HandleCallback(func(ev interface{}) {})
		rm()
	}
}

func TestAdd(t *testing.T) {
	h := handler.New[interface{}]()

	ch := make(chan *gateway.VoiceServerUpdateEvent, 1)
	handler.Add[interface{}](h, func(ev *gateway.VoiceServerUpdateEvent) { ch <- ev })

	ev := newVoiceServerUpdate(4)
	h.Dispatch(ev)
	assert.Equal(t, chOnce(t, ch), ev)

	h.Dispatch(&gateway.VoiceStateUpdateEvent{})
	chNone(t, ch)
}

func BenchmarkAddLatency(b *testing.B) {
	h := handler.New[interface{}]()
	ev := newVoiceServerUpdate(5)
	ch := make(chan *gateway.VoiceServerUpdateEvent, 1)
	handler.Add[interface{}](h, func(ev *gateway.VoiceServerUpdateEvent) { ch <- ev })

	for i := 0; i < b.N; i++ {
		h.Dispatch(ev)
		<-ch
	}
}

func TestAddSynchronous(t *testing.T) {
	h := handler.New[interface{}]()

	ch := make(chan *gateway.VoiceServerUpdateEvent, 1)
	handler.AddSynchronous[interface{}](h, func(ev *gateway.VoiceServerUpdateEvent) { ch <- ev })

	ev := newVoiceServerUpdate(6)
	h.Dispatch(ev)
	assert.Equal(t, chOnce(t, ch), ev)

	h.Dispatch(&gateway.VoiceStateUpdateEvent{})
	chNone(t, ch)
}

func BenchmarkAddSynchronousLatency(b *testing.B) {
	h := handler.New[interface{}]()
	ev := newVoiceServerUpdate(7)
	ch := make(chan *gateway.VoiceServerUpdateEvent, 1)
	handler.AddSynchronous[interface{}](h, func(ev *gateway.VoiceServerUpdateEvent) { ch <- ev })

	for i := 0; i < b.N; i++ {
		h.Dispatch(ev)
		<-ch
	}
}

func TestExpect(t *testing.T) {
	events := []interface{}{
		newVoiceServerUpdate(10),
		newVoiceServerUpdate(11),
		&gateway.VoiceStateUpdateEvent{},
	}

	filter := func(ev *gateway.VoiceServerUpdateEvent) bool {
		return ev.GuildID == 11
	}

	want := events[1]

	h := handler.New[interface{}]()
	dispatchAll := func() {
		for _, ev := range events {
			h.Dispatch(ev)
		}
	}

	t.Run("Expect", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		recv := handler.Expect[interface{}](h, filter)
		go dispatchAll()

		v, err := recv(ctx)
		if err != nil {
			t.Fatal("unexpected error:", err)
		}

		assert.Equal(t, interface{}(v), want)
	})

	t.Run("ExpectCh", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		recvCh := handler.ExpectCh[interface{}](ctx, h, filter)
		go dispatchAll()
		go dispatchAll() // ensure we can get multiple events

		for i := 0; i < 2; i++ {
			select {
			case v := <-recvCh:
				assert.Equal(t, interface{}(v), want)
			case <-ctx.Done():
				t.Fatal("timed out")
			}
		}
	})
}

func chOnce[T any](t *testing.T, ch <-chan T) T {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatal("channel timed out")
		panic("unreachable")
	}
}

func chNone[T any](t *testing.T, ch <-chan T) {
	timer := time.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case v := <-ch:
		t.Fatal("unexpected value:", v)
	case <-timer.C:
	}
}
