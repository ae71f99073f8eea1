package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var received int32
	var source atomic.Value
	eb.On(EventChannelStatus, func(e Event) {
		atomic.AddInt32(&received, 1)
		source.Store(e.Source)
	})

	eb.Emit(Event{
		Type:    EventChannelStatus,
		Source:  "telegram:acct1",
		Payload: map[string]any{"status": "connected"},
	})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
	if got, _ := source.Load().(string); got != "telegram:acct1" {
		t.Errorf("expected source to carry the account key, got %q", got)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventChannelConnected, Source: "slack:ws1"})
	eb.Emit(Event{Type: EventMessageReceived, Source: "slack:ws1"})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	id := eb.On(EventMessageSent, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventMessageSent})
	eb.Off(EventMessageSent, id)
	eb.Emit(Event{Type: EventMessageSent})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: EventChannelConnected})
	eb.Emit(Event{Type: EventChannelDisconnected})
	eb.Emit(Event{Type: EventChannelConnected})

	events := eb.Replay(EventChannelConnected, time.Time{})
	if len(events) != 2 {
		t.Errorf("expected 2 connected events, got %d", len(events))
	}

	allEvents := eb.Replay("*", time.Time{})
	if len(allEvents) != 3 {
		t.Errorf("expected 3 total events, got %d", len(allEvents))
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: EventChannelStatus, Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: EventChannelStatus})

	events := eb.Replay("*", threshold)
	if len(events) != 1 {
		t.Errorf("expected 1 event since threshold, got %d", len(events))
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: EventMessageReceived})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.On(EventChannelStatus, func(e Event) {
		panic("handler failure")
	})

	var after int32
	eb.On(EventChannelStatus, func(e Event) {
		atomic.AddInt32(&after, 1)
	})

	// must not panic the emitter, and later handlers still run
	eb.Emit(Event{Type: EventChannelStatus})

	if atomic.LoadInt32(&after) != 1 {
		t.Errorf("handler after the panicking one did not run")
	}
}

func TestEventBus_EmitAsync(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	received := make(chan Event, 1)
	eb.On(EventMessageReceived, func(e Event) { received <- e })

	eb.EmitAsync(Event{Type: EventMessageReceived, Source: "whatsapp:biz1"})

	select {
	case e := <-received:
		if e.Source != "whatsapp:biz1" {
			t.Errorf("unexpected source %q", e.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("async event never delivered")
	}
}

func TestEventBus_MultipleHandlers(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On(EventChannelConnected, func(e Event) { atomic.AddInt32(&count, 1) })
	eb.On(EventChannelConnected, func(e Event) { atomic.AddInt32(&count, 1) })
	eb.On(EventChannelConnected, func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: EventChannelConnected})

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("expected 3 handlers called, got %d", count)
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	before := time.Now()
	eb.Emit(Event{Type: EventChannelStatus})

	events := eb.Replay(EventChannelStatus, before.Add(-time.Second))
	if len(events) == 0 {
		t.Fatal("expected at least 1 event")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}
