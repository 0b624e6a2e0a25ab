package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := New(testLogger())

	var received int32
	eb.On(EventSendConfirmed, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: EventSendConfirmed, Payload: map[string]any{"temp_id": "temp-1"}})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := New(testLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventConnState})
	eb.Emit(Event{Type: EventSendQueued})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := New(testLogger())

	var count int32
	id := eb.On(EventConnState, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventConnState})
	eb.Off(EventConnState, id)
	eb.Emit(Event{Type: EventConnState})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := New(testLogger())

	eb.Emit(Event{Type: EventConnState})
	eb.Emit(Event{Type: EventSendQueued})
	eb.Emit(Event{Type: EventConnState})

	events := eb.Replay(EventConnState, time.Time{})
	if len(events) != 2 {
		t.Errorf("expected 2 conn.state events, got %d", len(events))
	}

	allEvents := eb.Replay("*", time.Time{})
	if len(allEvents) != 3 {
		t.Errorf("expected 3 total events, got %d", len(allEvents))
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := New(testLogger())

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "new"})

	events := eb.Replay("*", threshold)
	if len(events) != 1 {
		t.Errorf("expected 1 event since threshold, got %d", len(events))
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := New(testLogger())
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: EventPresenceHeartbeat})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := New(testLogger())

	eb.On("panic", func(e Event) {
		panic("test panic")
	})

	// Should not panic the caller
	eb.Emit(Event{Type: "panic"})
}

func TestEventBus_EmitAsync(t *testing.T) {
	eb := New(testLogger())

	done := make(chan struct{})
	eb.On(EventSendFailed, func(e Event) {
		close(done)
	})

	eb.EmitAsync(Event{Type: EventSendFailed})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async event never delivered")
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := New(testLogger())

	before := time.Now()
	eb.Emit(Event{Type: EventConnState})

	events := eb.Replay(EventConnState, before.Add(-time.Second))
	if len(events) == 0 {
		t.Fatal("expected at least 1 event")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}
