package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func collect(sink *Sink) (*sync.Mutex, *[]Event, func()) {
	var mu sync.Mutex
	var events []Event
	remove := sink.AddListener(func(evt Event) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	})
	return &mu, &events, remove
}

func TestSinkDeliversToListeners(t *testing.T) {
	sink := NewSink(zerolog.Nop(), 8)
	mu, events, _ := collect(sink)

	sink.Emit("AGENT_JOINED", "grp", map[string]any{"agent": "a-1"})
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(*events) != 1 {
		t.Fatalf("delivered %d events, want 1", len(*events))
	}
	evt := (*events)[0]
	if evt.Type != "AGENT_JOINED" || evt.GroupID != "grp" {
		t.Fatalf("event %+v", evt)
	}
	if evt.At.IsZero() {
		t.Fatal("event not timestamped")
	}
}

func TestRemovedListenerStopsReceiving(t *testing.T) {
	sink := NewSink(zerolog.Nop(), 8)
	defer sink.Close()
	mu, events, remove := collect(sink)

	sink.Emit("ROUND_DECIDED", "grp", nil)
	waitForEvents(t, mu, events, 1)

	remove()
	sink.Emit("ROUND_DECIDED", "grp", nil)
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(*events) != 1 {
		t.Fatalf("removed listener still received events: %d", len(*events))
	}
}

func TestEmitNeverBlocksWhenBufferFull(t *testing.T) {
	sink := NewSink(zerolog.Nop(), 1)
	defer sink.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			sink.Emit("TASK_ASSIGNED", "grp", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
}

func waitForEvents(t *testing.T, mu *sync.Mutex, events *[]Event, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		count := len(*events)
		mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("listener never saw %d events", n)
}
