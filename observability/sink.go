// Package observability provides the fire-and-forget metrics/log sink.
// Events are buffered and dropped under pressure rather than ever blocking
// membership, task, or consensus progress.
package observability

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is a single substrate occurrence: a membership change, a round
// decision, a task transition.
type Event struct {
	Type    string         `json:"type"`
	GroupID string         `json:"group_id"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink drains events to a structured logger on a background goroutine.
type Sink struct {
	logger    zerolog.Logger
	ch        chan Event
	closeOnce sync.Once
	done      chan struct{}

	mu         sync.Mutex
	listeners  map[int]func(Event)
	listenerID int
}

// InitLogger builds the process logger the way every component expects it.
func InitLogger(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Str("app", app).Logger()
}

// NewSink starts a sink with the given buffer size.
func NewSink(logger zerolog.Logger, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &Sink{
		logger:    logger,
		ch:        make(chan Event, buffer),
		done:      make(chan struct{}),
		listeners: make(map[int]func(Event)),
	}
	go s.drain()
	return s
}

// Emit enqueues an event. If the buffer is full the event is dropped; the
// sink is never on the critical path.
func (s *Sink) Emit(eventType, groupID string, fields map[string]any) {
	evt := Event{Type: eventType, GroupID: groupID, Fields: fields, At: time.Now()}
	select {
	case s.ch <- evt:
	default:
	}
}

// AddListener registers a callback invoked for every drained event and
// returns its removal func. Used by the websocket stream and by tests; a
// disconnected subscriber must remove itself or it leaks. An event already
// snapshotted by the drain loop may still arrive once after removal.
func (s *Sink) AddListener(fn func(Event)) func() {
	s.mu.Lock()
	s.listenerID++
	id := s.listenerID
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Sink) drain() {
	defer close(s.done)
	for evt := range s.ch {
		logEvt := s.logger.Info().Str("event", evt.Type).Str("group", evt.GroupID)
		for k, v := range evt.Fields {
			logEvt = logEvt.Interface(k, v)
		}
		logEvt.Send()

		s.mu.Lock()
		listeners := make([]func(Event), 0, len(s.listeners))
		for _, fn := range s.listeners {
			listeners = append(listeners, fn)
		}
		s.mu.Unlock()
		for _, fn := range listeners {
			fn(evt)
		}
	}
}

// Close stops the sink after draining buffered events.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		<-s.done
	})
}
