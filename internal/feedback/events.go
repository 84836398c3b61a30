// Package feedback is a small in-process event bus. The controller publishes
// pipeline events; logging, session recording, and the WebSocket event
// stream subscribe to them without coupling to the controller.
package feedback

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType identifies the kind of event carried on the bus.
type EventType string

const (
	EventTranscript     EventType = "transcript"
	EventStatus         EventType = "status"
	EventAudioLevel     EventType = "audio.level"
	EventChunkAssembled EventType = "chunk.assembled"
	EventChunkDropped   EventType = "chunk.dropped"
	EventStateChanged   EventType = "state.changed"
)

// Event is one bus message.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// TranscriptData carries an accepted transcript segment.
type TranscriptData struct {
	Text string `json:"text"`
}

// StatusData carries a human-readable pipeline status message.
type StatusData struct {
	Message string `json:"message"`
}

// AudioLevelData carries the per-frame input level for live metering.
type AudioLevelData struct {
	Level float64 `json:"level"`
}

// ChunkData describes an assembled or dropped chunk.
type ChunkData struct {
	Frames  int    `json:"frames"`
	Samples int    `json:"samples"`
	Reason  string `json:"reason"`
}

// StateData carries a controller state transition.
type StateData struct {
	State string `json:"state"`
}

// Handler receives published events. Handlers run on the bus dispatch
// goroutine and must not block.
type Handler func(Event)

// Bus fans events out to subscribers through a bounded buffer; publishing
// never blocks the pipeline, events are dropped when the buffer is full.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int

	buffer  chan Event
	done    chan struct{}
	dropped int64
}

// NewBus creates a bus with the given buffer size and starts its dispatch
// goroutine.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	b := &Bus{
		handlers: make(map[int]Handler),
		buffer:   make(chan Event, bufferSize),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for all events and returns its unsubscribe
// function.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish enqueues an event without blocking.
func (b *Bus) Publish(eventType EventType, data interface{}) {
	event := Event{Type: eventType, Timestamp: time.Now(), Data: data}
	select {
	case b.buffer <- event:
	default:
		b.mu.Lock()
		b.dropped++
		dropped := b.dropped
		b.mu.Unlock()
		if dropped%100 == 1 {
			logrus.WithFields(logrus.Fields{
				"type":    eventType,
				"dropped": dropped,
			}).Warn("Event bus buffer full, dropping events")
		}
	}
}

// Close stops the dispatch goroutine. Events published after Close are
// dropped.
func (b *Bus) Close() {
	close(b.done)
}

func (b *Bus) dispatch() {
	for {
		select {
		case event := <-b.buffer:
			b.mu.RLock()
			for _, handler := range b.handlers {
				handler(event)
			}
			b.mu.RUnlock()
		case <-b.done:
			return
		}
	}
}
