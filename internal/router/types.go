package router

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Topic names a class of push events, e.g. "POSITION_UPDATE".
type Topic string

// AllTopics registers a handler for every topic.
const AllTopics Topic = "*"

// Errors
var (
	ErrMissingType = errors.New("frame has no type")
)

// RawMessage is an undecoded frame with its local receive time.
type RawMessage struct {
	Data       []byte    // Raw frame bytes from the websocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Event is a decoded push frame.
type Event struct {
	Topic      Topic
	Data       json.RawMessage
	SentAt     time.Time // Server timestamp, zero if absent
	ReceivedAt time.Time // Local arrival time; the ordering key
}

// Handler receives events for a topic.
type Handler func(Event)

// Config holds router queue sizing.
type Config struct {
	QueueSize    int // Initial queue capacity
	MaxQueueSize int // Queue capacity ceiling; oldest frames drop beyond it
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:    256,
		MaxQueueSize: 65536,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Received      int64
	Routed        int64
	Unrouted      int64 // Valid frames with no subscriber
	ParseErrors   int64
	HandlerPanics int64
	Subscriptions int
	Queue         QueueStats
}

// frameWire is the wire format pushed by the trading engine.
type frameWire struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Registration is one handler bound to one topic.
type Registration struct {
	ID    uuid.UUID
	Topic Topic

	handler Handler
	active  bool // guarded by Dispatcher.mu
}
