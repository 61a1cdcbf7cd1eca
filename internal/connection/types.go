package connection

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/livesync/internal/router"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrStopped         = errors.New("manager stopped")
)

// Topic, Event and Handler are the router's types; re-exported so callers
// of the manager do not import router directly.
type (
	Topic   = router.Topic
	Event   = router.Event
	Handler = router.Handler
)

// SubscriptionID is the handle returned by Subscribe.
type SubscriptionID = uuid.UUID

// ListenerID is the handle returned by the On* lifecycle registrations.
type ListenerID = uuid.UUID

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// AttemptPhase marks where a reconnect attempt is.
type AttemptPhase int

const (
	AttemptScheduled AttemptPhase = iota // waiting out the backoff delay
	AttemptDialing                       // handshake in progress
	AttemptFailed                        // handshake failed; another attempt follows
)

func (p AttemptPhase) String() string {
	switch p {
	case AttemptScheduled:
		return "scheduled"
	case AttemptDialing:
		return "dialing"
	case AttemptFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AttemptEvent describes one step of a reconnect attempt.
type AttemptEvent struct {
	Attempt int           // 1-based count since the channel was last up
	Phase   AttemptPhase
	Delay   time.Duration // backoff before this attempt (Scheduled only)
	Err     error         // last failure, nil on the first attempt after a clean drop
}

// subscribeCommand announces the topics this client wants.
type subscribeCommand struct {
	Type   string   `json:"type"` // "SUBSCRIBE"
	Topics []string `json:"topics"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., ws://localhost:8094/ws/user)
	APIKey           string        // Bearer token; empty = no auth header
	PingInterval     time.Duration // How often we send pings
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	HandshakeTimeout time.Duration // Dial handshake deadline
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:     30 * time.Second,
		PingTimeout:      75 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BufferSize:       1024,
	}
}

// ManagerConfig configures the push channel manager.
type ManagerConfig struct {
	WSURL             string        // WebSocket URL
	APIKey            string        // Bearer token for the handshake
	ReconnectBaseWait time.Duration // First reconnect delay
	ReconnectMaxWait  time.Duration // Backoff ceiling
	ReconnectJitter   float64       // Fractional jitter applied to each delay (0.2 = +/-20%)
	PingInterval      time.Duration
	PingTimeout       time.Duration
	WriteTimeout      time.Duration
	HandshakeTimeout  time.Duration
	BufferSize        int  // Client message channel size
	AnnounceTopics    bool // Send {"type":"SUBSCRIBE","topics":[...]} frames
	Router            router.Config
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	cc := DefaultClientConfig()
	return ManagerConfig{
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  30 * time.Second,
		ReconnectJitter:   0.2,
		PingInterval:      cc.PingInterval,
		PingTimeout:       cc.PingTimeout,
		WriteTimeout:      cc.WriteTimeout,
		HandshakeTimeout:  cc.HandshakeTimeout,
		BufferSize:        cc.BufferSize,
		Router:            router.DefaultConfig(),
	}
}

func (c ManagerConfig) clientConfig() ClientConfig {
	return ClientConfig{
		URL:              c.WSURL,
		APIKey:           c.APIKey,
		PingInterval:     c.PingInterval,
		PingTimeout:      c.PingTimeout,
		WriteTimeout:     c.WriteTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		BufferSize:       c.BufferSize,
	}
}

// ManagerStats provides statistics about the push channel.
type ManagerStats struct {
	Connected         bool
	ReconnectAttempts int   // Consecutive attempts since last up; 0 while connected
	Connects          int64 // Successful handshakes since Start
	Disconnects       int64 // Transitions to down
	Subscriptions     int
	Topics            int
	Listeners         int
	Router            router.Stats
}
