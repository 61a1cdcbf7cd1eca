package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/metrics"
	"github.com/rickgao/livesync/internal/scheduler"
)

// Errors
var (
	ErrClosed      = errors.New("feed closed")
	ErrNoID        = errors.New("feed id is required")
	ErrNoFetch     = errors.New("fetch function is required")
	ErrNoTransform = errors.New("transform is required when a topic is set")
	ErrNoChannel   = errors.New("channel is required")
	ErrNoTimers    = errors.New("timers are required")
)

// Source says where the current value came from.
type Source string

const (
	SourceNone Source = "none" // no value yet, or seeded from cache
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Channel is the part of the push channel manager a feed uses.
// Feeds never start or stop the channel.
type Channel interface {
	Subscribe(topic connection.Topic, h connection.Handler) connection.SubscriptionID
	Unsubscribe(id connection.SubscriptionID)
	OnConnect(fn func()) connection.ListenerID
	OnDisconnect(fn func(err error)) connection.ListenerID
	RemoveListener(id connection.ListenerID)
	IsConnected() bool
}

// Timers is the part of the fallback scheduler a feed uses.
type Timers interface {
	EnsureRunning(feedID string, interval time.Duration, task scheduler.Task) bool
	Stop(feedID string) bool
	IsRunning(feedID string) bool
}

// SyncTracker is told when a resync is in flight.
type SyncTracker interface {
	BeginSync() (done func())
}

// Cache persists the last accepted value per feed.
type Cache interface {
	Load(ctx context.Context, feedID string) (cache.Entry, bool, error)
	Save(ctx context.Context, e cache.Entry) error
}

// Deps are the shared components every feed is wired to.
type Deps struct {
	Channel Channel
	Timers  Timers
	Sync    SyncTracker // optional
	Cache   Cache       // optional
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time // defaults to time.Now
}

// Options describe one feed.
type Options[V any] struct {
	ID    string
	Topic connection.Topic // empty = poll-only feed

	// Transform maps an event to a value; false means the event is
	// irrelevant to this feed.
	Transform func(connection.Event) (V, bool)

	// Fetch pulls a full snapshot over the request/response transport.
	Fetch func(ctx context.Context) (V, error)

	PollInterval time.Duration // fallback cadence; scheduler default if zero
	StaleAfter   time.Duration // push silence that triggers polling; 0 disables
	FetchTimeout time.Duration // per-fetch deadline; 0 relies on the transport
	SaveTimeout  time.Duration // cache write deadline

	// SkipInitialFetch leaves the feed empty until the first push or poll.
	SkipInitialFetch bool
}

// Snapshot is the full read-only state of a feed.
type Snapshot[V any] struct {
	ID         string
	Value      V
	HasValue   bool
	LastUpdate time.Time
	Source     Source
	IsLoading  bool
	Err        error
	Stale      bool // channel up but no push within StaleAfter
	Polling    bool // fallback timer running
	Connected  bool
}

// View is the shape UI code consumes.
type View[V any] struct {
	Data        *V        `json:"data"`
	IsConnected bool      `json:"is_connected"`
	IsRealTime  bool      `json:"is_real_time"`
	LastUpdate  time.Time `json:"last_update,omitzero"`
	Source      Source    `json:"source"`
	IsLoading   bool      `json:"is_loading"`
	Error       string    `json:"error,omitempty"`
}

// fetchResult is shared between coalesced callers.
type fetchResult[V any] struct {
	value    V
	issuedAt time.Time
}
