package status

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/metrics"
)

// Status is the presentation state.
type Status int

const (
	Connecting Status = iota
	Live
	Reconnecting
	FallbackPolling
	Syncing
)

// All lists every status, in declaration order.
var All = []Status{Connecting, Live, Reconnecting, FallbackPolling, Syncing}

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	case FallbackPolling:
		return "fallback_polling"
	case Syncing:
		return "syncing"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Channel is the part of the push channel manager the aggregator observes.
type Channel interface {
	OnConnect(fn func()) connection.ListenerID
	OnDisconnect(fn func(err error)) connection.ListenerID
	OnReconnectAttempt(fn func(connection.AttemptEvent)) connection.ListenerID
	RemoveListener(id connection.ListenerID)
	IsConnected() bool
	ReconnectAttempts() int
}

// Timers is the part of the fallback scheduler the aggregator observes.
type Timers interface {
	OnChange(fn func(feedID string, running bool)) (cancel func())
	Active() []string
}

// Options configure an Aggregator.
type Options struct {
	// Feeds limits which fallback timers count; empty means all.
	Feeds   []string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Snapshot is the aggregator's full state.
type Snapshot struct {
	Status            Status    `json:"status"`
	Label             string    `json:"label"`
	Connected         bool      `json:"connected"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	PollingFeeds      []string  `json:"polling_feeds"`
	Syncing           int       `json:"syncing"`
	Since             time.Time `json:"since"`
}

// signals are the inputs to derive.
type signals struct {
	syncing   bool
	seen      bool // any connect or disconnect observed
	connected bool
	dialing   bool // reconnect handshake in flight
	polling   bool
}

// derive maps signals to a status.
func derive(s signals) Status {
	switch {
	case s.syncing:
		return Syncing
	case !s.seen:
		return Connecting
	case !s.connected:
		if s.dialing || !s.polling {
			return Reconnecting
		}
		return FallbackPolling
	case s.polling:
		return FallbackPolling
	default:
		return Live
	}
}

// Label renders a status for display, e.g. "Reconnecting (3)...".
func Label(s Status, attempts int) string {
	switch s {
	case Connecting:
		return "Connecting..."
	case Live:
		return "Live"
	case Reconnecting:
		if attempts > 0 {
			return fmt.Sprintf("Reconnecting (%d)...", attempts)
		}
		return "Reconnecting..."
	case FallbackPolling:
		return "Polling"
	case Syncing:
		return "Syncing..."
	default:
		return s.String()
	}
}

// Aggregator is the Connection Status Aggregator.
type Aggregator struct {
	channel Channel
	timers  Timers
	feeds   map[string]bool
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	sig       signals
	attempts  int
	syncs     int
	polling   []string
	status    Status
	since     time.Time
	closed    bool
	watchers  map[uint64]func(Snapshot)
	nextWatch uint64

	notifyMu     sync.Mutex
	listenerIDs  []connection.ListenerID
	cancelTimers func()
}

// NewAggregator subscribes to channel and timers and computes the initial status.
func NewAggregator(channel Channel, timers Timers, opts Options) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	a := &Aggregator{
		channel:  channel,
		timers:   timers,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Clock,
		watchers: make(map[uint64]func(Snapshot)),
	}
	if len(opts.Feeds) > 0 {
		a.feeds = make(map[string]bool, len(opts.Feeds))
		for _, id := range opts.Feeds {
			a.feeds[id] = true
		}
	}

	a.listenerIDs = []connection.ListenerID{
		channel.OnConnect(a.handleConnect),
		channel.OnDisconnect(a.handleDisconnect),
		channel.OnReconnectAttempt(a.handleAttempt),
	}
	a.cancelTimers = timers.OnChange(func(string, bool) { a.refreshTimers() })

	a.mu.Lock()
	if channel.IsConnected() {
		a.sig.seen = true
		a.sig.connected = true
	}
	a.attempts = channel.ReconnectAttempts()
	a.polling = a.filter(timers.Active())
	a.sig.polling = len(a.polling) > 0
	a.status = derive(a.sig)
	a.since = a.now()
	a.mu.Unlock()

	a.metrics.SetStatus(a.status.String(), statusNames())
	return a
}

// Status returns the current status.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Label returns the display text for the current status.
func (a *Aggregator) Label() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Label(a.status, a.attempts)
}

// Snapshot returns the full state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	return Snapshot{
		Status:            a.status,
		Label:             Label(a.status, a.attempts),
		Connected:         a.sig.connected,
		ReconnectAttempts: a.attempts,
		PollingFeeds:      slices.Clone(a.polling),
		Syncing:           a.syncs,
		Since:             a.since,
	}
}

// BeginSync marks a resync in flight until done is called. done is idempotent.
func (a *Aggregator) BeginSync() (done func()) {
	a.update(func() {
		a.syncs++
		a.sig.syncing = true
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			a.update(func() {
				a.syncs--
				a.sig.syncing = a.syncs > 0
			})
		})
	}
}

// Watch registers fn for every status change. fn is called serially.
func (a *Aggregator) Watch(fn func(Snapshot)) (cancel func()) {
	a.mu.Lock()
	id := a.nextWatch
	a.nextWatch++
	a.watchers[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.watchers, id)
		a.mu.Unlock()
	}
}

// Close detaches from the channel and the scheduler. Idempotent.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	clear(a.watchers)
	a.mu.Unlock()

	for _, id := range a.listenerIDs {
		a.channel.RemoveListener(id)
	}
	a.cancelTimers()
}

func (a *Aggregator) handleConnect() {
	a.update(func() {
		a.sig.seen = true
		a.sig.connected = true
		a.sig.dialing = false
		a.attempts = 0
	})
}

func (a *Aggregator) handleDisconnect(error) {
	a.update(func() {
		a.sig.seen = true
		a.sig.connected = false
		a.sig.dialing = false
	})
}

func (a *Aggregator) handleAttempt(ev connection.AttemptEvent) {
	a.update(func() {
		a.attempts = ev.Attempt
		a.sig.dialing = ev.Phase == connection.AttemptDialing
	})
}

// refreshTimers re-reads the active set inside update so the last
// notification always reflects the scheduler's latest state.
func (a *Aggregator) refreshTimers() {
	a.update(func() {
		active := a.filter(a.timers.Active())
		a.polling = active
		a.sig.polling = len(active) > 0
	})
}

func (a *Aggregator) filter(ids []string) []string {
	if a.feeds == nil {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if a.feeds[id] {
			out = append(out, id)
		}
	}
	return out
}

// update applies mutate, re-derives the status and notifies watchers.
// Watchers also hear attempt-count changes while Reconnecting.
func (a *Aggregator) update(mutate func()) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	prev := a.snapshotLocked()
	mutate()
	next := derive(a.sig)
	if next != a.status {
		a.status = next
		a.since = a.now()
	}
	snap := a.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(a.watchers))
	for i := range a.nextWatch {
		if fn, ok := a.watchers[i]; ok {
			fns = append(fns, fn)
		}
	}
	a.mu.Unlock()

	if snap.Status != prev.Status {
		a.metrics.SetStatus(snap.Status.String(), statusNames())
		a.logger.Info("connection status changed",
			"from", prev.Status,
			"to", snap.Status,
			"reconnect_attempts", snap.ReconnectAttempts,
			"polling_feeds", len(snap.PollingFeeds),
		)
	}
	if snap.Status == prev.Status && snap.Label == prev.Label {
		return
	}
	for _, fn := range fns {
		fn(snap)
	}
}

func statusNames() []string {
	names := make([]string, len(All))
	for i, s := range All {
		names[i] = s.String()
	}
	return names
}
