package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/livesync/internal/metrics"
)

// Dispatcher maps topics to ordered handler lists.
// Handler slices are copy-on-write so Route never holds the lock while
// calling out.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Topic][]*Registration
	byID     map[uuid.UUID]*Registration

	logger  *slog.Logger
	metrics *metrics.Metrics

	routed        atomic.Int64
	unrouted      atomic.Int64
	parseErrors   atomic.Int64
	handlerPanics atomic.Int64
}

// NewDispatcher creates an empty dispatcher. m may be nil.
func NewDispatcher(logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[Topic][]*Registration),
		byID:     make(map[uuid.UUID]*Registration),
		logger:   logger,
		metrics:  m,
	}
}

// Register appends h to the handler list for topic.
// The returned registration's ID is unique for the process lifetime.
func (d *Dispatcher) Register(topic Topic, h Handler) *Registration {
	reg := &Registration{
		ID:      uuid.New(),
		Topic:   topic,
		handler: h,
		active:  true,
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.handlers[topic]
	next := make([]*Registration, len(list), len(list)+1)
	copy(next, list)
	d.handlers[topic] = append(next, reg)
	d.byID[reg.ID] = reg
	return reg
}

// Remove unregisters by ID. Unknown or already-removed IDs return ok=false.
// empty is true when the topic has no handlers left.
func (d *Dispatcher) Remove(id uuid.UUID) (topic Topic, empty, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg, found := d.byID[id]
	if !found {
		return "", false, false
	}
	delete(d.byID, id)
	reg.active = false

	list := d.handlers[reg.Topic]
	next := make([]*Registration, 0, len(list))
	for _, r := range list {
		if r.ID != id {
			next = append(next, r)
		}
	}
	if len(next) == 0 {
		delete(d.handlers, reg.Topic)
		return reg.Topic, true, true
	}
	d.handlers[reg.Topic] = next
	return reg.Topic, false, true
}

// HasSubscribers reports whether any handler is registered for topic.
func (d *Dispatcher) HasSubscribers(topic Topic) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[topic]) > 0
}

// Topics returns every topic with at least one handler, excluding AllTopics.
func (d *Dispatcher) Topics() []Topic {
	d.mu.RLock()
	defer d.mu.RUnlock()

	topics := make([]Topic, 0, len(d.handlers))
	for t := range d.handlers {
		if t != AllTopics {
			topics = append(topics, t)
		}
	}
	return topics
}

// Count returns the number of live registrations.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// Route decodes one raw frame and delivers it.
// Malformed frames are dropped and counted; they never reach handlers.
func (d *Dispatcher) Route(msg RawMessage) {
	ev, err := Decode(msg)
	if err != nil {
		d.parseErrors.Add(1)
		d.metrics.IncFrame("malformed")
		d.logger.Warn("dropping malformed frame", "error", err, "size", len(msg.Data))
		return
	}
	d.Deliver(ev)
}

// Deliver invokes every handler for ev.Topic in registration order,
// followed by AllTopics handlers.
func (d *Dispatcher) Deliver(ev Event) {
	d.mu.RLock()
	list := d.handlers[ev.Topic]
	wildcard := d.handlers[AllTopics]
	d.mu.RUnlock()

	if len(list) == 0 && len(wildcard) == 0 {
		d.unrouted.Add(1)
		d.metrics.IncFrame("unrouted")
		return
	}

	d.routed.Add(1)
	d.metrics.IncFrame("routed")
	for _, reg := range list {
		d.invoke(reg, ev)
	}
	for _, reg := range wildcard {
		d.invoke(reg, ev)
	}
}

func (d *Dispatcher) invoke(reg *Registration, ev Event) {
	// A handler removed after the snapshot was taken must not fire.
	d.mu.RLock()
	active := reg.active
	d.mu.RUnlock()
	if !active {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.handlerPanics.Add(1)
			d.metrics.IncHandlerPanic(string(ev.Topic))
			d.logger.Error("subscriber handler panicked",
				"topic", ev.Topic,
				"subscription", reg.ID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	reg.handler(ev)
}

// Decode parses a {type, data, timestamp} frame.
func Decode(msg RawMessage) (Event, error) {
	var w frameWire
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}
	if w.Type == "" {
		return Event{}, ErrMissingType
	}

	ev := Event{
		Topic:      Topic(w.Type),
		Data:       w.Data,
		ReceivedAt: msg.ReceivedAt,
	}
	ev.SentAt = parseTimestamp(w.Timestamp)
	return ev, nil
}

// parseTimestamp accepts RFC 3339 strings or unix milliseconds.
// Anything else yields the zero time; the frame is still valid.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
