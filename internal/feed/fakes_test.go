package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/router"
	"github.com/rickgao/livesync/internal/scheduler"
)

// fakeChannel delivers through a real dispatcher so handler panics are
// isolated exactly as in production.
type fakeChannel struct {
	d *router.Dispatcher

	mu        sync.Mutex
	connected bool
	onConnect map[connection.ListenerID]func()
	onDown    map[connection.ListenerID]func(error)
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{
		d:         router.NewDispatcher(nil, nil),
		connected: connected,
		onConnect: make(map[connection.ListenerID]func()),
		onDown:    make(map[connection.ListenerID]func(error)),
	}
}

func (c *fakeChannel) Subscribe(topic connection.Topic, h connection.Handler) connection.SubscriptionID {
	return c.d.Register(topic, h).ID
}

func (c *fakeChannel) Unsubscribe(id connection.SubscriptionID) { c.d.Remove(id) }

func (c *fakeChannel) OnConnect(fn func()) connection.ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New()
	c.onConnect[id] = fn
	return id
}

func (c *fakeChannel) OnDisconnect(fn func(error)) connection.ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New()
	c.onDown[id] = fn
	return id
}

func (c *fakeChannel) RemoveListener(id connection.ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.onConnect, id)
	delete(c.onDown, id)
}

func (c *fakeChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.onConnect) + len(c.onDown)
}

func (c *fakeChannel) setConnected(up bool) {
	c.mu.Lock()
	c.connected = up
	var ups []func()
	var downs []func(error)
	for _, fn := range c.onConnect {
		ups = append(ups, fn)
	}
	for _, fn := range c.onDown {
		downs = append(downs, fn)
	}
	c.mu.Unlock()

	if up {
		for _, fn := range ups {
			fn()
		}
		return
	}
	for _, fn := range downs {
		fn(context.DeadlineExceeded)
	}
}

func (c *fakeChannel) push(topic connection.Topic, data string, at time.Time) {
	c.d.Deliver(connection.Event{Topic: topic, Data: []byte(data), ReceivedAt: at})
}

// fakeTimers records timers; tests fire ticks by hand.
type fakeTimers struct {
	mu     sync.Mutex
	tasks  map[string]scheduler.Task
	starts int
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{tasks: make(map[string]scheduler.Task)}
}

func (t *fakeTimers) EnsureRunning(feedID string, _ time.Duration, task scheduler.Task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[feedID]; ok {
		return false
	}
	t.tasks[feedID] = task
	t.starts++
	return true
}

func (t *fakeTimers) Stop(feedID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[feedID]
	delete(t.tasks, feedID)
	return ok
}

func (t *fakeTimers) IsRunning(feedID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[feedID]
	return ok
}

func (t *fakeTimers) tick(feedID string) bool {
	t.mu.Lock()
	task, ok := t.tasks[feedID]
	t.mu.Unlock()
	if ok {
		task(context.Background())
	}
	return ok
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// stubFetch replies with the value set when the call was issued; with block
// set, each call waits for release before replying.
type stubFetch struct {
	mu      sync.Mutex
	calls   int
	value   balance
	err     error
	block   bool
	started chan struct{}
	release chan struct{}
}

func newStubFetch(v balance) *stubFetch {
	return &stubFetch{value: v, started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (s *stubFetch) set(v balance, err error) {
	s.mu.Lock()
	s.value, s.err = v, err
	s.mu.Unlock()
}

func (s *stubFetch) setBlocking(b bool) {
	s.mu.Lock()
	s.block = b
	s.mu.Unlock()
}

func (s *stubFetch) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubFetch) Fetch(ctx context.Context) (balance, error) {
	s.mu.Lock()
	s.calls++
	block := s.block
	v, err := s.value, s.err
	s.mu.Unlock()

	s.started <- struct{}{}
	if block {
		<-s.release
	}
	return v, err
}

type fakeSync struct {
	mu       sync.Mutex
	inFlight int
	total    int
}

func (s *fakeSync) BeginSync() func() {
	s.mu.Lock()
	s.inFlight++
	s.total++
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
		})
	}
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]cache.Entry
	saves   int

	// With hold set, Save signals saving and blocks until hold is closed.
	hold   chan struct{}
	saving chan struct{}
}

func (c *fakeCache) Load(_ context.Context, feedID string) (cache.Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[feedID]
	return e, ok, nil
}

func (c *fakeCache) Save(_ context.Context, e cache.Entry) error {
	if c.hold != nil {
		c.saving <- struct{}{}
		<-c.hold
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]cache.Entry)
	}
	c.entries[e.FeedID] = e
	c.saves++
	return nil
}

func (c *fakeCache) get(feedID string) (cache.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[feedID]
	return e, ok
}
