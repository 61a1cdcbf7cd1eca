package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/livesync/internal/metrics"
	"github.com/rickgao/livesync/internal/router"
)

// Manager owns the process-wide push connection.
type Manager interface {
	// Start dials the channel and keeps it up until Stop.
	Start(ctx context.Context) error

	// Stop closes the channel and waits for the read path to drain.
	Stop(ctx context.Context) error

	// Subscribe registers h for every event on topic.
	Subscribe(topic Topic, h Handler) SubscriptionID

	// Unsubscribe removes exactly one registration. Idempotent.
	Unsubscribe(id SubscriptionID)

	// OnConnect registers fn for every transition to up.
	OnConnect(fn func()) ListenerID

	// OnDisconnect registers fn for every transition to down.
	OnDisconnect(fn func(err error)) ListenerID

	// OnReconnectAttempt registers fn for reconnect progress.
	OnReconnectAttempt(fn func(AttemptEvent)) ListenerID

	// RemoveListener removes a lifecycle listener. Idempotent.
	RemoveListener(id ListenerID)

	// IsConnected returns current channel state.
	IsConnected() bool

	// ReconnectAttempts returns consecutive attempts since the channel was last up.
	ReconnectAttempts() int

	// Stats returns current statistics.
	Stats() ManagerStats
}

type linkState int

const (
	stateUnknown linkState = iota // never connected, never failed
	stateUp
	stateDown
)

// listener is one lifecycle registration; exactly one callback is set.
type listener struct {
	id        ListenerID
	onConnect func()
	onDown    func(error)
	onAttempt func(AttemptEvent)
}

// manager implements the Manager interface.
type manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	router  *router.Router

	// newClient is swapped in tests.
	newClient func(ClientConfig, *slog.Logger) Client
	jitter    func() float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	stopped     bool
	state       linkState
	client      Client
	attempts    int
	connects    int64
	disconnects int64

	listenersMu sync.RWMutex
	listeners   []listener
}

// NewManager creates a push channel manager. m may be nil.
func NewManager(cfg ManagerConfig, logger *slog.Logger, m *metrics.Metrics) Manager {
	return newManager(cfg, logger, m)
}

func newManager(cfg ManagerConfig, logger *slog.Logger, m *metrics.Metrics) *manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultManagerConfig()
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait < cfg.ReconnectBaseWait {
		cfg.ReconnectMaxWait = max(def.ReconnectMaxWait, cfg.ReconnectBaseWait)
	}
	if cfg.ReconnectJitter < 0 || cfg.ReconnectJitter >= 1 {
		cfg.ReconnectJitter = def.ReconnectJitter
	}

	return &manager{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		router:    router.New(cfg.Router, logger.With("component", "router"), m),
		newClient: NewClient,
		jitter:    rand.Float64,
	}
}

// Start begins the connection loop. The first dial happens asynchronously;
// a failure there is reported through OnDisconnect like any other drop.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	m.started = true

	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.router.Start(m.ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	m.wg.Add(1)
	go m.run()

	m.logger.Info("push channel manager started", "url", m.cfg.WSURL)
	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	client := m.client
	m.mu.Unlock()

	m.logger.Info("stopping push channel manager")

	m.cancel()
	if client != nil {
		client.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}

	m.mu.Lock()
	m.state = stateDown
	m.client = nil
	m.mu.Unlock()
	m.metrics.SetConnected(false)

	if err := m.router.Stop(ctx); err != nil {
		return fmt.Errorf("stop router: %w", err)
	}

	m.logger.Info("push channel manager stopped")
	return nil
}

// Subscribe registers h for topic. Subscriptions survive reconnects.
func (m *manager) Subscribe(topic Topic, h Handler) SubscriptionID {
	first := !m.router.HasSubscribers(topic)
	reg := m.router.Register(topic, h)

	if first && topic != router.AllTopics && m.cfg.AnnounceTopics {
		m.announce([]Topic{topic})
	}
	return reg.ID
}

// Unsubscribe removes one registration. The connection stays up.
func (m *manager) Unsubscribe(id SubscriptionID) {
	m.router.Remove(id)
}

func (m *manager) OnConnect(fn func()) ListenerID {
	return m.addListener(listener{onConnect: fn})
}

func (m *manager) OnDisconnect(fn func(err error)) ListenerID {
	return m.addListener(listener{onDown: fn})
}

func (m *manager) OnReconnectAttempt(fn func(AttemptEvent)) ListenerID {
	return m.addListener(listener{onAttempt: fn})
}

func (m *manager) addListener(l listener) ListenerID {
	l.id = uuid.New()
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
	return l.id
}

func (m *manager) RemoveListener(id ListenerID) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = slices.DeleteFunc(m.listeners, func(l listener) bool { return l.id == id })
}

func (m *manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateUp
}

func (m *manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	stats := ManagerStats{
		Connected:         m.state == stateUp,
		ReconnectAttempts: m.attempts,
		Connects:          m.connects,
		Disconnects:       m.disconnects,
	}
	m.mu.Unlock()

	m.listenersMu.RLock()
	stats.Listeners = len(m.listeners)
	m.listenersMu.RUnlock()

	stats.Router = m.router.Stats()
	stats.Subscriptions = stats.Router.Subscriptions
	stats.Topics = len(m.router.Topics())
	return stats
}

// run dials, pumps frames until the link drops, then backs off and redials.
func (m *manager) run() {
	defer m.wg.Done()

	attempt := 0
	var lastErr error

	for {
		if attempt > 0 {
			delay := backoffDelay(m.cfg.ReconnectBaseWait, m.cfg.ReconnectMaxWait, attempt, m.cfg.ReconnectJitter, m.jitter)

			m.mu.Lock()
			m.attempts = attempt
			m.mu.Unlock()
			m.metrics.IncReconnect()

			m.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
			m.emitAttempt(AttemptEvent{Attempt: attempt, Phase: AttemptScheduled, Delay: delay, Err: lastErr})

			select {
			case <-m.ctx.Done():
				return
			case <-time.After(delay):
			}
			m.emitAttempt(AttemptEvent{Attempt: attempt, Phase: AttemptDialing, Err: lastErr})
		}

		client := m.newClient(m.cfg.clientConfig(), m.logger)
		if err := client.Connect(m.ctx); err != nil {
			client.Close()
			if m.ctx.Err() != nil {
				return
			}
			m.logger.Warn("push channel connect failed", "attempt", attempt, "error", err)
			lastErr = err
			if attempt > 0 {
				m.emitAttempt(AttemptEvent{Attempt: attempt, Phase: AttemptFailed, Err: err})
			}
			m.markDown(err)
			attempt++
			continue
		}

		if !m.markUp(client) {
			client.Close()
			return
		}
		if m.cfg.AnnounceTopics {
			m.announce(m.router.Topics())
		}

		err := m.pump(client)
		client.Close()
		if m.ctx.Err() != nil {
			return
		}

		m.logger.Warn("push channel dropped", "error", err)
		lastErr = err
		m.markDown(err)
		attempt = 1
	}
}

// pump forwards frames to the router until the client reports an error.
func (m *manager) pump(client Client) error {
	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()

		case err := <-client.Errors():
			return err

		case msg := <-client.Messages():
			m.router.Enqueue(router.RawMessage{
				Data:       msg.Data,
				ReceivedAt: msg.ReceivedAt,
			})
		}
	}
}

// markUp records the transition to up. Returns false if Stop won the race.
func (m *manager) markUp(client Client) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.client = client
	m.state = stateUp
	m.attempts = 0
	m.connects++
	m.mu.Unlock()

	m.metrics.SetConnected(true)
	m.logger.Info("push channel connected", "url", m.cfg.WSURL)

	for _, l := range m.snapshotListeners() {
		if l.onConnect != nil {
			m.safeCall("connect", l.onConnect)
		}
	}
	return true
}

// markDown fires OnDisconnect once per transition. A failed first dial
// counts as a transition so consumers can start polling immediately.
func (m *manager) markDown(err error) {
	m.mu.Lock()
	if m.state == stateDown || m.stopped {
		m.mu.Unlock()
		return
	}
	m.state = stateDown
	m.client = nil
	m.disconnects++
	m.mu.Unlock()

	m.metrics.SetConnected(false)

	for _, l := range m.snapshotListeners() {
		if l.onDown != nil {
			fn := l.onDown
			m.safeCall("disconnect", func() { fn(err) })
		}
	}
}

func (m *manager) emitAttempt(ev AttemptEvent) {
	for _, l := range m.snapshotListeners() {
		if l.onAttempt != nil {
			fn := l.onAttempt
			m.safeCall("reconnect_attempt", func() { fn(ev) })
		}
	}
}

func (m *manager) snapshotListeners() []listener {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	return slices.Clone(m.listeners)
}

func (m *manager) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("lifecycle listener panicked", "kind", kind, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// announce sends a SUBSCRIBE frame on the current connection, if any.
func (m *manager) announce(topics []Topic) {
	if len(topics) == 0 {
		return
	}

	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return
	}

	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = string(t)
	}
	slices.Sort(names)

	data, err := json.Marshal(subscribeCommand{Type: "SUBSCRIBE", Topics: names})
	if err != nil {
		m.logger.Error("encode subscribe command", "error", err)
		return
	}
	if err := client.Send(data); err != nil {
		m.logger.Warn("failed to announce topics", "topics", names, "error", err)
	}
}

// backoffDelay returns base*2^(attempt-1) scaled by a random factor in
// [1-jitter, 1+jitter], never above maxWait. rnd returns values in [0,1).
func backoffDelay(base, maxWait time.Duration, attempt int, jitter float64, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if jitter > 0 && rnd != nil {
		d *= 1 + jitter*(2*rnd()-1)
	}
	if d > float64(maxWait) {
		d = float64(maxWait)
	}
	return time.Duration(d)
}
