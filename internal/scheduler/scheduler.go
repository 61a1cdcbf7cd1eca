package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/livesync/internal/metrics"
)

// DefaultInterval is used when EnsureRunning is given a non-positive interval.
const DefaultInterval = 30 * time.Second

// Task is one fallback poll. ctx is cancelled when the timer stops.
type Task func(ctx context.Context)

// TimerInfo describes one running timer.
type TimerInfo struct {
	FeedID   string
	Interval time.Duration
	Since    time.Time
	Ticks    int64
}

type timer struct {
	feedID   string
	interval time.Duration
	since    time.Time
	cancel   context.CancelFunc
	ticks    atomic.Int64
}

// Scheduler is the keyed fallback timer registry.
type Scheduler struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	timers    map[string]*timer
	closed    bool
	listeners map[uint64]func(feedID string, running bool)
	nextID    uint64
}

// New creates a scheduler. m may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:    logger,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[string]*timer),
		listeners: make(map[uint64]func(string, bool)),
	}
}

// EnsureRunning starts a timer for feedID unless one exists.
// The first tick fires one interval after start.
// Returns true if this call started the timer.
func (s *Scheduler) EnsureRunning(feedID string, interval time.Duration, task Task) bool {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.timers[feedID]; ok {
		s.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &timer{
		feedID:   feedID,
		interval: interval,
		since:    time.Now(),
		cancel:   cancel,
	}
	s.timers[feedID] = t
	active := len(s.timers)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, t, task)

	s.metrics.SetTimersActive(active)
	s.logger.Info("fallback polling started", "feed", feedID, "interval", interval)
	s.notify(feedID, true)
	return true
}

// Stop cancels the timer for feedID. Unknown IDs are a no-op.
// It does not wait for an in-flight tick, so a task may stop its own timer.
// Returns true if a timer was stopped.
func (s *Scheduler) Stop(feedID string) bool {
	s.mu.Lock()
	t, ok := s.timers[feedID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.timers, feedID)
	active := len(s.timers)
	s.mu.Unlock()

	t.cancel()

	s.metrics.SetTimersActive(active)
	s.logger.Info("fallback polling stopped",
		"feed", feedID,
		"ticks", t.ticks.Load(),
		"ran_for", time.Since(t.since).Round(time.Millisecond),
	)
	s.notify(feedID, false)
	return true
}

// StopAll stops every timer. The scheduler stays usable.
func (s *Scheduler) StopAll() {
	for _, id := range s.Active() {
		s.Stop(id)
	}
}

// Close stops every timer, rejects further EnsureRunning calls and waits
// for in-flight ticks to return.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.StopAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler close: %w", ctx.Err())
	}
}

// IsRunning reports whether feedID has a live timer.
func (s *Scheduler) IsRunning(feedID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[feedID]
	return ok
}

// Active returns the feed IDs with live timers, sorted.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.timers))
	for id := range s.timers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Timers returns details for every live timer, sorted by feed ID.
func (s *Scheduler) Timers() []TimerInfo {
	s.mu.Lock()
	infos := make([]TimerInfo, 0, len(s.timers))
	for _, t := range s.timers {
		infos = append(infos, TimerInfo{
			FeedID:   t.feedID,
			Interval: t.interval,
			Since:    t.since,
			Ticks:    t.ticks.Load(),
		})
	}
	s.mu.Unlock()

	slices.SortFunc(infos, func(a, b TimerInfo) int {
		if a.FeedID < b.FeedID {
			return -1
		}
		if a.FeedID > b.FeedID {
			return 1
		}
		return 0
	})
	return infos
}

// OnChange registers fn for every timer start and stop.
// fn runs on the goroutine that caused the change, outside the scheduler lock.
func (s *Scheduler) OnChange(fn func(feedID string, running bool)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Scheduler) notify(feedID string, running bool) {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(string, bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(feedID, running)
	}
}

// run is the tick loop for one timer.
func (s *Scheduler) run(ctx context.Context, t *timer, task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			t.ticks.Add(1)
			s.metrics.IncFallbackTick(t.feedID)
			s.tick(ctx, t, task)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, t *timer, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("fallback task panicked", "feed", t.feedID, "panic", fmt.Sprint(r))
		}
	}()
	task(ctx)
}
