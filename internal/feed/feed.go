package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/metrics"
)

// Feed is one synchronized value.
type Feed[V any] struct {
	id      string
	opts    Options[V]
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// ctx lives until Close; every fetch runs under it.
	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu         sync.Mutex
	value      V
	hasValue   bool
	lastUpdate time.Time
	source     Source
	loading    int
	err        error
	stale      bool
	closed     bool
	fetchGen   uint64 // singleflight key; bumped by forced fetches
	watchdog   *time.Timer
	watchGen   uint64
	watchers   map[uint64]func(Snapshot[V])
	nextWatch  uint64
	pending    *cache.Entry

	subID     connection.SubscriptionID
	hasSub    bool
	onConnID  connection.ListenerID
	onDownID  connection.ListenerID
	notifyMu  sync.Mutex
	saveCh    chan struct{}
	saverDone chan struct{}
}

// New creates a feed, seeds it from the cache, subscribes to its topic and
// starts the initial fetch. Polling starts at once if the channel is down.
func New[V any](deps Deps, opts Options[V]) (*Feed[V], error) {
	if opts.ID == "" {
		return nil, ErrNoID
	}
	if opts.Fetch == nil {
		return nil, ErrNoFetch
	}
	if opts.Topic != "" && opts.Transform == nil {
		return nil, ErrNoTransform
	}
	if deps.Channel == nil {
		return nil, ErrNoChannel
	}
	if deps.Timers == nil {
		return nil, ErrNoTimers
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed[V]{
		id:       opts.ID,
		opts:     opts,
		deps:     deps,
		logger:   deps.Logger.With("feed", opts.ID),
		metrics:  deps.Metrics,
		now:      deps.Clock,
		ctx:      ctx,
		cancel:   cancel,
		source:   SourceNone,
		watchers: make(map[uint64]func(Snapshot[V])),
	}

	if deps.Cache != nil {
		f.seedFromCache()
		f.saveCh = make(chan struct{}, 1)
		f.saverDone = make(chan struct{})
		go f.saveLoop()
	}

	if opts.Topic != "" {
		f.subID = deps.Channel.Subscribe(opts.Topic, f.handlePush)
		f.hasSub = true
	}
	f.onConnID = deps.Channel.OnConnect(f.handleConnect)
	f.onDownID = deps.Channel.OnDisconnect(f.handleDisconnect)

	if deps.Channel.IsConnected() {
		f.armWatchdog()
	} else {
		f.ensurePolling()
	}

	if !opts.SkipInitialFetch {
		f.mu.Lock()
		f.loading++
		f.mu.Unlock()
		go f.fetch(f.ctx, "initial", false)
	}

	return f, nil
}

// ID returns the feed ID.
func (f *Feed[V]) ID() string { return f.id }

// Snapshot returns the current state.
func (f *Feed[V]) Snapshot() Snapshot[V] {
	polling := f.deps.Timers.IsRunning(f.id)
	connected := f.deps.Channel.IsConnected()

	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot[V]{
		ID:         f.id,
		Value:      f.value,
		HasValue:   f.hasValue,
		LastUpdate: f.lastUpdate,
		Source:     f.source,
		IsLoading:  f.loading > 0,
		Err:        f.err,
		Stale:      f.stale,
		Polling:    polling,
		Connected:  connected,
	}
}

// View returns the state in the shape UI code consumes.
func (f *Feed[V]) View() View[V] {
	return ViewOf(f.Snapshot())
}

// ViewOf converts a snapshot to a View.
func ViewOf[V any](s Snapshot[V]) View[V] {
	v := View[V]{
		IsConnected: s.Connected,
		IsRealTime:  s.Connected && s.Source == SourcePush && !s.Stale,
		LastUpdate:  s.LastUpdate,
		Source:      s.Source,
		IsLoading:   s.IsLoading,
	}
	if s.HasValue {
		val := s.Value
		v.Data = &val
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

// Refresh fetches immediately regardless of channel state. It never joins a
// fetch issued before the call, so the result reflects state at or after it.
// It neither starts nor stops the fallback timer. Returns the fetch error, if any.
func (f *Feed[V]) Refresh(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.loading++
	f.mu.Unlock()

	if f.deps.Sync != nil {
		done := f.deps.Sync.BeginSync()
		defer done()
	}
	return f.fetch(ctx, "refresh", true)
}

// Watch registers fn for every state change. fn is called serially.
func (f *Feed[V]) Watch(fn func(Snapshot[V])) (cancel func()) {
	f.mu.Lock()
	id := f.nextWatch
	f.nextWatch++
	f.watchers[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}
}

// Close detaches the feed from the channel and the scheduler. Idempotent.
// In-flight fetches complete into nothing.
func (f *Feed[V]) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.stopWatchdogLocked()
	clear(f.watchers)
	f.mu.Unlock()

	if f.hasSub {
		f.deps.Channel.Unsubscribe(f.subID)
	}
	f.deps.Channel.RemoveListener(f.onConnID)
	f.deps.Channel.RemoveListener(f.onDownID)
	f.deps.Timers.Stop(f.id)
	f.cancel()

	if f.saverDone != nil {
		<-f.saverDone
	}
	f.logger.Debug("feed closed")
}

// handlePush applies one event under the monotonicity guard.
func (f *Feed[V]) handlePush(ev connection.Event) {
	v, ok := f.opts.Transform(ev)
	if !ok {
		return
	}

	at := ev.ReceivedAt
	if at.IsZero() {
		at = f.now()
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if at.Before(f.lastUpdate) {
		f.mu.Unlock()
		f.metrics.IncFeedUpdate(f.id, string(SourcePush), false)
		f.logger.Debug("discarding out-of-order push", "received_at", at)
		return
	}
	f.value = v
	f.hasValue = true
	f.lastUpdate = at
	f.source = SourcePush
	f.err = nil
	f.stale = false
	f.resetWatchdogLocked()
	f.mu.Unlock()

	f.metrics.IncFeedUpdate(f.id, string(SourcePush), true)

	// A fresh push with the channel up ends fallback polling.
	if f.deps.Channel.IsConnected() && f.deps.Timers.Stop(f.id) {
		f.logger.Info("push resumed, fallback polling stopped")
	}

	f.queueSave(v, SourcePush, at)
	f.notify()
}

// handleConnect resyncs once; a successful resync ends fallback polling.
func (f *Feed[V]) handleConnect() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.stale = false
	f.loading++
	f.mu.Unlock()

	go func() {
		var done func()
		if f.deps.Sync != nil {
			done = f.deps.Sync.BeginSync()
		}
		err := f.fetch(f.ctx, "reconnect", true)
		if done != nil {
			done()
		}
		if err != nil {
			f.logger.Warn("resync after reconnect failed; polling continues", "error", err)
			return
		}
		if !f.deps.Channel.IsConnected() {
			return
		}
		f.deps.Timers.Stop(f.id)
		f.armWatchdog()
	}()
}

func (f *Feed[V]) handleDisconnect(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.stopWatchdogLocked()
	f.mu.Unlock()

	f.ensurePolling()
	f.notify()
}

func (f *Feed[V]) ensurePolling() {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	f.deps.Timers.EnsureRunning(f.id, f.opts.PollInterval, f.poll)
}

// poll is the fallback scheduler task.
func (f *Feed[V]) poll(ctx context.Context) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.loading++
	f.mu.Unlock()

	f.fetch(ctx, "poll", false)
}

// fetch runs one coalesced fetch and applies the result. A forced fetch
// starts a new generation instead of joining one already in flight; later
// callers join it. The caller has already counted itself in f.loading.
func (f *Feed[V]) fetch(ctx context.Context, reason string, forced bool) error {
	f.mu.Lock()
	if forced {
		f.fetchGen++
	}
	key := strconv.FormatUint(f.fetchGen, 10)
	f.mu.Unlock()

	ch := f.group.DoChan(key, func() (any, error) {
		issuedAt := f.now()
		fctx := f.ctx
		if f.opts.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, f.opts.FetchTimeout)
			defer cancel()
		}
		v, err := f.opts.Fetch(fctx)
		if err != nil {
			return nil, err
		}
		return fetchResult[V]{value: v, issuedAt: issuedAt}, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		f.finishLoading()
		return ctx.Err()
	}

	if res.Err != nil {
		return f.applyFetchError(reason, res.Err)
	}
	return f.applyFetch(reason, res.Val.(fetchResult[V]))
}

func (f *Feed[V]) finishLoading() {
	f.mu.Lock()
	if f.loading > 0 {
		f.loading--
	}
	closed := f.closed
	f.mu.Unlock()
	if !closed {
		f.notify()
	}
}

func (f *Feed[V]) applyFetchError(reason string, err error) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.loading > 0 {
		f.loading--
	}
	f.err = fmt.Errorf("%s fetch: %w", reason, err)
	wrapped := f.err
	f.mu.Unlock()

	f.metrics.IncFetchError(f.id)
	f.logger.Warn("fetch failed", "reason", reason, "error", err)
	f.notify()
	return wrapped
}

func (f *Feed[V]) applyFetch(reason string, r fetchResult[V]) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.loading > 0 {
		f.loading--
	}
	f.err = nil
	if !r.issuedAt.After(f.lastUpdate) {
		f.mu.Unlock()
		f.metrics.IncFeedUpdate(f.id, string(SourcePoll), false)
		f.logger.Debug("discarding stale fetch", "reason", reason, "issued_at", r.issuedAt)
		f.notify()
		return nil
	}
	f.value = r.value
	f.hasValue = true
	f.lastUpdate = r.issuedAt
	f.source = SourcePoll
	f.mu.Unlock()

	f.metrics.IncFeedUpdate(f.id, string(SourcePoll), true)
	f.queueSave(r.value, SourcePoll, r.issuedAt)
	f.notify()
	return nil
}

// armWatchdog (re)starts the stale timer while the channel is up.
func (f *Feed[V]) armWatchdog() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetWatchdogLocked()
}

func (f *Feed[V]) resetWatchdogLocked() {
	if f.opts.StaleAfter <= 0 || f.closed {
		return
	}
	f.stopWatchdogLocked()
	gen := f.watchGen
	f.watchdog = time.AfterFunc(f.opts.StaleAfter, func() { f.markStale(gen) })
}

// stopWatchdogLocked disarms the timer. A callback already running sees a
// newer generation and does nothing.
func (f *Feed[V]) stopWatchdogLocked() {
	f.watchGen++
	if f.watchdog != nil {
		f.watchdog.Stop()
		f.watchdog = nil
	}
}

// markStale starts polling when the channel is up but silent. gen is the
// generation the firing timer was armed with.
func (f *Feed[V]) markStale(gen uint64) {
	if !f.deps.Channel.IsConnected() {
		return
	}

	f.mu.Lock()
	if f.closed || f.stale || gen != f.watchGen {
		f.mu.Unlock()
		return
	}
	f.stale = true
	f.watchdog = nil
	f.mu.Unlock()

	f.logger.Info("no push within stale threshold, polling", "stale_after", f.opts.StaleAfter)
	f.ensurePolling()
	f.notify()
}

func (f *Feed[V]) notify() {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	if f.closed || len(f.watchers) == 0 {
		f.mu.Unlock()
		return
	}
	fns := make([]func(Snapshot[V]), 0, len(f.watchers))
	for i := range f.nextWatch {
		if fn, ok := f.watchers[i]; ok {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()

	snap := f.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

func (f *Feed[V]) seedFromCache() {
	ctx, cancel := context.WithTimeout(f.ctx, f.opts.SaveTimeout)
	defer cancel()

	entry, ok, err := f.deps.Cache.Load(ctx, f.id)
	if err != nil {
		f.logger.Warn("cache load failed", "error", err)
		return
	}
	if !ok {
		return
	}

	var v V
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		f.logger.Warn("cached value does not decode, ignoring", "error", err)
		return
	}

	f.mu.Lock()
	f.value = v
	f.hasValue = true
	f.lastUpdate = entry.UpdatedAt
	f.source = SourceNone
	f.mu.Unlock()

	f.logger.Info("seeded from cache", "updated_at", entry.UpdatedAt)
}

// queueSave hands the latest value to the saver. A pending entry is only
// replaced by one at least as new.
func (f *Feed[V]) queueSave(v V, src Source, at time.Time) {
	if f.saveCh == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		f.logger.Warn("value does not encode, not cached", "error", err)
		return
	}

	f.mu.Lock()
	if f.pending != nil && at.Before(f.pending.UpdatedAt) {
		f.mu.Unlock()
		return
	}
	f.pending = &cache.Entry{
		FeedID:    f.id,
		Value:     data,
		Source:    string(src),
		UpdatedAt: at,
	}
	f.mu.Unlock()

	select {
	case f.saveCh <- struct{}{}:
	default:
	}
}

func (f *Feed[V]) saveLoop() {
	defer close(f.saverDone)
	for {
		select {
		case <-f.ctx.Done():
			f.flushSave()
			return
		case <-f.saveCh:
			f.flushSave()
		}
	}
}

func (f *Feed[V]) flushSave() {
	f.mu.Lock()
	e := f.pending
	f.pending = nil
	f.mu.Unlock()
	if e == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.opts.SaveTimeout)
	defer cancel()
	if err := f.deps.Cache.Save(ctx, *e); err != nil {
		f.logger.Warn("cache save failed", "error", err)
	}
}
