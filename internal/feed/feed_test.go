package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/connection"
)

type balance struct {
	Balance float64 `json:"balance"`
}

const topicBalance connection.Topic = "BALANCE_UPDATE"

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func balanceTransform(ev connection.Event) (balance, bool) {
	var b balance
	if err := json.Unmarshal(ev.Data, &b); err != nil || b.Balance == 0 {
		return balance{}, false
	}
	return b, true
}

type harness struct {
	ch     *fakeChannel
	timers *fakeTimers
	clock  *fakeClock
	fetch  *stubFetch
	sync   *fakeSync
	cache  *fakeCache
}

func newHarness(connected bool) *harness {
	return &harness{
		ch:     newFakeChannel(connected),
		timers: newFakeTimers(),
		clock:  &fakeClock{now: t0},
		fetch:  newStubFetch(balance{Balance: 100}),
		sync:   &fakeSync{},
	}
}

func (h *harness) deps() Deps {
	d := Deps{
		Channel: h.ch,
		Timers:  h.timers,
		Sync:    h.sync,
		Clock:   h.clock.Now,
	}
	if h.cache != nil {
		d.Cache = h.cache
	}
	return d
}

func (h *harness) newFeed(t *testing.T, mutate func(*Options[balance])) *Feed[balance] {
	t.Helper()
	opts := Options[balance]{
		ID:               "wallet_balance",
		Topic:            topicBalance,
		Transform:        balanceTransform,
		Fetch:            h.fetch.Fetch,
		PollInterval:     30 * time.Second,
		SkipInitialFetch: true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f, err := New(h.deps(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		h.fetch.setBlocking(false)
		select {
		case <-h.fetch.release:
		default:
			close(h.fetch.release)
		}
		f.Close()
	})
	return f
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(true)
	fetch := h.fetch.Fetch

	tests := []struct {
		name string
		deps Deps
		opts Options[balance]
		want error
	}{
		{"no id", h.deps(), Options[balance]{Fetch: fetch}, ErrNoID},
		{"no fetch", h.deps(), Options[balance]{ID: "x"}, ErrNoFetch},
		{"topic without transform", h.deps(), Options[balance]{ID: "x", Fetch: fetch, Topic: topicBalance}, ErrNoTransform},
		{"no channel", Deps{Timers: h.timers}, Options[balance]{ID: "x", Fetch: fetch}, ErrNoChannel},
		{"no timers", Deps{Channel: h.ch}, Options[balance]{ID: "x", Fetch: fetch}, ErrNoTimers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.deps, tt.opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInitialFetchSeedsValue(t *testing.T) {
	h := newHarness(true)
	h.fetch.setBlocking(true)

	f := h.newFeed(t, func(o *Options[balance]) { o.SkipInitialFetch = false })

	<-h.fetch.started
	snap := f.Snapshot()
	assert.True(t, snap.IsLoading)
	assert.False(t, snap.HasValue)
	assert.Equal(t, SourceNone, snap.Source)

	h.fetch.release <- struct{}{}

	require.Eventually(t, func() bool { return f.Snapshot().HasValue }, time.Second, time.Millisecond)
	snap = f.Snapshot()
	assert.Equal(t, 100.0, snap.Value.Balance)
	assert.Equal(t, SourcePoll, snap.Source)
	assert.Equal(t, t0, snap.LastUpdate)
	assert.False(t, snap.IsLoading)
	assert.False(t, snap.Polling, "channel is up, no fallback timer")
}

func TestPushAcceptedAndIrrelevantIgnored(t *testing.T) {
	h := newHarness(true)
	f := h.newFeed(t, nil)

	h.ch.push(topicBalance, `{"balance":42}`, at(1))
	snap := f.Snapshot()
	require.True(t, snap.HasValue)
	assert.Equal(t, 42.0, snap.Value.Balance)
	assert.Equal(t, SourcePush, snap.Source)
	assert.Equal(t, at(1), snap.LastUpdate)

	// Transform says no: nothing changes.
	h.ch.push(topicBalance, `{"other":1}`, at(2))
	assert.Equal(t, at(1), f.Snapshot().LastUpdate)

	// Other topics never reach the feed.
	h.ch.push("PNL_UPDATE", `{"balance":7}`, at(3))
	assert.Equal(t, 42.0, f.Snapshot().Value.Balance)

	view := f.View()
	require.NotNil(t, view.Data)
	assert.Equal(t, 42.0, view.Data.Balance)
	assert.True(t, view.IsConnected)
	assert.True(t, view.IsRealTime)
}

func TestOutOfOrderPushDiscarded(t *testing.T) {
	h := newHarness(true)
	f := h.newFeed(t, nil)

	h.ch.push(topicBalance, `{"balance":50}`, at(10))
	h.ch.push(topicBalance, `{"balance":49}`, at(9))
	assert.Equal(t, 50.0, f.Snapshot().Value.Balance)

	// Equal timestamps are accepted.
	h.ch.push(topicBalance, `{"balance":51}`, at(10))
	assert.Equal(t, 51.0, f.Snapshot().Value.Balance)
}

func TestStalePollIgnored(t *testing.T) {
	h := newHarness(true)
	f := h.newFeed(t, nil)

	h.fetch.set(balance{Balance: 48}, nil)
	h.fetch.setBlocking(true)
	h.clock.Set(at(9))

	errc := make(chan error, 1)
	go func() { errc <- f.Refresh(context.Background()) }()
	<-h.fetch.started

	h.clock.Set(at(10))
	h.ch.push(topicBalance, `{"balance":50}`, at(10))

	h.clock.Set(at(11))
	h.fetch.release <- struct{}{}
	require.NoError(t, <-errc)

	snap := f.Snapshot()
	assert.Equal(t, 50.0, snap.Value.Balance)
	assert.Equal(t, SourcePush, snap.Source)
	assert.Equal(t, at(10), snap.LastUpdate)
	assert.Nil(t, snap.Err)
}

func TestPushRecoversFallback(t *testing.T) {
	h := newHarness(false)
	f := h.newFeed(t, nil)

	require.True(t, h.timers.IsRunning("wallet_balance"), "channel down at creation starts polling")

	// First poll at t=0.
	require.True(t, h.timers.tick("wallet_balance"))
	snap := f.Snapshot()
	assert.Equal(t, 100.0, snap.Value.Balance)
	assert.Equal(t, SourcePoll, snap.Source)
	assert.True(t, snap.Polling)

	// Channel reconnects at t=5; the resync succeeds and stops the timer.
	h.clock.Set(at(5))
	h.ch.setConnected(true)
	require.Eventually(t, func() bool { return !h.timers.IsRunning("wallet_balance") }, time.Second, time.Millisecond)

	// Push at t=6.
	h.clock.Set(at(6))
	h.ch.push(topicBalance, `{"balance":105}`, at(6))

	snap = f.Snapshot()
	assert.Equal(t, 105.0, snap.Value.Balance)
	assert.Equal(t, SourcePush, snap.Source)
	assert.False(t, snap.Polling)
	assert.Equal(t, 1, h.timers.starts)
}

func TestFreshPushStopsPollingWhenChannelUp(t *testing.T) {
	h := newHarness(false)
	f := h.newFeed(t, nil)
	require.True(t, h.timers.IsRunning("wallet_balance"))

	// Channel comes up but the resync fails: polling continues.
	h.fetch.set(balance{}, errors.New("502 bad gateway"))
	h.ch.setConnected(true)
	require.Eventually(t, func() bool { return f.Snapshot().Err != nil }, time.Second, time.Millisecond)
	assert.True(t, h.timers.IsRunning("wallet_balance"))

	// The first fresh push ends it.
	h.ch.push(topicBalance, `{"balance":7}`, at(1))
	assert.False(t, h.timers.IsRunning("wallet_balance"))
	assert.Nil(t, f.Snapshot().Err)
}

func TestDisconnectStartsPolling(t *testing.T) {
	h := newHarness(true)
	h.newFeed(t, nil)
	assert.False(t, h.timers.IsRunning("wallet_balance"))

	h.ch.setConnected(false)
	assert.True(t, h.timers.IsRunning("wallet_balance"))

	// A second disconnect notification does not create a second timer.
	h.ch.setConnected(false)
	assert.Equal(t, 1, h.timers.starts)
}

func TestFetchErrorKeepsValue(t *testing.T) {
	h := newHarness(false)
	f := h.newFeed(t, nil)

	h.timers.tick("wallet_balance")
	require.Equal(t, 100.0, f.Snapshot().Value.Balance)

	h.clock.Set(at(30))
	h.fetch.set(balance{}, errors.New("connection refused"))
	h.timers.tick("wallet_balance")

	snap := f.Snapshot()
	assert.Equal(t, 100.0, snap.Value.Balance)
	assert.Equal(t, t0, snap.LastUpdate)
	require.Error(t, snap.Err)
	assert.Contains(t, snap.Err.Error(), "connection refused")
	assert.True(t, snap.Polling, "errors do not change the cadence")
	assert.Equal(t, "poll fetch: connection refused", f.View().Error)

	h.clock.Set(at(60))
	h.fetch.set(balance{Balance: 90}, nil)
	h.timers.tick("wallet_balance")

	snap = f.Snapshot()
	assert.Nil(t, snap.Err)
	assert.Equal(t, 90.0, snap.Value.Balance)
	assert.Equal(t, at(60), snap.LastUpdate)
}

func TestRefreshDoesNotTouchTimer(t *testing.T) {
	h := newHarness(true)
	f := h.newFeed(t, nil)

	require.NoError(t, f.Refresh(context.Background()))
	assert.False(t, h.timers.IsRunning("wallet_balance"))
	assert.Equal(t, 1, h.sync.total)
	assert.Equal(t, 0, h.sync.inFlight)

	h.ch.setConnected(false)
	require.True(t, h.timers.IsRunning("wallet_balance"))

	h.clock.Set(at(1))
	require.NoError(t, f.Refresh(context.Background()))
	assert.True(t, h.timers.IsRunning("wallet_balance"))
}

func TestRefreshReportsSyncWhileInFlight(t *testing.T) {
	h := newHarness(true)
	f := h.newFeed(t, nil)
	h.fetch.setBlocking(true)

	errc := make(chan error, 1)
	go func() { errc <- f.Refresh(context.Background()) }()
	<-h.fetch.started

	h.sync.mu.Lock()
	inFlight := h.sync.inFlight
	h.sync.mu.Unlock()
	assert.Equal(t, 1, inFlight)

	h.fetch.release <- struct{}{}
	require.NoError(t, <-errc)

	h.sync.mu.Lock()
	defer h.sync.mu.Unlock()
	assert.Equal(t, 0, h.sync.inFlight)
}

func TestRefreshDoesNotJoinEarlierPoll(t *testing.T) {
	h := newHarness(false)
	f := h.newFeed(t, nil)
	h.fetch.setBlocking(true)

	// A poll goes out while the server still reports 100.
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		h.timers.tick("wallet_balance")
	}()
	<-h.fetch.started

	// An order fills; the UI refreshes for the new balance.
	h.fetch.set(balance{Balance: 200}, nil)
	h.clock.Set(at(1))
	errc := make(chan error, 1)
	go func() { errc <- f.Refresh(context.Background()) }()
	<-h.fetch.started
	assert.Equal(t, 2, h.fetch.count(), "refresh issues its own request")

	close(h.fetch.release)
	require.NoError(t, <-errc)
	<-pollDone

	snap := f.Snapshot()
	assert.Equal(t, 200.0, snap.Value.Balance)
	assert.Equal(t, at(1), snap.LastUpdate)
	assert.False(t, snap.IsLoading)
}

func TestPollJoinsInFlightRefresh(t *testing.T) {
	h := newHarness(false)
	f := h.newFeed(t, nil)
	h.fetch.setBlocking(true)

	errc := make(chan error, 1)
	go func() { errc <- f.Refresh(context.Background()) }()
	<-h.fetch.started

	const ticks = 3
	var wg sync.WaitGroup
	wg.Add(ticks)
	for range ticks {
		go func() {
			defer wg.Done()
			h.timers.tick("wallet_balance")
		}()
	}
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.loading == ticks+1
	}, time.Second, time.Millisecond)

	close(h.fetch.release)
	require.NoError(t, <-errc)
	wg.Wait()

	assert.Equal(t, 1, h.fetch.count())
	snap := f.Snapshot()
	assert.False(t, snap.IsLoading)
	assert.Equal(t, 100.0, snap.Value.Balance)
}

func TestTeardownDiscardsInFlightFetch(t *testing.T) {
	h := newHarness(true)
	f := h.newFeed(t, nil)
	h.fetch.setBlocking(true)

	var notified int
	var mu sync.Mutex
	f.Watch(func(Snapshot[balance]) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	errc := make(chan error, 1)
	go func() { errc <- f.Refresh(context.Background()) }()
	<-h.fetch.started

	before := f.Snapshot()
	mu.Lock()
	notifiedBefore := notified
	mu.Unlock()

	f.Close()
	h.fetch.release <- struct{}{}
	assert.ErrorIs(t, <-errc, ErrClosed)

	after := f.Snapshot()
	assert.Equal(t, before.HasValue, after.HasValue)
	assert.Equal(t, before.LastUpdate, after.LastUpdate)
	assert.Equal(t, before.Source, after.Source)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, notifiedBefore, notified, "no listener fires after Close")
}

func TestCloseIdempotentAndDetaches(t *testing.T) {
	h := newHarness(false)
	f := h.newFeed(t, nil)
	require.True(t, h.timers.IsRunning("wallet_balance"))
	require.Equal(t, 2, h.ch.listenerCount())
	require.Equal(t, 1, h.ch.d.Count())

	f.Close()
	f.Close()

	assert.False(t, h.timers.IsRunning("wallet_balance"))
	assert.Equal(t, 0, h.ch.listenerCount())
	assert.Equal(t, 0, h.ch.d.Count())

	// Events after Close do nothing.
	h.ch.push(topicBalance, `{"balance":1}`, at(1))
	assert.False(t, f.Snapshot().HasValue)
	assert.ErrorIs(t, f.Refresh(context.Background()), ErrClosed)
}

func TestMultiSubscriberIsolation(t *testing.T) {
	h := newHarness(true)

	pnlTopic := connection.Topic("PNL_UPDATE")
	boom := h.newFeed(t, func(o *Options[balance]) {
		o.ID = "exploding"
		o.Topic = pnlTopic
		o.Transform = func(connection.Event) (balance, bool) { panic("bad payload") }
	})
	good := h.newFeed(t, func(o *Options[balance]) {
		o.ID = "pnl"
		o.Topic = pnlTopic
		o.Transform = func(ev connection.Event) (balance, bool) {
			var p struct {
				PnL float64 `json:"pnl"`
			}
			json.Unmarshal(ev.Data, &p)
			return balance{Balance: p.PnL}, true
		}
	})

	h.ch.push(pnlTopic, `{"pnl":12.5}`, at(1))

	assert.False(t, boom.Snapshot().HasValue)
	snap := good.Snapshot()
	require.True(t, snap.HasValue)
	assert.Equal(t, 12.5, snap.Value.Balance)
}

func TestStaleWatchdogStartsPolling(t *testing.T) {
	h := newHarness(true)
	f := h.newFeed(t, func(o *Options[balance]) { o.StaleAfter = 30 * time.Millisecond })

	require.Eventually(t, func() bool { return h.timers.IsRunning("wallet_balance") }, time.Second, time.Millisecond)
	snap := f.Snapshot()
	assert.True(t, snap.Stale)
	assert.False(t, f.View().IsRealTime)

	h.ch.push(topicBalance, `{"balance":3}`, at(1))
	snap = f.Snapshot()
	assert.False(t, snap.Stale)
	assert.False(t, h.timers.IsRunning("wallet_balance"))
}

func TestSupersededWatchdogDoesNotMarkStale(t *testing.T) {
	h := newHarness(true)
	f := h.newFeed(t, func(o *Options[balance]) { o.StaleAfter = time.Hour })

	f.mu.Lock()
	armed := f.watchGen
	f.mu.Unlock()

	// The push re-arms the watchdog; the old timer's callback then runs late.
	h.ch.push(topicBalance, `{"balance":9}`, at(1))
	f.markStale(armed)

	snap := f.Snapshot()
	assert.False(t, snap.Stale)
	assert.False(t, snap.Polling)
	f.mu.Lock()
	assert.NotNil(t, f.watchdog, "current timer stays armed")
	current := f.watchGen
	f.mu.Unlock()

	// The current generation still fires.
	f.markStale(current)
	assert.True(t, f.Snapshot().Stale)
	assert.True(t, h.timers.IsRunning("wallet_balance"))
}

func TestWatchReceivesUpdates(t *testing.T) {
	h := newHarness(true)
	f := h.newFeed(t, nil)

	var got []float64
	cancel := f.Watch(func(s Snapshot[balance]) { got = append(got, s.Value.Balance) })

	h.ch.push(topicBalance, `{"balance":1}`, at(1))
	h.ch.push(topicBalance, `{"balance":2}`, at(2))
	cancel()
	h.ch.push(topicBalance, `{"balance":3}`, at(3))

	assert.Equal(t, []float64{1, 2}, got)
}

func TestCacheSeedAndSave(t *testing.T) {
	h := newHarness(true)
	h.cache = &fakeCache{entries: map[string]cache.Entry{
		"wallet_balance": {FeedID: "wallet_balance", Value: []byte(`{"balance":77}`), Source: "push", UpdatedAt: at(-60)},
	}}

	f := h.newFeed(t, nil)
	snap := f.Snapshot()
	require.True(t, snap.HasValue)
	assert.Equal(t, 77.0, snap.Value.Balance)
	assert.Equal(t, SourceNone, snap.Source)
	assert.Equal(t, at(-60), snap.LastUpdate)

	// An older push than the cached row is still discarded.
	h.ch.push(topicBalance, `{"balance":1}`, at(-61))
	assert.Equal(t, 77.0, f.Snapshot().Value.Balance)

	h.ch.push(topicBalance, `{"balance":80}`, at(1))
	require.Eventually(t, func() bool {
		e, ok := h.cache.get("wallet_balance")
		return ok && e.UpdatedAt.Equal(at(1))
	}, time.Second, time.Millisecond)

	e, _ := h.cache.get("wallet_balance")
	assert.JSONEq(t, `{"balance":80}`, string(e.Value))
	assert.Equal(t, "push", e.Source)
}

func TestPendingSaveKeepsNewest(t *testing.T) {
	h := newHarness(true)
	h.cache = &fakeCache{hold: make(chan struct{}), saving: make(chan struct{}, 4)}
	f := h.newFeed(t, nil)

	// Park the saver inside a write.
	f.queueSave(balance{Balance: 1}, SourcePush, at(1))
	<-h.cache.saving

	// A push and a poll race; the older one is queued last.
	f.queueSave(balance{Balance: 5}, SourcePush, at(5))
	f.queueSave(balance{Balance: 3}, SourcePoll, at(3))
	close(h.cache.hold)

	require.Eventually(t, func() bool {
		e, ok := h.cache.get("wallet_balance")
		return ok && e.UpdatedAt.Equal(at(5))
	}, time.Second, time.Millisecond)

	e, _ := h.cache.get("wallet_balance")
	assert.JSONEq(t, `{"balance":5}`, string(e.Value))
	assert.Equal(t, "push", e.Source)
}
