package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "livesync"

// Metrics holds every collector used by the sync core.
type Metrics struct {
	channelConnected prometheus.Gauge
	reconnects       prometheus.Counter
	frames           *prometheus.CounterVec
	handlerPanics    *prometheus.CounterVec
	timersActive     prometheus.Gauge
	fallbackTicks    *prometheus.CounterVec
	feedUpdates      *prometheus.CounterVec
	fetchErrors      *prometheus.CounterVec
	status           *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
// A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		channelConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_connected",
			Help:      "1 while the push channel is connected.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reconnects_total",
			Help:      "Push channel reconnect attempts.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound push frames by result.",
		}, []string{"result"}), // routed|malformed|unrouted
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Subscriber handler panics recovered by the dispatcher.",
		}, []string{"topic"}),
		timersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fallback_timers_active",
			Help:      "Fallback poll timers currently running.",
		}),
		fallbackTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_ticks_total",
			Help:      "Fallback poll timer ticks.",
		}, []string{"feed"}),
		feedUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_updates_total",
			Help:      "Feed updates by source and whether the monotonicity guard accepted them.",
		}, []string{"feed", "source", "result"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_fetch_errors_total",
			Help:      "Failed snapshot fetches.",
		}, []string{"feed"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status",
			Help:      "Connection status; 1 for the current state.",
		}, []string{"state"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.channelConnected,
			m.reconnects,
			m.frames,
			m.handlerPanics,
			m.timersActive,
			m.fallbackTicks,
			m.feedUpdates,
			m.fetchErrors,
			m.status,
		)
	}

	return m
}

// SetConnected records the push channel state.
func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.channelConnected.Set(1)
	} else {
		m.channelConnected.Set(0)
	}
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// IncFrame counts an inbound frame; result is routed, malformed or unrouted.
func (m *Metrics) IncFrame(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(result).Inc()
}

func (m *Metrics) IncHandlerPanic(topic string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(topic).Inc()
}

func (m *Metrics) SetTimersActive(n int) {
	if m == nil {
		return
	}
	m.timersActive.Set(float64(n))
}

func (m *Metrics) IncFallbackTick(feed string) {
	if m == nil {
		return
	}
	m.fallbackTicks.WithLabelValues(feed).Inc()
}

// IncFeedUpdate counts an update offered to a feed; accepted reports the guard result.
func (m *Metrics) IncFeedUpdate(feed, source string, accepted bool) {
	if m == nil {
		return
	}
	result := "stale"
	if accepted {
		result = "accepted"
	}
	m.feedUpdates.WithLabelValues(feed, source, result).Inc()
}

func (m *Metrics) IncFetchError(feed string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(feed).Inc()
}

// SetStatus flips the status series so exactly one state reads 1.
func (m *Metrics) SetStatus(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		if s == current {
			m.status.WithLabelValues(s).Set(1)
		} else {
			m.status.WithLabelValues(s).Set(0)
		}
	}
}
