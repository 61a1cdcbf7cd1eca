// Package metrics exposes Prometheus collectors for the sync core.
//
// Exported series:
//   - livesync_channel_connected             1 while the push channel is up
//   - livesync_channel_reconnects_total      reconnect attempts
//   - livesync_frames_total{result}          inbound frames (routed|malformed|unrouted)
//   - livesync_handler_panics_total{topic}   recovered subscriber panics
//   - livesync_fallback_timers_active        live fallback timers
//   - livesync_fallback_ticks_total{feed}    fallback timer ticks
//   - livesync_feed_updates_total{feed,source,result}  accepted|stale per source
//   - livesync_feed_fetch_errors_total{feed} failed snapshot fetches
//   - livesync_status{state}                 1 for the current presentation state
//
// Every method on *Metrics is safe on a nil receiver so components can run
// without a registry in tests.
package metrics
