// Package api provides the request/response client for the dashboard's REST
// snapshot endpoints.
//
// Feeds use it as their fetch function: one call returns the current value of
// a panel, independent of the push channel.
//
// Snapshot endpoints:
//   - /api/futures/wallet-balance
//   - /api/futures/positions
//   - /api/futures/metrics
//   - /api/futures/autopilot/circuit-breaker/status
//
// All requests from one Client share a single token bucket, so every feed
// polling together stays within the configured request budget.
package api
