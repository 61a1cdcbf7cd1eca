// Package panels binds the dashboard's live panels to feeds.
//
// Each panel pairs a push topic with the REST endpoint that returns the same
// value as a snapshot:
//
//	wallet_balance   BALANCE_UPDATE          /api/futures/wallet-balance
//	positions        POSITION_UPDATE         /api/futures/positions        (data.positions)
//	pnl              PNL_UPDATE              /api/futures/metrics          (data.pnl)
//	circuit_breaker  CIRCUIT_BREAKER_UPDATE  /api/futures/autopilot/circuit-breaker/status (data.state)
//
// A Set builds every enabled panel from config and closes them together.
package panels
