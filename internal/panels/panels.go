package panels

import (
	"fmt"
	"strconv"

	"github.com/rickgao/livesync/internal/api"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/feed"
)

// NewWalletBalance builds the wallet balance panel. The push payload is the
// balance object itself.
func NewWalletBalance(deps feed.Deps, src Fetcher, pc config.PanelConfig, st Settings) (Panel, error) {
	return build(deps, src, pc, st, spec[api.WalletBalance]{
		defaultPath: api.PathWalletBalance,
		typed:       deref(src.GetWalletBalance),
		summarize:   summarizeWallet,
	})
}

// NewPositions builds the open positions panel from data.positions.
func NewPositions(deps feed.Deps, src Fetcher, pc config.PanelConfig, st Settings) (Panel, error) {
	return build(deps, src, pc, st, spec[api.Positions]{
		defaultPath: api.PathPositions,
		field:       "positions",
		typed:       src.GetPositions,
		summarize:   summarizePositions,
	})
}

// NewPnL builds the P&L panel from data.pnl.
func NewPnL(deps feed.Deps, src Fetcher, pc config.PanelConfig, st Settings) (Panel, error) {
	return build(deps, src, pc, st, spec[api.PnL]{
		defaultPath: api.PathPnL,
		field:       "pnl",
		typed:       deref(src.GetPnL),
		summarize:   summarizePnL,
	})
}

// NewCircuitBreaker builds the circuit breaker panel from data.state.
func NewCircuitBreaker(deps feed.Deps, src Fetcher, pc config.PanelConfig, st Settings) (Panel, error) {
	return build(deps, src, pc, st, spec[api.CircuitBreakerStatus]{
		defaultPath: api.PathCircuitBreaker,
		field:       "state",
		typed:       deref(src.GetCircuitBreaker),
		summarize:   summarizeBreaker,
	})
}

type constructor func(feed.Deps, Fetcher, config.PanelConfig, Settings) (Panel, error)

var constructors = map[string]constructor{
	config.PanelWalletBalance:  NewWalletBalance,
	config.PanelPositions:      NewPositions,
	config.PanelPnL:            NewPnL,
	config.PanelCircuitBreaker: NewCircuitBreaker,
}

func summarizeWallet(w api.WalletBalance) string {
	if w.Error != "" {
		return w.Error
	}
	s := money(w.TotalBalance) + " " + w.Currency
	if w.IsSimulated {
		s += " (paper)"
	}
	return s
}

func summarizePositions(p api.Positions) string {
	if len(p) == 0 {
		return "flat"
	}
	return fmt.Sprintf("%d open, uPnL %s", len(p), money(api.Number(p.UnrealizedPnL())))
}

func summarizePnL(p api.PnL) string {
	return fmt.Sprintf("realized %s, %d trades, win %s%%",
		money(p.TotalRealizedPnL), p.TotalTrades, strconv.FormatFloat(p.WinRate.Float64(), 'f', 1, 64))
}

func summarizeBreaker(c api.CircuitBreakerStatus) string {
	if !c.Available {
		if c.Message != "" {
			return c.Message
		}
		return "unavailable"
	}
	if !c.Enabled {
		return "disabled"
	}
	if c.CanTrade {
		return c.State
	}
	if c.BlockReason != "" {
		return c.State + ": " + c.BlockReason
	}
	return c.State + ", blocked"
}

func money(n api.Number) string {
	return strconv.FormatFloat(n.Float64(), 'f', 2, 64)
}
