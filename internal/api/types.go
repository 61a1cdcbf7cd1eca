package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Number is a float that decodes from either a JSON number or a quoted
// decimal string. Exchange-sourced fields arrive in both forms.
type Number float64

// UnmarshalJSON accepts 1.5, "1.5", "" and null.
func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse number %q: %w", s, err)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// Float64 returns n as a float64.
func (n Number) Float64() float64 {
	return float64(n)
}

// WalletBalance from GET /api/futures/wallet-balance.
//
// A simulated account or an unreachable exchange still answers 200 with
// Error or Message set.
type WalletBalance struct {
	TotalBalance       Number  `json:"total_balance"`
	AvailableBalance   Number  `json:"available_balance"`
	TotalMarginBalance Number  `json:"total_margin_balance"`
	TotalUnrealizedPnL Number  `json:"total_unrealized_pnl"`
	Currency           string  `json:"currency"`
	IsSimulated        bool    `json:"is_simulated"`
	Assets             []Asset `json:"assets"`
	Error              string  `json:"error,omitempty"`
	Message            string  `json:"message,omitempty"`
}

// Asset is one entry of a wallet balance.
type Asset struct {
	Asset            string `json:"asset"`
	WalletBalance    Number `json:"wallet_balance"`
	CrossWallet      Number `json:"cross_wallet"`
	AvailableBalance Number `json:"available_balance"`
	UnrealizedProfit Number `json:"unrealized_profit"`
}

// Position is one open futures position from GET /api/futures/positions.
type Position struct {
	Symbol           string `json:"symbol"`
	PositionAmt      Number `json:"positionAmt"`
	EntryPrice       Number `json:"entryPrice"`
	MarkPrice        Number `json:"markPrice"`
	UnrealizedProfit Number `json:"unRealizedProfit"`
	LiquidationPrice Number `json:"liquidationPrice"`
	Leverage         Number `json:"leverage"`
	MarginType       string `json:"marginType"`
	PositionSide     string `json:"positionSide"`
	Notional         Number `json:"notional"`
	IsolatedMargin   Number `json:"isolatedMargin"`
	UpdateTime       int64  `json:"updateTime"`
}

// Positions is the open position list. The endpoint returns a bare array.
type Positions []Position

// UnrealizedPnL sums unrealized profit across positions.
func (p Positions) UnrealizedPnL() float64 {
	var total float64
	for _, pos := range p {
		total += pos.UnrealizedProfit.Float64()
	}
	return total
}

// PnL is the trading metrics summary from GET /api/futures/metrics.
type PnL struct {
	TotalTrades        int        `json:"total_trades"`
	WinningTrades      int        `json:"winning_trades"`
	LosingTrades       int        `json:"losing_trades"`
	WinRate            Number     `json:"win_rate"`
	TotalRealizedPnL   Number     `json:"total_realized_pnl"`
	TotalUnrealizedPnL Number     `json:"total_unrealized_pnl"`
	TotalFundingFees   Number     `json:"total_funding_fees"`
	AveragePnL         Number     `json:"average_pnl"`
	AverageWin         Number     `json:"average_win"`
	AverageLoss        Number     `json:"average_loss"`
	LargestWin         Number     `json:"largest_win"`
	LargestLoss        Number     `json:"largest_loss"`
	ProfitFactor       Number     `json:"profit_factor"`
	OpenPositions      int        `json:"open_positions"`
	OpenOrders         int        `json:"open_orders"`
	LastTradeTime      *time.Time `json:"last_trade_time,omitempty"`
}

// CircuitBreakerStatus from GET /api/futures/autopilot/circuit-breaker/status.
// When the breaker is not configured only Available, Enabled and Message are set.
type CircuitBreakerStatus struct {
	Available         bool                  `json:"available"`
	Enabled           bool                  `json:"enabled"`
	State             string                `json:"state,omitempty"`
	CanTrade          bool                  `json:"can_trade"`
	BlockReason       string                `json:"block_reason,omitempty"`
	ConsecutiveLosses int                   `json:"consecutive_losses"`
	HourlyLoss        Number                `json:"hourly_loss"`
	DailyLoss         Number                `json:"daily_loss"`
	TradesLastMinute  int                   `json:"trades_last_minute"`
	DailyTrades       int                   `json:"daily_trades"`
	TripReason        string                `json:"trip_reason,omitempty"`
	LastTripTime      *time.Time            `json:"last_trip_time,omitempty"`
	Config            *CircuitBreakerConfig `json:"config,omitempty"`
	Message           string                `json:"message,omitempty"`
}

// CircuitBreakerConfig holds the breaker limits.
type CircuitBreakerConfig struct {
	MaxLossPerHour       Number `json:"max_loss_per_hour"`
	MaxDailyLoss         Number `json:"max_daily_loss"`
	MaxConsecutiveLosses int    `json:"max_consecutive_losses"`
	CooldownMinutes      int    `json:"cooldown_minutes"`
	MaxTradesPerMinute   int    `json:"max_trades_per_minute"`
	MaxDailyTrades       int    `json:"max_daily_trades"`
}
