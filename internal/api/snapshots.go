package api

import (
	"context"
)

// Snapshot endpoint paths.
const (
	PathWalletBalance  = "/api/futures/wallet-balance"
	PathPositions      = "/api/futures/positions"
	PathPnL            = "/api/futures/metrics"
	PathCircuitBreaker = "/api/futures/autopilot/circuit-breaker/status"
)

// GetWalletBalance retrieves the futures wallet balance.
func (c *Client) GetWalletBalance(ctx context.Context) (*WalletBalance, error) {
	var resp WalletBalance
	if err := c.get(ctx, PathWalletBalance, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPositions retrieves open futures positions.
func (c *Client) GetPositions(ctx context.Context) (Positions, error) {
	var resp Positions
	if err := c.get(ctx, PathPositions, nil, &resp); err != nil {
		return nil, err
	}
	if resp == nil {
		resp = Positions{}
	}
	return resp, nil
}

// GetPnL retrieves the trading metrics summary.
func (c *Client) GetPnL(ctx context.Context) (*PnL, error) {
	var resp PnL
	if err := c.get(ctx, PathPnL, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetCircuitBreaker retrieves the autopilot circuit breaker status.
func (c *Client) GetCircuitBreaker(ctx context.Context) (*CircuitBreakerStatus, error) {
	var resp CircuitBreakerStatus
	if err := c.get(ctx, PathCircuitBreaker, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
