package panels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/livesync/internal/api"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/feed"
)

// Fetcher is the request/response side of the dashboard API.
// *api.Client implements it.
type Fetcher interface {
	GetWalletBalance(ctx context.Context) (*api.WalletBalance, error)
	GetPositions(ctx context.Context) (api.Positions, error)
	GetPnL(ctx context.Context) (*api.PnL, error)
	GetCircuitBreaker(ctx context.Context) (*api.CircuitBreakerStatus, error)
	GetJSON(ctx context.Context, path string, out any) error
}

var _ Fetcher = (*api.Client)(nil)

// Panel is a type-erased feed, as listed by a Set.
type Panel interface {
	Name() string
	Topic() connection.Topic
	// View returns the feed's feed.View, ready for JSON encoding.
	View() any
	Row() Row
	Refresh(ctx context.Context) error
	Watch(fn func()) (cancel func())
	Close()
}

// Row is one panel's state flattened for tables and logs.
type Row struct {
	Name       string    `json:"name"`
	Topic      string    `json:"topic"`
	Source     string    `json:"source"`
	Summary    string    `json:"summary"`
	LastUpdate time.Time `json:"last_update,omitzero"`
	Connected  bool      `json:"connected"`
	RealTime   bool      `json:"real_time"`
	Polling    bool      `json:"polling"`
	Stale      bool      `json:"stale"`
	Loading    bool      `json:"loading"`
	Error      string    `json:"error,omitempty"`
}

// Settings are the per-set knobs that do not live on a panel config.
type Settings struct {
	FetchTimeout time.Duration
	SaveTimeout  time.Duration
}

type panel[V any] struct {
	name      string
	topic     connection.Topic
	f         *feed.Feed[V]
	summarize func(V) string
}

func (p *panel[V]) Name() string { return p.name }
func (p *panel[V]) Topic() connection.Topic { return p.topic }
func (p *panel[V]) View() any { return p.f.View() }
func (p *panel[V]) Close() { p.f.Close() }

func (p *panel[V]) Refresh(ctx context.Context) error {
	return p.f.Refresh(ctx)
}

func (p *panel[V]) Watch(fn func()) (cancel func()) {
	return p.f.Watch(func(feed.Snapshot[V]) { fn() })
}

func (p *panel[V]) Row() Row {
	s := p.f.Snapshot()
	v := feed.ViewOf(s)
	r := Row{
		Name:       p.name,
		Topic:      string(p.topic),
		Source:     string(s.Source),
		LastUpdate: s.LastUpdate,
		Connected:  s.Connected,
		RealTime:   v.IsRealTime,
		Polling:    s.Polling,
		Stale:      s.Stale,
		Loading:    s.IsLoading,
		Error:      v.Error,
	}
	if s.HasValue {
		r.Summary = p.summarize(s.Value)
	}
	return r
}

type spec[V any] struct {
	defaultPath string
	field       string // envelope key under data; empty means data itself
	typed       func(ctx context.Context) (V, error)
	summarize   func(V) string
}

func build[V any](deps feed.Deps, src Fetcher, pc config.PanelConfig, st Settings, sp spec[V]) (Panel, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fetch := sp.typed
	if pc.Path != "" && pc.Path != sp.defaultPath {
		path := pc.Path
		fetch = func(ctx context.Context) (V, error) {
			var v V
			err := src.GetJSON(ctx, path, &v)
			return v, err
		}
	}

	opts := feed.Options[V]{
		ID:           pc.Name,
		Topic:        connection.Topic(pc.Topic),
		Fetch:        fetch,
		PollInterval: pc.PollInterval,
		StaleAfter:   pc.StaleAfter,
		FetchTimeout: st.FetchTimeout,
		SaveTimeout:  st.SaveTimeout,
	}
	if opts.Topic != "" {
		opts.Transform = decodeField[V](sp.field, logger.With("panel", pc.Name))
	}

	f, err := feed.New(deps, opts)
	if err != nil {
		return nil, fmt.Errorf("panel %s: %w", pc.Name, err)
	}
	return &panel[V]{
		name:      pc.Name,
		topic:     opts.Topic,
		f:         f,
		summarize: sp.summarize,
	}, nil
}

// decodeField decodes ev.Data, or ev.Data[field] when field is set, into V.
// Payloads that do not decode are treated as irrelevant to the panel.
func decodeField[V any](field string, logger *slog.Logger) func(connection.Event) (V, bool) {
	return func(ev connection.Event) (V, bool) {
		var zero V
		raw := ev.Data
		if field != "" {
			var envelope map[string]json.RawMessage
			if err := json.Unmarshal(raw, &envelope); err != nil {
				logger.Debug("push payload is not an object", "topic", ev.Topic, "error", err)
				return zero, false
			}
			var ok bool
			if raw, ok = envelope[field]; !ok {
				logger.Debug("push payload missing field", "topic", ev.Topic, "field", field)
				return zero, false
			}
		}
		if len(raw) == 0 || string(raw) == "null" {
			return zero, false
		}
		var v V
		if err := json.Unmarshal(raw, &v); err != nil {
			logger.Debug("push payload decode failed", "topic", ev.Topic, "error", err)
			return zero, false
		}
		return v, true
	}
}

func deref[V any](fn func(context.Context) (*V, error)) func(context.Context) (V, error) {
	return func(ctx context.Context) (V, error) {
		p, err := fn(ctx)
		if err != nil || p == nil {
			var zero V
			if err == nil {
				err = fmt.Errorf("empty response")
			}
			return zero, err
		}
		return *p, nil
	}
}
