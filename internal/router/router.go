package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/livesync/internal/metrics"
)

// Router decouples the websocket read loop from handler execution.
// Frames are queued by Enqueue and routed on one goroutine.
type Router struct {
	*Dispatcher

	queue  *Queue[RawMessage]
	logger *slog.Logger

	received atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

// New creates a router.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxQueueSize < cfg.QueueSize {
		cfg.MaxQueueSize = max(def.MaxQueueSize, cfg.QueueSize)
	}

	return &Router{
		Dispatcher: NewDispatcher(logger, m),
		queue:      NewQueue[RawMessage](cfg.QueueSize, cfg.MaxQueueSize),
		logger:     logger,
	}
}

// Start launches the routing goroutine.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started || r.stopped {
		return nil
	}
	r.started = true
	r.done = make(chan struct{})

	go r.routeLoop()

	r.logger.Info("router started")
	return nil
}

// Stop closes the queue and waits for queued frames to drain.
// A stopped router cannot be restarted.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.stopped = true
	done := r.done
	r.mu.Unlock()

	r.queue.Close()

	select {
	case <-done:
		r.logger.Info("router stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue hands a raw frame to the routing goroutine. Never blocks.
// Returns false if the queue is closed.
func (r *Router) Enqueue(msg RawMessage) bool {
	r.received.Add(1)
	return r.queue.Push(msg)
}

func (r *Router) routeLoop() {
	defer close(r.done)
	for {
		msg, ok := r.queue.Pop()
		if !ok {
			return
		}
		r.Route(msg)
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	return Stats{
		Received:      r.received.Load(),
		Routed:        r.routed.Load(),
		Unrouted:      r.unrouted.Load(),
		ParseErrors:   r.parseErrors.Load(),
		HandlerPanics: r.handlerPanics.Load(),
		Subscriptions: r.Count(),
		Queue:         r.queue.Stats(),
	}
}
