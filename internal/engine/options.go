package engine

import (
	"fmt"
	"log/slog"

	"github.com/tessellated-ai/edgesync/internal/conn"
	"github.com/tessellated-ai/edgesync/internal/events"
	"github.com/tessellated-ai/edgesync/internal/stats"
	"github.com/tessellated-ai/edgesync/internal/store"
	"github.com/tessellated-ai/edgesync/internal/tokens"
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine) error

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			return fmt.Errorf("logger must not be nil")
		}
		e.logger = logger
		return nil
	}
}

// WithStore sets a custom local store. The caller keeps ownership of
// its lifecycle.
func WithStore(st *store.Store) Option {
	return func(e *Engine) error {
		e.store = st
		return nil
	}
}

// WithBus sets a custom event bus.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) error {
		e.bus = bus
		return nil
	}
}

// WithAggregator sets a custom statistics aggregator.
func WithAggregator(a *stats.Aggregator) Option {
	return func(e *Engine) error {
		e.stats = a
		return nil
	}
}

// WithDialer sets a custom transport dialer for the default connection
// manager.
func WithDialer(d conn.Dialer) Option {
	return func(e *Engine) error {
		e.dialer = d
		return nil
	}
}

// WithTransport replaces the connection manager entirely. The engine
// then performs no connect/receive loop of its own.
func WithTransport(t Transport) Option {
	return func(e *Engine) error {
		e.transport = t
		return nil
	}
}

// WithTokenEstimator sets a custom token estimator.
func WithTokenEstimator(est *tokens.Estimator) Option {
	return func(e *Engine) error {
		e.estimator = est
		return nil
	}
}
