// Package engine wires the sync components together: the connection
// manager, the local store, the statistics aggregator, the background
// scheduler, and the service request gateway consumed by UI and CLI
// layers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tessellated-ai/edgesync/internal/config"
	"github.com/tessellated-ai/edgesync/internal/conn"
	"github.com/tessellated-ai/edgesync/internal/events"
	"github.com/tessellated-ai/edgesync/internal/protocol"
	"github.com/tessellated-ai/edgesync/internal/stats"
	"github.com/tessellated-ai/edgesync/internal/store"
	"github.com/tessellated-ai/edgesync/internal/tokens"
)

// Transport is the sending half of the connection manager, abstracted
// so the gateway and dispatcher can be tested without a live socket.
type Transport interface {
	Send(ctx context.Context, msg *protocol.Message) bool
	State() conn.State
	Attempts() int
}

// pendingRequest remembers an in-flight service request so the eventual
// response can be cached under the original request's key.
type pendingRequest struct {
	serviceType string
	request     map[string]any
	userID      string
	at          time.Time
}

// Engine is the edge-side synchronization engine.
type Engine struct {
	cfg       *config.Config
	logger    *slog.Logger
	codec     *protocol.Codec
	store     *store.Store
	stats     *stats.Aggregator
	bus       *events.Bus
	transport Transport
	manager   *conn.Manager
	estimator *tokens.Estimator
	dialer    conn.Dialer
	tracer    trace.Tracer

	settingsMu sync.RWMutex
	settings   map[string]any

	pendingMu sync.Mutex
	pending   map[string]pendingRequest
}

// New builds an engine from configuration. Components not supplied via
// options are constructed with their defaults.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}

	e := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		codec:    protocol.NewCodec(cfg.EdgeID, cfg.SecretKey),
		tracer:   otel.Tracer("edgesync"),
		settings: make(map[string]any),
		pending:  make(map[string]pendingRequest),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if e.store == nil {
		st, err := store.New(cfg.DBPath, e.logger)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		e.store = st
	}
	if e.bus == nil {
		e.bus = events.NewBus(e.logger)
	}
	if e.stats == nil {
		e.stats = stats.New()
	}
	if e.estimator == nil {
		est, err := tokens.NewEstimator()
		if err != nil {
			e.logger.Warn("token estimator unavailable", slog.String("error", err.Error()))
		} else {
			e.estimator = est
		}
	}
	if e.transport == nil {
		manager := conn.NewManager(e.codec, e.store, e.bus, conn.Options{
			Endpoint:        cfg.CloudEndpoint,
			ProtocolVersion: cfg.ProtocolVersion,
			MaxAttempts:     cfg.Connection.MaxReconnectAttempts,
			DialTimeout:     cfg.Connection.DialTimeout,
			WriteTimeout:    cfg.Connection.WriteTimeout,
			Dialer:          e.dialer,
			Logger:          e.logger,
		})
		e.manager = manager
		e.transport = manager
	}

	if e.manager != nil {
		e.manager.SetHandler(&dispatcher{e: e})
	}

	return e, nil
}

// Run drives the connection loop and the background scheduler until ctx
// is cancelled or reconnect attempts are exhausted. Timers are stopped
// and the connection closed before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if e.manager != nil {
		g.Go(func() error { return e.manager.Run(ctx) })
	}

	sched := newScheduler(e)
	g.Go(func() error { return sched.run(ctx) })

	return g.Wait()
}

// Close releases the local store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Bus exposes the typed event bus for collaborators to subscribe on.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Statistics returns a snapshot of the engine's counters.
func (e *Engine) Statistics() stats.Snapshot {
	return e.stats.Snapshot()
}

// ConnectionState reports the connection manager's current state.
func (e *Engine) ConnectionState() conn.State {
	return e.transport.State()
}

// ReconnectAttempts reports the current reconnect-attempt counter.
func (e *Engine) ReconnectAttempts() int {
	return e.transport.Attempts()
}

// Setting returns a merged remote configuration value.
func (e *Engine) Setting(key string) (any, bool) {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	v, ok := e.settings[key]
	return v, ok
}

func (e *Engine) trackPending(requestID string, p pendingRequest) {
	p.at = time.Now()
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.pending[requestID] = p
}

func (e *Engine) takePending(requestID string) (pendingRequest, bool) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	p, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	return p, ok
}

// sweepPending drops in-flight entries older than maxAge. A request
// whose response never arrives would otherwise pin its entry for the
// life of the process.
func (e *Engine) sweepPending(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	var dropped int
	for id, p := range e.pending {
		if p.at.Before(cutoff) {
			delete(e.pending, id)
			dropped++
		}
	}
	return dropped
}
