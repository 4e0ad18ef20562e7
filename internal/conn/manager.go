// Package conn owns the single outbound connection to the cloud: its
// state machine, the reconnect/backoff loop, and the receive loop that
// authenticates and dispatches inbound messages.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tessellated-ai/edgesync/internal/events"
	"github.com/tessellated-ai/edgesync/internal/protocol"
	"github.com/tessellated-ai/edgesync/internal/store"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	// StateFailed is terminal: reconnect attempts are exhausted and the
	// manager stops retrying until externally restarted.
	StateFailed State = "failed"
)

// ErrRetriesExhausted is returned by Run after the reconnect-attempt
// cap is reached.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

const maxBackoff = 300 * time.Second

// Handler consumes authenticated inbound messages.
type Handler interface {
	Handle(ctx context.Context, msg *protocol.Message)
}

// Options configures a Manager.
type Options struct {
	Endpoint        string
	ProtocolVersion string
	MaxAttempts     int
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	Dialer          Dialer
	Logger          *slog.Logger
}

// Manager owns the outbound connection. Sends from concurrent tasks are
// serialized through an internal lock, so wire order matches call order
// from any one task.
type Manager struct {
	codec *protocol.Codec
	store *store.Store
	bus   *events.Bus

	endpoint        string
	protocolVersion string
	maxAttempts     int
	dialTimeout     time.Duration
	writeTimeout    time.Duration
	dialer          Dialer
	logger          *slog.Logger

	// wait is swapped out by tests to avoid real backoff sleeps.
	wait func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	state    State
	conn     Conn
	attempts int
	handler  Handler
}

// NewManager creates a connection manager in the disconnected state.
func NewManager(codec *protocol.Codec, st *store.Store, bus *events.Bus, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &WebSocketDialer{HandshakeTimeout: opts.DialTimeout}
	}

	return &Manager{
		codec:           codec,
		store:           st,
		bus:             bus,
		endpoint:        opts.Endpoint,
		protocolVersion: opts.ProtocolVersion,
		maxAttempts:     opts.MaxAttempts,
		dialTimeout:     opts.DialTimeout,
		writeTimeout:    opts.WriteTimeout,
		dialer:          opts.Dialer,
		logger:          opts.Logger,
		wait:            sleepCtx,
		state:           StateDisconnected,
	}
}

// SetHandler installs the dispatcher for inbound messages. Must be
// called before Run.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the current reconnect-attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Run drives the connect/receive loop until ctx is cancelled or the
// attempt cap is reached. A clean shutdown returns ctx.Err(); exhausted
// retries return ErrRetriesExhausted after exactly one fatal event.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			m.setState(StateDisconnected)
			return err
		}

		m.setState(StateConnecting)
		c, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return ctx.Err()
			}
			if fatal := m.backoff(ctx, err); fatal != nil {
				return fatal
			}
			continue
		}

		m.mu.Lock()
		m.conn = c
		m.state = StateConnected
		m.attempts = 0
		m.mu.Unlock()

		m.logger.Info("connected to cloud", slog.String("endpoint", m.endpoint))
		m.bus.PublishConnected(events.Connected{Endpoint: m.endpoint})

		// ReadMessage blocks without observing ctx; close the connection
		// on cancellation so the receive loop unwinds and Run returns.
		watch := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-watch:
			}
		}()

		err = m.readLoop(ctx, c)
		close(watch)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		c.Close()

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return ctx.Err()
		}

		// Unexpected close of the underlying transport: fall back to
		// the retry logic.
		m.logger.Warn("connection lost", slog.String("error", err.Error()))
		m.setState(StateDisconnected)
	}
}

// connect dials the endpoint and sends the initial USER_AUTH message
// declaring edge identity, protocol version, and capabilities.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("X-Edge-ID", m.codec.EdgeID())
	header.Set("X-Protocol-Version", m.protocolVersion)

	c, err := m.dialer.Dial(dialCtx, m.endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.endpoint, err)
	}

	payload, err := protocol.PayloadOf(protocol.UserAuthPayload{
		EdgeID:          m.codec.EdgeID(),
		ProtocolVersion: m.protocolVersion,
		Capabilities:    []string{"service_request", "credit_sync", "statistics"},
	})
	if err != nil {
		c.Close()
		return nil, err
	}

	hello, err := m.codec.New(protocol.TypeUserAuth, payload, "cloud")
	if err != nil {
		c.Close()
		return nil, err
	}

	if err := m.write(c, hello); err != nil {
		c.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}
	m.logOutbound(ctx, hello)

	return c, nil
}

// backoff records a failed attempt and waits before the next one. It
// returns ErrRetriesExhausted (after a single fatal event) once the
// attempt cap is reached.
func (m *Manager) backoff(ctx context.Context, cause error) error {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	m.state = StateError
	m.mu.Unlock()

	if attempt >= m.maxAttempts {
		m.setState(StateFailed)
		m.logger.Error("reconnect attempts exhausted",
			slog.Int("attempts", attempt),
			slog.String("error", cause.Error()))
		m.bus.PublishFatal(events.Fatal{Err: fmt.Errorf("%w: %v", ErrRetriesExhausted, cause)})
		return ErrRetriesExhausted
	}

	delay := backoffDelay(attempt)
	m.logger.Warn("connection attempt failed",
		slog.Int("attempt", attempt),
		slog.Duration("retry_in", delay),
		slog.String("error", cause.Error()))

	m.setState(StateReconnecting)
	if err := m.wait(ctx, delay); err != nil {
		m.setState(StateDisconnected)
		return err
	}
	return nil
}

// backoffDelay is 2^attempt seconds capped at 5 minutes.
func backoffDelay(attempt int) time.Duration {
	if attempt >= 9 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// readLoop processes inbound messages until the connection drops or ctx
// is cancelled. Malformed and unauthenticated messages are dropped
// without closing the connection.
func (m *Manager) readLoop(ctx context.Context, c Conn) error {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return err
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("dropping malformed message", slog.String("error", err.Error()))
			continue
		}

		if !m.codec.Verify(&msg) {
			m.logger.Warn("dropping message with invalid signature",
				slog.String("message_id", msg.ID),
				slog.String("message_type", string(msg.Type)))
			continue
		}

		m.mu.Lock()
		handler := m.handler
		m.mu.Unlock()
		if handler != nil {
			handler.Handle(ctx, &msg)
		}
	}
}

// Send transmits a signed message. It returns false, without an error,
// when the connection is not currently established. A successful send
// is recorded in the outbound sync log.
func (m *Manager) Send(ctx context.Context, msg *protocol.Message) bool {
	m.mu.Lock()
	c := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || c == nil {
		return false
	}

	if err := m.write(c, msg); err != nil {
		m.logger.Warn("send failed",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
		return false
	}

	m.logOutbound(ctx, msg)

	return true
}

// logOutbound appends a sent message to the outbound sync log.
func (m *Manager) logOutbound(ctx context.Context, msg *protocol.Message) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		payload = nil
	}
	m.store.AppendSyncLog(ctx, store.SyncLogEntry{
		ID:          msg.ID,
		MessageType: string(msg.Type),
		Direction:   "outbound",
		Payload:     payload,
		Status:      "sent",
	})
}

func (m *Manager) write(c Conn, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	// Serialize writes; the websocket connection permits one writer.
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := c.SetWriteDeadline(time.Now().Add(m.writeTimeout)); err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
