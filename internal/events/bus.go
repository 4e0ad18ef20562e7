// Package events provides a typed event bus connecting the sync engine
// to its collaborators (UI and CLI layers). Each event kind has its own
// payload struct and subscription method, replacing stringly-typed
// callback registries.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Connected fires when the connection to the cloud is established.
type Connected struct {
	Endpoint string
}

// CreditSynced fires after a credit balance update is persisted.
type CreditSynced struct {
	UserID  string
	Balance float64
}

// ServiceResponse fires when the cloud answers a prior service request.
type ServiceResponse struct {
	RequestID  string
	Response   json.RawMessage
	TokensUsed int
}

// ConfigUpdated fires after remote configuration keys are merged.
type ConfigUpdated struct {
	Keys []string
}

// Fatal fires exactly once when reconnect attempts are exhausted. The
// engine stops retrying until externally restarted.
type Fatal struct {
	Err error
}

// Bus fans events out to registered handlers. Handlers run inline on
// the publishing goroutine; a panicking handler is recovered and logged
// so it can never stall the engine.
type Bus struct {
	logger *slog.Logger

	mu              sync.RWMutex
	onConnected     []func(Connected)
	onCreditSynced  []func(CreditSynced)
	onServiceResp   []func(ServiceResponse)
	onConfigUpdated []func(ConfigUpdated)
	onFatal         []func(Fatal)
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

func (b *Bus) OnConnected(fn func(Connected)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnected = append(b.onConnected, fn)
}

func (b *Bus) OnCreditSynced(fn func(CreditSynced)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCreditSynced = append(b.onCreditSynced, fn)
}

func (b *Bus) OnServiceResponse(fn func(ServiceResponse)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onServiceResp = append(b.onServiceResp, fn)
}

func (b *Bus) OnConfigUpdated(fn func(ConfigUpdated)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConfigUpdated = append(b.onConfigUpdated, fn)
}

func (b *Bus) OnFatal(fn func(Fatal)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFatal = append(b.onFatal, fn)
}

func (b *Bus) PublishConnected(evt Connected) {
	b.mu.RLock()
	handlers := b.onConnected
	b.mu.RUnlock()
	for _, fn := range handlers {
		b.safeCall("connected", func() { fn(evt) })
	}
}

func (b *Bus) PublishCreditSynced(evt CreditSynced) {
	b.mu.RLock()
	handlers := b.onCreditSynced
	b.mu.RUnlock()
	for _, fn := range handlers {
		b.safeCall("credit_synced", func() { fn(evt) })
	}
}

func (b *Bus) PublishServiceResponse(evt ServiceResponse) {
	b.mu.RLock()
	handlers := b.onServiceResp
	b.mu.RUnlock()
	for _, fn := range handlers {
		b.safeCall("service_response", func() { fn(evt) })
	}
}

func (b *Bus) PublishConfigUpdated(evt ConfigUpdated) {
	b.mu.RLock()
	handlers := b.onConfigUpdated
	b.mu.RUnlock()
	for _, fn := range handlers {
		b.safeCall("config_updated", func() { fn(evt) })
	}
}

func (b *Bus) PublishFatal(evt Fatal) {
	b.mu.RLock()
	handlers := b.onFatal
	b.mu.RUnlock()
	for _, fn := range handlers {
		b.safeCall("error", func() { fn(evt) })
	}
}

func (b *Bus) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event", event),
				slog.Any("panic", r))
		}
	}()
	fn()
}
