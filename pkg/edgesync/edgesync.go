// Package edgesync provides the public API for embedding the edge sync
// engine. This is the stable API for external consumers.
package edgesync

import (
	"github.com/tessellated-ai/edgesync/internal/config"
	"github.com/tessellated-ai/edgesync/internal/engine"
	"github.com/tessellated-ai/edgesync/internal/events"
)

// Engine is the edge-side synchronization engine.
// See internal/engine.Engine for full documentation.
type Engine = engine.Engine

// Config holds the engine configuration.
type Config = config.Config

// Load reads configuration from a YAML file (a missing file is fine)
// and EDGESYNC_-prefixed environment variables.
var Load = config.Load

// Event types delivered on the engine's bus.
type (
	Bus             = events.Bus
	Connected       = events.Connected
	CreditSynced    = events.CreditSynced
	ServiceResponse = events.ServiceResponse
	ConfigUpdated   = events.ConfigUpdated
	Fatal           = events.Fatal
)

// Option is a functional option for configuring an Engine.
type Option = engine.Option

// ServiceResult is the outcome of Engine.RequestService.
type ServiceResult = engine.ServiceResult

// Result statuses for ServiceResult.
const (
	StatusCached     = engine.StatusCached
	StatusProcessing = engine.StatusProcessing
	StatusFailed     = engine.StatusFailed
)

// New creates a new Engine with the given options.
// Example:
//
//	cfg, err := edgesync.Load("config.yaml")
//	if err != nil { ... }
//	eng, err := edgesync.New(cfg,
//	    edgesync.WithLogger(logger),
//	)
var New = engine.New

// Configuration options
var (
	WithLogger         = engine.WithLogger
	WithStore          = engine.WithStore
	WithBus            = engine.WithBus
	WithAggregator     = engine.WithAggregator
	WithDialer         = engine.WithDialer
	WithTransport      = engine.WithTransport
	WithTokenEstimator = engine.WithTokenEstimator
)
