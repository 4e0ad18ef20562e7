package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tessellated-ai/edgesync/internal/protocol"
	"github.com/tessellated-ai/edgesync/internal/store"
)

// ResultStatus describes how a service request was resolved.
type ResultStatus string

const (
	// StatusCached means the response was served from the local cache
	// with no network I/O.
	StatusCached ResultStatus = "cached"
	// StatusProcessing means the request was dispatched to the cloud;
	// the response arrives later as a service_response event.
	StatusProcessing ResultStatus = "processing"
	// StatusFailed means the request could not be dispatched (the
	// connection is down). This is an expected condition, not an error.
	StatusFailed ResultStatus = "failed"
)

// ServiceResult is the outcome of RequestService.
type ServiceResult struct {
	Status      ResultStatus    `json:"status"`
	RequestID   string          `json:"request_id,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	TokensSaved int             `json:"tokens_saved,omitempty"`
}

// RequestService consults the local cache and, on a miss, dispatches a
// signed service request to the cloud. A send refused because the
// connection is down yields StatusFailed, never an error.
func (e *Engine) RequestService(ctx context.Context, serviceType string, payload map[string]any, userID string) (ServiceResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.RequestService",
		trace.WithAttributes(attribute.String("service_type", serviceType)))
	defer span.End()

	key := store.CacheKey(serviceType, payload)
	if cached, ok := e.store.GetCached(ctx, key); ok {
		e.stats.RecordCacheHit(cached.TokensSaved)
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return ServiceResult{
			Status:      StatusCached,
			Response:    cached.Response,
			TokensSaved: cached.TokensSaved,
		}, nil
	}
	span.SetAttributes(attribute.Bool("cache_hit", false))

	requestID := uuid.New().String()
	reqPayload, err := protocol.PayloadOf(protocol.ServiceRequestPayload{
		RequestID:   requestID,
		UserID:      userID,
		ServiceType: serviceType,
		Payload:     payload,
	})
	if err != nil {
		return ServiceResult{Status: StatusFailed}, err
	}

	msg, err := e.codec.New(protocol.TypeServiceRequest, reqPayload, "cloud")
	if err != nil {
		return ServiceResult{Status: StatusFailed}, err
	}

	e.trackPending(requestID, pendingRequest{
		serviceType: serviceType,
		request:     payload,
		userID:      userID,
	})

	if !e.transport.Send(ctx, msg) {
		e.takePending(requestID)
		e.stats.RecordRequest(false)
		return ServiceResult{Status: StatusFailed, RequestID: requestID}, nil
	}

	e.stats.RecordRequest(true)
	return ServiceResult{Status: StatusProcessing, RequestID: requestID}, nil
}

// SyncUserCredits asks the cloud for the user's current credit balance.
// It reports whether the request was dispatched; the balance itself
// arrives later as a credit_sync message.
func (e *Engine) SyncUserCredits(ctx context.Context, userID string) bool {
	payload, err := protocol.PayloadOf(protocol.CreditSyncPayload{UserID: userID})
	if err != nil {
		e.logger.Warn("credit sync request failed", slog.String("error", err.Error()))
		return false
	}

	msg, err := e.codec.New(protocol.TypeCreditSync, payload, "cloud")
	if err != nil {
		e.logger.Warn("credit sync request failed", slog.String("error", err.Error()))
		return false
	}

	return e.transport.Send(ctx, msg)
}

// CreditBalance returns the locally persisted credit session for a user.
func (e *Engine) CreditBalance(ctx context.Context, userID string) (*store.CreditSession, bool) {
	return e.store.GetCredit(ctx, userID)
}
