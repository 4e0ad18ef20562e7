package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tessellated-ai/edgesync/internal/events"
	"github.com/tessellated-ai/edgesync/internal/protocol"
	"github.com/tessellated-ai/edgesync/internal/store"
)

// dispatcher routes authenticated inbound messages by type. Per-message
// errors are logged and contained; routing never panics the receive
// loop.
type dispatcher struct {
	e *Engine
}

func (d *dispatcher) Handle(ctx context.Context, msg *protocol.Message) {
	e := d.e

	switch msg.Type {
	case protocol.TypeHeartbeat:
		d.handleHeartbeat(ctx, msg)

	case protocol.TypeCreditSync:
		var payload protocol.CreditSyncPayload
		if err := protocol.DecodePayload(msg, &payload); err != nil {
			e.logger.Warn("dropping credit sync", slog.String("error", err.Error()))
			return
		}
		if payload.UserID == "" {
			e.logger.Warn("dropping credit sync without user_id", slog.String("message_id", msg.ID))
			return
		}
		if e.store.UpsertCredit(ctx, payload.UserID, payload.CreditBalance) {
			e.bus.PublishCreditSynced(events.CreditSynced{
				UserID:  payload.UserID,
				Balance: payload.CreditBalance,
			})
		}

	case protocol.TypeServiceResponse:
		d.handleServiceResponse(ctx, msg)

	case protocol.TypeConfigUpdate:
		keys := make([]string, 0, len(msg.Payload))
		e.settingsMu.Lock()
		for k, v := range msg.Payload {
			e.settings[k] = v
			keys = append(keys, k)
		}
		e.settingsMu.Unlock()
		e.logger.Info("remote config merged", slog.Int("keys", len(keys)))
		e.bus.PublishConfigUpdated(events.ConfigUpdated{Keys: keys})

	default:
		e.logger.Warn("dropping message of unrecognized type",
			slog.String("message_type", string(msg.Type)),
			slog.String("message_id", msg.ID))
	}
}

// handleHeartbeat replies with the current connection status and a
// statistics snapshot.
func (d *dispatcher) handleHeartbeat(ctx context.Context, msg *protocol.Message) {
	e := d.e

	snapshot, err := json.Marshal(e.stats.Snapshot())
	if err != nil {
		e.logger.Warn("heartbeat snapshot failed", slog.String("error", err.Error()))
		snapshot = nil
	}

	payload, err := protocol.PayloadOf(protocol.HeartbeatPayload{
		Status:     string(e.transport.State()),
		Statistics: snapshot,
	})
	if err != nil {
		e.logger.Warn("heartbeat reply failed", slog.String("error", err.Error()))
		return
	}

	reply, err := e.codec.New(protocol.TypeHeartbeat, payload, msg.Source)
	if err != nil {
		e.logger.Warn("heartbeat reply failed", slog.String("error", err.Error()))
		return
	}
	e.transport.Send(ctx, reply)
}

// handleServiceResponse settles an in-flight request: accounting, cache
// population, and the service_response event.
func (d *dispatcher) handleServiceResponse(ctx context.Context, msg *protocol.Message) {
	e := d.e

	var payload protocol.ServiceResponsePayload
	if err := protocol.DecodePayload(msg, &payload); err != nil {
		e.logger.Warn("dropping service response", slog.String("error", err.Error()))
		return
	}

	e.stats.RecordResponse(payload.TokensUsed)

	// Cache the response under the original request's key so identical
	// future requests are served locally.
	if pending, ok := e.takePending(payload.RequestID); ok {
		tokensSaved := payload.TokensUsed
		if tokensSaved == 0 && e.estimator != nil {
			tokensSaved = e.estimator.Count(string(payload.Response))
		}
		key := store.CacheKey(pending.serviceType, pending.request)
		e.store.PutCached(ctx, key, pending.serviceType, payload.Response, tokensSaved, e.cfg.Cache.TTL)
	}

	e.bus.PublishServiceResponse(events.ServiceResponse{
		RequestID:  payload.RequestID,
		Response:   payload.Response,
		TokensUsed: payload.TokensUsed,
	})
}
