package store

import (
	"encoding/json"
	"time"
)

// CachedResponse is a locally persisted service response. It is served
// only while ExpiresAt is in the future; expired rows are removed by GC,
// never on read.
type CachedResponse struct {
	Key         string          `json:"cache_key"`
	ServiceType string          `json:"service_type"`
	Response    json.RawMessage `json:"response_data"`
	TokensSaved int             `json:"tokens_saved"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// CreditSession tracks the last known credit balance for a user. One
// logical row per user, last write wins.
type CreditSession struct {
	UserID   string    `json:"user_id"`
	Balance  float64   `json:"credit_balance"`
	LastSync time.Time `json:"last_sync"`
	Status   string    `json:"status"`
}

// SyncLogEntry is an append-only audit record of an outbound message.
type SyncLogEntry struct {
	ID          string          `json:"log_id"`
	MessageType string          `json:"message_type"`
	Direction   string          `json:"direction"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}
