// Package protocol defines the edge/cloud sync message format and the
// keyed-hash codec used to authenticate it.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of sync message on the wire.
type MessageType string

const (
	TypeHeartbeat       MessageType = "heartbeat"
	TypeCreditSync      MessageType = "credit_sync"
	TypeUserAuth        MessageType = "user_auth"
	TypeServiceRequest  MessageType = "service_request"
	TypeServiceResponse MessageType = "service_response"
	TypeStatistics      MessageType = "statistics"
	TypeConfigUpdate    MessageType = "config_update"
	TypeError           MessageType = "error"
)

// Message is a single sync message exchanged between edge and cloud.
// Payload keys carry no ordering significance; the signature is computed
// over a canonical (key-sorted) serialization so re-ordering never
// invalidates a message.
type Message struct {
	ID        string         `json:"message_id"`
	Type      MessageType    `json:"message_type"`
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	Signature string         `json:"signature,omitempty"`
}

// UserAuthPayload is sent once per connection to declare edge identity.
type UserAuthPayload struct {
	EdgeID          string   `json:"edge_id"`
	ProtocolVersion string   `json:"protocol_version"`
	Capabilities    []string `json:"capabilities"`
}

// CreditSyncPayload carries a credit balance update for a single user.
type CreditSyncPayload struct {
	UserID        string  `json:"user_id"`
	CreditBalance float64 `json:"credit_balance"`
}

// ServiceRequestPayload asks the cloud to perform a service on behalf of
// a user. RequestID correlates the eventual ServiceResponsePayload.
type ServiceRequestPayload struct {
	RequestID   string         `json:"request_id"`
	UserID      string         `json:"user_id"`
	ServiceType string         `json:"service_type"`
	Payload     map[string]any `json:"payload"`
}

// ServiceResponsePayload is the cloud's answer to a prior service request.
type ServiceResponsePayload struct {
	RequestID  string          `json:"request_id"`
	Response   json.RawMessage `json:"response"`
	TokensUsed int             `json:"tokens_used"`
}

// HeartbeatPayload reports connection status and a statistics snapshot.
type HeartbeatPayload struct {
	Status     string          `json:"status"`
	Statistics json.RawMessage `json:"statistics,omitempty"`
}

// DecodePayload decodes a message's payload into a typed struct. It is
// intended to be called only after the message signature has been
// verified.
func DecodePayload(m *Message, v any) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// PayloadOf converts a typed payload struct into the generic map form
// carried on the wire.
func PayloadOf(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}
