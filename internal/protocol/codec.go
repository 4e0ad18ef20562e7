package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Codec builds and authenticates sync messages with a shared secret.
type Codec struct {
	edgeID string
	secret []byte
}

// NewCodec creates a codec that signs messages as the given edge identity.
func NewCodec(edgeID, secret string) *Codec {
	return &Codec{edgeID: edgeID, secret: []byte(secret)}
}

// EdgeID returns the identity this codec signs messages as.
func (c *Codec) EdgeID() string {
	return c.edgeID
}

// CanonicalJSON serializes v with deterministic key ordering. For map
// payloads this relies on encoding/json sorting map keys, so two payloads
// that differ only in key order always produce identical bytes.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical serialization: %w", err)
	}
	return data, nil
}

// New builds a fresh message of the given type, addressed to target,
// stamped with this edge's identity, and signs it before returning.
func (c *Codec) New(msgType MessageType, payload map[string]any, target string) (*Message, error) {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Source:    c.edgeID,
		Target:    target,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	sig, err := c.Sign(msg)
	if err != nil {
		return nil, err
	}
	msg.Signature = sig

	return msg, nil
}

// Sign computes the HMAC-SHA256 signature over the message's id, type,
// canonical payload, and timestamp. It is stable under payload key
// re-ordering.
func (c *Codec) Sign(msg *Message) (string, error) {
	base, err := c.signingBase(msg)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, c.secret)
	mac.Write(base)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the message signature and compares it in constant
// time. It returns false for a missing signature or any mismatch; it
// never panics or returns an error to the caller.
func (c *Codec) Verify(msg *Message) bool {
	if msg == nil || msg.Signature == "" {
		return false
	}

	expected, err := c.Sign(msg)
	if err != nil {
		return false
	}

	return hmac.Equal([]byte(expected), []byte(msg.Signature))
}

func (c *Codec) signingBase(msg *Message) ([]byte, error) {
	payload, err := CanonicalJSON(msg.Payload)
	if err != nil {
		return nil, err
	}

	base := fmt.Sprintf("%s|%s|%s|%s",
		msg.ID, msg.Type, payload, msg.Timestamp.UTC().Format(time.RFC3339Nano))
	return []byte(base), nil
}
