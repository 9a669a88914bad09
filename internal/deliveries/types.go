// Package deliveries collapses repeated deliveries of the same notification before they
// reach the reconciliation engine. It is an optimisation only: the engine's conditional
// claim stays the correctness guarantee.
package deliveries

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status values for delivery records
const (
	StatusReceived  = "RECEIVED"
	StatusProcessed = "PROCESSED"
)

// maxPayloadBytes keeps stored payloads well under the DynamoDB item limit.
const maxPayloadBytes = 64 << 10

// Record is the shape persisted in the deliveries DynamoDB table.
type Record struct {
	DeliveryKey string    `dynamodbav:"delivery_key"` // PK
	Status      string    `dynamodbav:"status"`
	Channel     string    `dynamodbav:"channel,omitempty"`
	Outcome     string    `dynamodbav:"outcome,omitempty"`
	Payload     string    `dynamodbav:"payload,omitempty"`
	FirstSeenAt time.Time `dynamodbav:"first_seen_at"`
	LastSeenAt  time.Time `dynamodbav:"last_seen_at"`
	ExpiresAt   int64     `dynamodbav:"expires_at"` // TTL epoch seconds
}

// Recorder tracks deliveries by key.
type Recorder interface {
	// Begin notes a delivery and reports whether an earlier delivery with the same key
	// was already processed.
	Begin(ctx context.Context, key, channel string, payload []byte) (duplicate bool, err error)
	// Complete marks the key processed; later deliveries are reported as duplicates.
	Complete(ctx context.Context, key, outcome string) error
}

// Key prefers the provider-assigned message id and falls back to a content fingerprint.
func Key(messageID string, payload []byte) string {
	if messageID != "" {
		return "id:" + messageID
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Nop never reports duplicates.
type Nop struct{}

func (Nop) Begin(context.Context, string, string, []byte) (bool, error) { return false, nil }
func (Nop) Complete(context.Context, string, string) error              { return nil }
