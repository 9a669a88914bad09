package intents

import (
	"context"
	"errors"
	"time"
)

// ExpiryWindow is how long a checkout intent stays payable after it is created or reset.
const ExpiryWindow = 20 * time.Minute

// Status is the lifecycle state of a checkout intent.
type Status string

// Intent statuses
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// IsTerminal reports whether no forward transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

var (
	// ErrNotFound is returned when an operation targets an unknown intent id.
	ErrNotFound = errors.New("intents: not found")
	// ErrInvalidTransition is returned when the conditional write rejected the status change.
	ErrInvalidTransition = errors.New("intents: invalid status transition")
	// ErrSessionTaken is returned when a checkout session id already belongs to another intent.
	ErrSessionTaken = errors.New("intents: checkout session already assigned")
)

// CheckoutIntent is the local record of one payment attempt.
type CheckoutIntent struct {
	IntentID          string         `dynamodbav:"intent_id" json:"intentId"`
	ReferenceID       string         `dynamodbav:"reference_id" json:"referenceId"`
	CheckoutSessionID string         `dynamodbav:"checkout_session_id,omitempty" json:"checkoutSessionId,omitempty"`
	AmountCents       int64          `dynamodbav:"amount_cents" json:"amountCents"`
	Currency          string         `dynamodbav:"currency" json:"currency"`
	Locale            string         `dynamodbav:"locale,omitempty" json:"locale,omitempty"`
	Status            Status         `dynamodbav:"status" json:"status"`
	Result            string         `dynamodbav:"result,omitempty" json:"result,omitempty"`
	OrderID           string         `dynamodbav:"order_id,omitempty" json:"orderId,omitempty"`
	Metadata          map[string]any `dynamodbav:"metadata,omitempty" json:"metadata,omitempty"` // cart/customer/pricing snapshot
	SweepAttempts     int            `dynamodbav:"sweep_attempts,omitempty" json:"sweepAttempts,omitempty"`
	ExpiresAt         time.Time      `dynamodbav:"expires_at" json:"expiresAt"`
	CreatedAt         time.Time      `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt         time.Time      `dynamodbav:"updated_at" json:"updatedAt"`
}

// Expired reports whether the payable window has closed at now.
func (ci *CheckoutIntent) Expired(now time.Time) bool {
	return !ci.ExpiresAt.After(now)
}

// NewIntent carries the fields captured at checkout initiation.
type NewIntent struct {
	ReferenceID       string
	CheckoutSessionID string // optional
	AmountCents       int64
	Currency          string
	Locale            string
	Metadata          map[string]any
}

// Store is the lifecycle persistence for checkout intents. Every status change is a single
// conditional write so competing callers in different processes cannot both succeed.
type Store interface {
	RecordIntent(ctx context.Context, in NewIntent) (*CheckoutIntent, error)
	Get(ctx context.Context, intentID string) (*CheckoutIntent, error)
	FindByIdentifiers(ctx context.Context, checkoutSessionID, referenceID string) (*CheckoutIntent, error)
	AttachSession(ctx context.Context, intentID, checkoutSessionID string) (*CheckoutIntent, error)

	// ClaimProcessing moves PENDING -> PROCESSING and reports whether this call won.
	ClaimProcessing(ctx context.Context, intentID string) (bool, error)
	MarkCompleted(ctx context.Context, intentID, orderID, result string) error
	MarkFailed(ctx context.Context, intentID, result string) error
	MarkExpired(ctx context.Context, intentID string) error
	ResetForRetry(ctx context.Context, intentID string) error

	ListStuckProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]CheckoutIntent, error)
	RecordSweepAttempt(ctx context.Context, intentID string, attempts int) error
}

// allowedFrom lists the statuses each target status may be entered from.
var allowedFrom = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusProcessing, StatusPending},
	StatusExpired:    {StatusPending, StatusProcessing},
	StatusPending:    {StatusFailed, StatusExpired}, // resetForRetry only
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}
