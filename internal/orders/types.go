package orders

// Command is everything the order service needs to create an order. It is built only from
// the stored checkout intent so prices are never re-derived.
type Command struct {
	IntentID          string         `json:"intentId"`
	ReferenceID       string         `json:"referenceId"`
	CheckoutSessionID string         `json:"checkoutSessionId,omitempty"`
	AmountCents       int64          `json:"amountCents"`
	Currency          string         `json:"currency"`
	Locale            string         `json:"locale,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"` // cart/customer/pricing snapshot
}

// Result is the order service's answer. Repeating a call with the same idempotency key
// returns the same OrderID.
type Result struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}
