package validation

// CreateIntentRequest is the payload for POST /checkout-intents
type CreateIntentRequest struct {
	ReferenceID       string         `json:"referenceId" validate:"required,max=128"`        // merchant reference, unique per checkout
	CheckoutSessionID string         `json:"checkoutSessionId,omitempty" validate:"max=256"` // known already when the gateway session was opened first
	AmountCents       int64          `json:"amountCents" validate:"required,gt=0"`
	Currency          string         `json:"currency" validate:"required,len=3,alpha,uppercase"`
	Locale            string         `json:"locale,omitempty" validate:"max=35"`
	Metadata          map[string]any `json:"metadata,omitempty"` // cart/customer/pricing snapshot
}

// AttachSessionRequest is the payload for PUT /checkout-intents/:id/session
type AttachSessionRequest struct {
	CheckoutSessionID string `json:"checkoutSessionId" validate:"required,max=256"`
}
