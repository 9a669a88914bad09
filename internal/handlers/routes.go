// Package handlers is the HTTP surface: payment webhooks and the checkout-intent API.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-reconciler/internal/intents"
	"github.com/imrishuroy/go-checkout-reconciler/internal/notification"
	"github.com/imrishuroy/go-checkout-reconciler/internal/reconcile"
	"github.com/imrishuroy/go-checkout-reconciler/internal/signature"
)

const (
	DefaultSignatureHeader  = "X-Signature"
	DefaultDeliveryIDHeader = "X-Webhook-Id"
)

// Dispatcher is satisfied by *ingest.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev notification.Event, deliveryID string) (reconcile.Outcome, error)
}

// EnvelopeVerifier is satisfied by *signature.CertificateVerifier.
type EnvelopeVerifier interface {
	VerifyEnvelope(ctx context.Context, env *signature.Envelope) signature.Result
	ConfirmSubscription(ctx context.Context, env *signature.Envelope) error
}

// HandlerConfig groups dependencies for the HTTP routes.
type HandlerConfig struct {
	Store      intents.Store
	Dispatcher Dispatcher

	// Webhook verifies POST /webhooks/payments. RequireSignature is set when a
	// secret is configured, so a request without the header is refused up front.
	Webhook          signature.Verifier
	RequireSignature bool
	SignatureHeader  string
	DeliveryIDHeader string

	// Certificates enables POST /webhooks/sns when non-nil.
	Certificates EnvelopeVerifier

	Logger *zap.Logger
}

// RegisterRoutes registers health, webhook and checkout-intent routes.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.DeliveryIDHeader == "" {
		cfg.DeliveryIDHeader = DefaultDeliveryIDHeader
	}
	if cfg.Webhook == nil {
		cfg.Webhook = signature.NewHMACTimestamped("", 0, cfg.Logger)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	registerWebhookRoutes(r, cfg)
	registerIntentRoutes(r, cfg)
}

// statusFor maps an engine outcome to the HTTP status the sender sees.
func statusFor(outcome reconcile.Outcome) int {
	switch {
	case outcome == reconcile.OutcomeError:
		return http.StatusInternalServerError
	case outcome.Deferred():
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}
