// Package reconcile turns authenticated payment notifications into at most one order per
// checkout intent.
package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-reconciler/internal/intents"
	"github.com/imrishuroy/go-checkout-reconciler/internal/metrics"
	"github.com/imrishuroy/go-checkout-reconciler/internal/notification"
	"github.com/imrishuroy/go-checkout-reconciler/internal/orders"
)

// Outcome names what Reconcile did with an event.
type Outcome string

const (
	OutcomeNotFound           Outcome = "not_found"
	OutcomeDuplicate          Outcome = "duplicate"
	OutcomeInFlight           Outcome = "in_flight"
	OutcomeExpired            Outcome = "expired"
	OutcomeLostRace           Outcome = "lost_race"
	OutcomeFailed             Outcome = "failed"
	OutcomeVerificationFailed Outcome = "verification_failed"
	OutcomeCompleted          Outcome = "completed"
	// OutcomeOrderPending: claimed and confirmed, but order creation failed. The intent
	// stays PROCESSING and the sweeper retries it.
	OutcomeOrderPending Outcome = "order_pending"
	// OutcomeStalled: claimed, but the final store write or gateway check failed.
	OutcomeStalled Outcome = "stalled"
	// OutcomeError: transient failure before any claim; safe to redeliver.
	OutcomeError Outcome = "error"
)

// Deferred reports whether the sender should retry later rather than consider the
// delivery settled.
func (o Outcome) Deferred() bool {
	switch o {
	case OutcomeNotFound, OutcomeVerificationFailed, OutcomeOrderPending, OutcomeStalled:
		return true
	}
	return false
}

// VerificationFailedResult is stored when the gateway does not confirm a payment.
const VerificationFailedResult = "VERIFICATION_FAILED"

var successMarkers = []string{"success", "approved", "paid", "complete", "settled"}

// IsSuccess classifies outcome text by case-insensitive substring match. "unpaid" contains
// "paid" and therefore counts as success.
func IsSuccess(outcome string) bool {
	lower := strings.ToLower(outcome)
	for _, m := range successMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// OrderCreator creates orders; it must return the same order for a repeated key.
type OrderCreator interface {
	CreateOrder(ctx context.Context, cmd orders.Command, idempotencyKey string) (orders.Result, error)
}

// PaymentConfirmer asks the gateway whether a checkout session is paid.
type PaymentConfirmer interface {
	IsSessionPaid(ctx context.Context, sessionID string) (bool, error)
}

// Config bounds every suspension point of the engine.
type Config struct {
	StoreTimeout      time.Duration
	GatewayTimeout    time.Duration
	OrderTimeout      time.Duration
	VerifyWithGateway bool
}

// DefaultConfig keeps the total well below a typical 30s webhook delivery timeout.
func DefaultConfig() Config {
	return Config{
		StoreTimeout:      3 * time.Second,
		GatewayTimeout:    5 * time.Second,
		OrderTimeout:      10 * time.Second,
		VerifyWithGateway: true,
	}
}

// Engine is shared by every ingest channel.
type Engine struct {
	store     intents.Store
	orders    OrderCreator
	confirmer PaymentConfirmer
	metrics   metrics.Recorder
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
	nowFunc   func() time.Time
}

// NewEngine wires the engine. confirmer may be nil, which disables gateway verification.
func NewEngine(store intents.Store, creator OrderCreator, confirmer PaymentConfirmer, recorder metrics.Recorder, cfg Config, logger *zap.Logger) *Engine {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		orders:    creator,
		confirmer: confirmer,
		metrics:   recorder,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/imrishuroy/go-checkout-reconciler/internal/reconcile"),
		nowFunc:   time.Now,
	}
}

// SetClock overrides the engine clock.
func (e *Engine) SetClock(now func() time.Time) { e.nowFunc = now }

// Reconcile applies one event. A non-nil error comes with OutcomeError (nothing changed,
// redeliver), OutcomeOrderPending or OutcomeStalled (intent left PROCESSING).
func (e *Engine) Reconcile(ctx context.Context, ev notification.Event) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "reconcile", trace.WithAttributes(
		attribute.String("channel", string(ev.Channel)),
		attribute.String("checkout_session_id", ev.SessionID),
		attribute.String("reference_id", ev.ReferenceID),
	))
	defer span.End()

	log := e.logger.With(
		zap.String("channel", string(ev.Channel)),
		zap.String("checkout_session_id", ev.SessionID),
		zap.String("reference_id", ev.ReferenceID),
	)
	outcome, intentID, err := e.reconcile(ctx, ev, log)
	span.SetAttributes(attribute.String("outcome", string(outcome)), attribute.String("intent_id", intentID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.Incr(ctx, metrics.ReconcileOutcome, map[string]string{
		"Outcome": string(outcome),
		"Channel": string(ev.Channel),
	})
	return outcome, err
}

func (e *Engine) reconcile(ctx context.Context, ev notification.Event, log *zap.Logger) (Outcome, string, error) {
	if ev.SessionID == "" && ev.ReferenceID == "" {
		log.Info("Notification carries no correlation fields, dropping")
		return OutcomeNotFound, "", nil
	}

	var ci *intents.CheckoutIntent
	err := e.step(ctx, "reconcile.find_intent", e.cfg.StoreTimeout, func(ctx context.Context) error {
		var err error
		ci, err = e.store.FindByIdentifiers(ctx, ev.SessionID, ev.ReferenceID)
		return err
	})
	if err != nil {
		return OutcomeError, "", fmt.Errorf("find intent: %w", err)
	}
	if ci == nil {
		log.Warn("No checkout intent matches notification")
		return OutcomeNotFound, "", nil
	}
	log = log.With(zap.String("intent_id", ci.IntentID))

	if ci.OrderID != "" || ci.Status.IsTerminal() {
		log.Info("Duplicate notification for settled intent", zap.String("status", string(ci.Status)))
		return OutcomeDuplicate, ci.IntentID, nil
	}
	if ci.Status == intents.StatusProcessing {
		log.Info("Intent already being processed")
		return OutcomeInFlight, ci.IntentID, nil
	}

	if ci.Expired(e.nowFunc()) {
		return e.expire(ctx, ci, ev, log)
	}

	var won bool
	err = e.step(ctx, "reconcile.claim", e.cfg.StoreTimeout, func(ctx context.Context) error {
		var err error
		won, err = e.store.ClaimProcessing(ctx, ci.IntentID)
		return err
	})
	if err != nil {
		return OutcomeError, ci.IntentID, fmt.Errorf("claim intent: %w", err)
	}
	if !won {
		log.Info("Lost claim race")
		return OutcomeLostRace, ci.IntentID, nil
	}

	if !IsSuccess(ev.Outcome) {
		if err := e.markFailed(ctx, ci.IntentID, ev.Outcome); err != nil {
			return OutcomeStalled, ci.IntentID, err
		}
		log.Info("Payment not successful", zap.String("result", ev.Outcome))
		return OutcomeFailed, ci.IntentID, nil
	}

	paid, err := e.confirm(ctx, ci, ev.SessionID)
	if err != nil {
		log.Error("Gateway confirmation failed, leaving intent processing", zap.Error(err))
		return OutcomeStalled, ci.IntentID, err
	}
	if !paid {
		if err := e.markFailed(ctx, ci.IntentID, VerificationFailedResult); err != nil {
			return OutcomeStalled, ci.IntentID, err
		}
		log.Warn("Gateway did not confirm payment")
		return OutcomeVerificationFailed, ci.IntentID, nil
	}

	res, err := e.createOrder(ctx, ci)
	if err != nil {
		log.Error("Order creation failed, intent left processing", zap.Error(err))
		return OutcomeOrderPending, ci.IntentID, err
	}
	if err := e.markCompleted(ctx, ci.IntentID, res.OrderID, ev.Outcome); err != nil {
		log.Error("Order created but intent not finalized", zap.String("order_id", res.OrderID), zap.Error(err))
		return OutcomeStalled, ci.IntentID, err
	}
	log.Info("Intent completed", zap.String("order_id", res.OrderID))
	return OutcomeCompleted, ci.IntentID, nil
}

// expire marks a lapsed intent expired. The intent is claimed first, so a handler working
// from a stale PENDING read cannot expire an intent another handler has already claimed.
// A successful payment reported after expiry produces no order; it is logged and counted
// for follow-up.
func (e *Engine) expire(ctx context.Context, ci *intents.CheckoutIntent, ev notification.Event, log *zap.Logger) (Outcome, string, error) {
	var won bool
	err := e.step(ctx, "reconcile.claim", e.cfg.StoreTimeout, func(ctx context.Context) error {
		var err error
		won, err = e.store.ClaimProcessing(ctx, ci.IntentID)
		return err
	})
	if err != nil {
		return OutcomeError, ci.IntentID, fmt.Errorf("claim intent: %w", err)
	}
	if !won {
		log.Info("Lost claim race on expired intent")
		return OutcomeLostRace, ci.IntentID, nil
	}

	err = e.step(ctx, "reconcile.expire", e.cfg.StoreTimeout, func(ctx context.Context) error {
		return e.store.MarkExpired(ctx, ci.IntentID)
	})
	if err != nil {
		log.Error("Claimed expired intent but could not mark it expired", zap.Error(err))
		return OutcomeStalled, ci.IntentID, fmt.Errorf("expire intent: %w", err)
	}
	if IsSuccess(ev.Outcome) {
		log.Warn("Payment reported after local expiry, no order created",
			zap.String("result", ev.Outcome), zap.Time("expires_at", ci.ExpiresAt))
		e.metrics.Incr(ctx, metrics.LatePayment, map[string]string{"Channel": string(ev.Channel)})
	} else {
		log.Info("Intent expired")
	}
	return OutcomeExpired, ci.IntentID, nil
}

func (e *Engine) confirm(ctx context.Context, ci *intents.CheckoutIntent, eventSession string) (bool, error) {
	if !e.cfg.VerifyWithGateway || e.confirmer == nil {
		return true, nil
	}
	session := ci.CheckoutSessionID
	if session == "" {
		session = eventSession
	}
	var paid bool
	err := e.step(ctx, "reconcile.verify_payment", e.cfg.GatewayTimeout, func(ctx context.Context) error {
		var err error
		paid, err = e.confirmer.IsSessionPaid(ctx, session)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("confirm payment: %w", err)
	}
	return paid, nil
}

func (e *Engine) createOrder(ctx context.Context, ci *intents.CheckoutIntent) (orders.Result, error) {
	var res orders.Result
	err := e.step(ctx, "reconcile.create_order", e.cfg.OrderTimeout, func(ctx context.Context) error {
		var err error
		res, err = e.orders.CreateOrder(ctx, BuildCommand(ci), IdempotencyKey(ci))
		return err
	})
	if err != nil {
		return orders.Result{}, fmt.Errorf("create order: %w", err)
	}
	return res, nil
}

func (e *Engine) markFailed(ctx context.Context, intentID, result string) error {
	err := e.step(ctx, "reconcile.mark_failed", e.cfg.StoreTimeout, func(ctx context.Context) error {
		return e.store.MarkFailed(ctx, intentID, result)
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (e *Engine) markCompleted(ctx context.Context, intentID, orderID, result string) error {
	err := e.step(ctx, "reconcile.mark_completed", e.cfg.StoreTimeout, func(ctx context.Context) error {
		return e.store.MarkCompleted(ctx, intentID, orderID, result)
	})
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// step runs fn inside its own span and, when timeout > 0, its own deadline.
func (e *Engine) step(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, name)
	defer span.End()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// BuildCommand snapshots the stored intent into an order command.
func BuildCommand(ci *intents.CheckoutIntent) orders.Command {
	return orders.Command{
		IntentID:          ci.IntentID,
		ReferenceID:       ci.ReferenceID,
		CheckoutSessionID: ci.CheckoutSessionID,
		AmountCents:       ci.AmountCents,
		Currency:          ci.Currency,
		Locale:            ci.Locale,
		Metadata:          ci.Metadata,
	}
}

// businessKeys are metadata fields holding a business-stable id, in precedence order.
var businessKeys = []string{"idempotencyKey", "cartId", "checkoutId"}

// IdempotencyKey picks the order idempotency key: a business id from metadata, then the
// checkout session id, then the reference id, then the intent id.
func IdempotencyKey(ci *intents.CheckoutIntent) string {
	for _, k := range businessKeys {
		if v := metadataString(ci.Metadata[k]); v != "" {
			return v
		}
	}
	switch {
	case ci.CheckoutSessionID != "":
		return ci.CheckoutSessionID
	case ci.ReferenceID != "":
		return ci.ReferenceID
	}
	return ci.IntentID
}

func metadataString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return ""
}
