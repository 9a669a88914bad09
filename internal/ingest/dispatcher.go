// Package ingest is the part both ingest channels share: collapse repeated deliveries,
// then hand the event to the reconciliation engine.
package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-reconciler/internal/deliveries"
	"github.com/imrishuroy/go-checkout-reconciler/internal/metrics"
	"github.com/imrishuroy/go-checkout-reconciler/internal/notification"
	"github.com/imrishuroy/go-checkout-reconciler/internal/reconcile"
)

// OutcomeDuplicateDelivery is reported when the delivery key was already processed and
// the engine was not called.
const OutcomeDuplicateDelivery reconcile.Outcome = "duplicate_delivery"

// Reconciler is satisfied by *reconcile.Engine.
type Reconciler interface {
	Reconcile(ctx context.Context, ev notification.Event) (reconcile.Outcome, error)
}

// Dispatcher forwards authenticated events to the engine.
type Dispatcher struct {
	engine     Reconciler
	deliveries deliveries.Recorder
	metrics    metrics.Recorder
	logger     *zap.Logger
}

func NewDispatcher(engine Reconciler, recorder deliveries.Recorder, m metrics.Recorder, logger *zap.Logger) *Dispatcher {
	if recorder == nil {
		recorder = deliveries.Nop{}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{engine: engine, deliveries: recorder, metrics: m, logger: logger}
}

// Dispatch reconciles ev unless its delivery was already processed. deliveryID overrides
// the message id found in the payload (e.g. a delivery header). Recorder failures are
// logged and never block reconciliation.
func (d *Dispatcher) Dispatch(ctx context.Context, ev notification.Event, deliveryID string) (reconcile.Outcome, error) {
	if deliveryID == "" {
		deliveryID = ev.MessageID
	}
	key := deliveries.Key(deliveryID, ev.Raw)
	log := d.logger.With(zap.String("delivery_key", key), zap.String("channel", string(ev.Channel)))

	dup, err := d.deliveries.Begin(ctx, key, string(ev.Channel), ev.Raw)
	if err != nil {
		log.Warn("Delivery record unavailable, reconciling anyway", zap.Error(err))
	}
	if dup {
		log.Info("Duplicate delivery dropped")
		d.metrics.Incr(ctx, metrics.DuplicateDelivery, map[string]string{"Channel": string(ev.Channel)})
		return OutcomeDuplicateDelivery, nil
	}

	outcome, err := d.engine.Reconcile(ctx, ev)
	if err != nil || !settles(outcome) {
		return outcome, err
	}
	if err := d.deliveries.Complete(ctx, key, string(outcome)); err != nil {
		log.Warn("Failed to mark delivery processed", zap.Error(err))
	}
	return outcome, nil
}

// settles reports whether outcome ends this delivery. A lost race or an in-flight
// intent is settled by another handler, so redeliveries still reach the engine.
func settles(outcome reconcile.Outcome) bool {
	switch outcome {
	case reconcile.OutcomeLostRace, reconcile.OutcomeInFlight:
		return false
	}
	return !outcome.Deferred()
}
