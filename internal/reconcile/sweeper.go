package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-reconciler/internal/intents"
	"github.com/imrishuroy/go-checkout-reconciler/internal/metrics"
)

// ExhaustedResult is stored when the sweeper gives up on order creation.
const ExhaustedResult = "ORDER_CREATION_EXHAUSTED"

// SweepConfig bounds the stuck-intent sweeper.
type SweepConfig struct {
	StuckAfter  time.Duration
	MaxAttempts int
	BatchSize   int
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{StuckAfter: 10 * time.Minute, MaxAttempts: 5, BatchSize: 100}
}

// SweepReport counts what one pass did.
type SweepReport struct {
	Scanned            int
	Completed          int
	Retrying           int
	Exhausted          int
	VerificationFailed int
	Skipped            int
}

// Sweeper retries order creation for intents left PROCESSING after a failed attempt,
// using the same idempotency key the engine used.
type Sweeper struct {
	engine *Engine
	cfg    SweepConfig
}

func NewSweeper(engine *Engine, cfg SweepConfig) *Sweeper {
	def := DefaultSweepConfig()
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Sweeper{engine: engine, cfg: cfg}
}

// Sweep runs one pass. Per-intent failures are logged and counted; only a failed listing
// is returned as an error.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	e := s.engine
	ctx, span := e.tracer.Start(ctx, "reconcile.sweep")
	defer span.End()

	var stuck []intents.CheckoutIntent
	cutoff := e.nowFunc().Add(-s.cfg.StuckAfter)
	err := e.step(ctx, "reconcile.list_stuck", e.cfg.StoreTimeout, func(ctx context.Context) error {
		var err error
		stuck, err = e.store.ListStuckProcessing(ctx, cutoff, s.cfg.BatchSize)
		return err
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("list stuck intents: %w", err)
	}

	report := SweepReport{Scanned: len(stuck)}
	for i := range stuck {
		ci := &stuck[i]
		result := s.sweepOne(ctx, ci)
		switch result {
		case "completed":
			report.Completed++
		case "retrying":
			report.Retrying++
		case "exhausted":
			report.Exhausted++
		case "verification_failed":
			report.VerificationFailed++
		default:
			report.Skipped++
		}
		e.metrics.Incr(ctx, metrics.SweepResult, map[string]string{"Result": result})
	}
	span.SetAttributes(
		attribute.Int("scanned", report.Scanned),
		attribute.Int("completed", report.Completed),
		attribute.Int("exhausted", report.Exhausted),
	)
	if report.Scanned > 0 {
		e.logger.Info("Sweep finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("completed", report.Completed),
			zap.Int("retrying", report.Retrying),
			zap.Int("exhausted", report.Exhausted),
			zap.Int("verification_failed", report.VerificationFailed),
			zap.Int("skipped", report.Skipped),
		)
	}
	return report, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, ci *intents.CheckoutIntent) string {
	e := s.engine
	attempt := ci.SweepAttempts + 1
	log := e.logger.With(zap.String("intent_id", ci.IntentID), zap.Int("attempt", attempt))

	// Bumps updated_at too, so a concurrent sweeper will not list the intent again.
	err := e.step(ctx, "reconcile.record_sweep_attempt", e.cfg.StoreTimeout, func(ctx context.Context) error {
		return e.store.RecordSweepAttempt(ctx, ci.IntentID, attempt)
	})
	if errors.Is(err, intents.ErrInvalidTransition) || errors.Is(err, intents.ErrNotFound) {
		return "skipped"
	}
	if err != nil {
		log.Error("Failed to record sweep attempt", zap.Error(err))
		return "skipped"
	}

	paid, err := e.confirm(ctx, ci, "")
	if err != nil {
		log.Warn("Gateway confirmation failed during sweep", zap.Error(err))
		return s.giveUpOrRetry(ctx, ci, attempt, log)
	}
	if !paid {
		if err := e.markFailed(ctx, ci.IntentID, VerificationFailedResult); err != nil {
			log.Error("Failed to mark unconfirmed intent failed", zap.Error(err))
			return "retrying"
		}
		return "verification_failed"
	}

	res, err := e.createOrder(ctx, ci)
	if err != nil {
		log.Warn("Order creation retry failed", zap.Error(err))
		return s.giveUpOrRetry(ctx, ci, attempt, log)
	}
	result := ci.Result
	if result == "" {
		result = res.Status
	}
	if err := e.markCompleted(ctx, ci.IntentID, res.OrderID, result); err != nil {
		log.Error("Order created but intent not finalized", zap.String("order_id", res.OrderID), zap.Error(err))
		return "retrying"
	}
	log.Info("Stuck intent completed", zap.String("order_id", res.OrderID))
	return "completed"
}

func (s *Sweeper) giveUpOrRetry(ctx context.Context, ci *intents.CheckoutIntent, attempt int, log *zap.Logger) string {
	if attempt < s.cfg.MaxAttempts {
		return "retrying"
	}
	if err := s.engine.markFailed(ctx, ci.IntentID, ExhaustedResult); err != nil {
		log.Error("Failed to mark exhausted intent", zap.Error(err))
		return "retrying"
	}
	log.Error("Order creation exhausted, operator follow-up required",
		zap.Int("max_attempts", s.cfg.MaxAttempts))
	return "exhausted"
}
