// Package app builds the reconciler's object graph from configuration. Every binary
// (api, worker, sweeper, intentctl) starts from New.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-reconciler/internal/aws"
	"github.com/imrishuroy/go-checkout-reconciler/internal/config"
	"github.com/imrishuroy/go-checkout-reconciler/internal/deliveries"
	"github.com/imrishuroy/go-checkout-reconciler/internal/gateway"
	"github.com/imrishuroy/go-checkout-reconciler/internal/handlers"
	"github.com/imrishuroy/go-checkout-reconciler/internal/ingest"
	"github.com/imrishuroy/go-checkout-reconciler/internal/intents"
	"github.com/imrishuroy/go-checkout-reconciler/internal/metrics"
	"github.com/imrishuroy/go-checkout-reconciler/internal/orders"
	"github.com/imrishuroy/go-checkout-reconciler/internal/queue"
	"github.com/imrishuroy/go-checkout-reconciler/internal/reconcile"
	"github.com/imrishuroy/go-checkout-reconciler/internal/signature"
	"github.com/imrishuroy/go-checkout-reconciler/internal/telemetry"
)

const serviceName = "checkout-reconciler"

// App holds the wired components.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Store        intents.Store
	Engine       *reconcile.Engine
	Sweeper      *reconcile.Sweeper
	Dispatcher   *ingest.Dispatcher
	Consumer     *queue.Consumer
	Poller       *queue.Poller // nil when ORDERS_QUEUE_URL is unset
	Webhook      signature.Verifier
	Certificates *signature.CertificateVerifier

	closers []func(context.Context) error
}

// New wires every component. clients may be nil; AWS clients are then loaded from the
// environment, and only when a configured backend needs them.
func New(ctx context.Context, cfg *config.Config, clients *aws.AWSClients, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if clients == nil && needsAWS(cfg) {
		var err error
		clients, err = aws.NewAWSClients(ctx)
		if err != nil {
			return nil, err
		}
	}

	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer(serviceName, logger)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	store, err := a.buildStore(ctx, clients)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Store = store

	var recorder metrics.Recorder = metrics.Nop{}
	if clients != nil && cfg.MetricsNamespace != "" {
		recorder = metrics.NewCloudWatchRecorder(clients.CloudWatch, cfg.MetricsNamespace, logger)
	}

	// A nil *gateway.Client must not reach the engine as a non-nil interface.
	var confirmer reconcile.PaymentConfirmer
	if cfg.Gateway.BaseURL != "" {
		confirmer = gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey)
	}

	a.Engine = reconcile.NewEngine(store,
		orders.NewClient(cfg.Orders.BaseURL, cfg.Orders.APIKey),
		confirmer,
		recorder,
		reconcile.Config{
			StoreTimeout:      cfg.Engine.StoreTimeout,
			GatewayTimeout:    cfg.Engine.GatewayTimeout,
			OrderTimeout:      cfg.Engine.OrderTimeout,
			VerifyWithGateway: cfg.Engine.VerifyWithGateway,
		},
		logger)
	a.Sweeper = reconcile.NewSweeper(a.Engine, reconcile.SweepConfig{
		StuckAfter:  cfg.Sweep.StuckAfter,
		MaxAttempts: cfg.Sweep.MaxAttempts,
		BatchSize:   cfg.Sweep.Batch,
	})

	a.Dispatcher = ingest.NewDispatcher(a.Engine, a.buildDeliveries(clients), recorder, logger)

	switch cfg.Signature.Scheme {
	case "raw":
		a.Webhook = signature.NewHMACRawBody(cfg.Signature.Secret, logger)
	default:
		a.Webhook = signature.NewHMACTimestamped(cfg.Signature.Secret, cfg.Signature.Tolerance, logger)
	}
	a.Certificates = signature.NewCertificateVerifier(logger,
		signature.WithDomainSuffix(cfg.Signature.CertDomainSuffix),
		signature.WithCertCache(signature.NewCertCache(cfg.Signature.CertCacheSize, cfg.Signature.CertCacheTTL)),
	)

	var quarantine queue.Quarantine
	if clients != nil && cfg.Queue.QuarantineURL != "" {
		quarantine = aws.NewPublisher(clients.SQS, cfg.Queue.QuarantineURL)
	}
	a.Consumer = queue.NewConsumer(a.Dispatcher, a.Certificates, quarantine, logger)
	if clients != nil && cfg.Queue.URL != "" {
		a.Poller = queue.NewPoller(clients.SQS, cfg.Queue.URL, a.Consumer, logger)
	}

	return a, nil
}

// HandlerConfig returns the HTTP route dependencies.
func (a *App) HandlerConfig() handlers.HandlerConfig {
	return handlers.HandlerConfig{
		Store:            a.Store,
		Dispatcher:       a.Dispatcher,
		Webhook:          a.Webhook,
		RequireSignature: a.Config.Signature.Secret != "",
		SignatureHeader:  a.Config.Signature.Header,
		DeliveryIDHeader: a.Config.Signature.DeliveryIDHeader,
		Certificates:     a.Certificates,
		Logger:           a.Logger,
	}
}

// Close releases pools and flushes the tracer.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn("Shutdown step failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) buildStore(ctx context.Context, clients *aws.AWSClients) (intents.Store, error) {
	cfg := a.Config.Store
	switch cfg.Backend {
	case "memory":
		a.Logger.Warn("Using in-memory checkout intent store; state is lost on restart")
		return intents.NewMemoryStore(), nil
	case "postgres":
		pool, err := intents.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		store := intents.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return intents.NewDynamoStore(clients.DynamoDB, cfg.Table), nil
	}
}

func (a *App) buildDeliveries(clients *aws.AWSClients) deliveries.Recorder {
	cfg := a.Config
	switch cfg.Deliveries.Backend {
	case "dynamodb":
		return deliveries.NewDynamoRecorder(clients.DynamoDB, cfg.Deliveries.Table, cfg.Deliveries.TTL)
	case "redis":
		rec, err := deliveries.NewRedisRecorder(cfg.Redis.Addr, cfg.Redis.Pass, cfg.Redis.DB, cfg.Deliveries.TTL)
		if err != nil {
			a.Logger.Warn("Redis unavailable for delivery dedup, using in-memory fallback", zap.Error(err))
		}
		return rec
	default:
		return deliveries.Nop{}
	}
}

func needsAWS(cfg *config.Config) bool {
	return cfg.Store.Backend == "dynamodb" ||
		cfg.Deliveries.Backend == "dynamodb" ||
		cfg.Queue.URL != "" ||
		cfg.Queue.QuarantineURL != "" ||
		cfg.IsProduction()
}
