package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-reconciler/internal/app"
	"github.com/imrishuroy/go-checkout-reconciler/internal/config"
	"github.com/imrishuroy/go-checkout-reconciler/internal/logging"
	"github.com/imrishuroy/go-checkout-reconciler/internal/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, nil, logger)
	if err != nil {
		logger.Fatal("Failed to build sweeper", zap.Error(err))
	}
	defer a.Close(context.Background())

	if !cfg.RunLocal {
		// Triggered by a scheduled CloudWatch event.
		lambda.Start(func(ctx context.Context, ev events.CloudWatchEvent) (reconcile.SweepReport, error) {
			logger.Info("Scheduled sweep", zap.String("event_id", ev.ID), zap.Time("time", ev.Time))
			return a.Sweeper.Sweep(ctx)
		})
		return
	}

	scheduler, err := a.NewScheduler()
	if err != nil {
		logger.Fatal("Failed to schedule sweeper", zap.Error(err))
	}
	scheduler.Start()
	logger.Info("Sweeper scheduled", zap.String("schedule", cfg.Sweep.Schedule))

	<-ctx.Done()
	logger.Info("Shutting down...")
	<-scheduler.Stop().Done()
}
