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
		logger.Fatal("Failed to build worker", zap.Error(err))
	}
	defer a.Close(context.Background())

	if !cfg.RunLocal {
		lambda.Start(a.Consumer.Handle)
		return
	}

	// Long-poll the queue when one is configured.
	if a.Poller != nil {
		logger.Info("Polling queue", zap.String("queue_url", cfg.Queue.URL))
		if err := a.Poller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("Poller stopped", zap.Error(err))
		}
		return
	}

	// Otherwise simulate a single SQS event for local testing.
	testBody := os.Getenv("LOCAL_SQS_BODY")
	if testBody == "" {
		testBody = `{"checkoutSessionId":"local-session-1","result":"success"}`
	}
	event := events.SQSEvent{
		Records: []events.SQSMessage{
			{MessageId: "local-1", Body: testBody},
		},
	}
	if err := a.Consumer.Handle(ctx, event); err != nil {
		logger.Fatal("Local handler error", zap.Error(err))
	}
}
