package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/imrishuroy/go-checkout-reconciler/internal/app"
	"github.com/imrishuroy/go-checkout-reconciler/internal/config"
	"github.com/imrishuroy/go-checkout-reconciler/internal/handlers"
	"github.com/imrishuroy/go-checkout-reconciler/internal/logging"
)

func setupRouter(cfg handlers.HandlerConfig, production bool) *gin.Engine {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	handlers.RegisterRoutes(r, cfg)

	return r
}

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
		logger.Fatal("Failed to build app", zap.Error(err))
	}
	defer a.Close(context.Background())

	r := setupRouter(a.HandlerConfig(), cfg.IsProduction())

	// if RUN_LOCAL is set, serve HTTP and run the queue poller and the sweeper in-process.
	if cfg.RunLocal {
		if err := runLocal(ctx, a, r); err != nil {
			logger.Fatal("Local server failed", zap.Error(err))
		}
		logger.Info("Server exited")
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

func runLocal(ctx context.Context, a *app.App, r *gin.Engine) error {
	logger := a.Logger
	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           otelhttp.NewHandler(r, "checkout-reconciler"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler, err := a.NewScheduler()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Running local server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if a.Poller != nil {
		g.Go(func() error {
			return a.Poller.Run(ctx)
		})
	}

	g.Go(func() error {
		scheduler.Start()
		logger.Info("Sweeper scheduled", zap.String("schedule", a.Config.Sweep.Schedule))
		<-ctx.Done()

		logger.Info("Shutting down...")
		<-scheduler.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
