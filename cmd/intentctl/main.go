package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-reconciler/internal/app"
	"github.com/imrishuroy/go-checkout-reconciler/internal/config"
	"github.com/imrishuroy/go-checkout-reconciler/internal/intents"
	"github.com/imrishuroy/go-checkout-reconciler/internal/reconcile"
)

var Version = "dev"

// backend is what the subcommands operate on.
type backend struct {
	Store intents.Store
	Sweep func(ctx context.Context) (reconcile.SweepReport, error)
	Close func()
}

type loader func(ctx context.Context) (*backend, error)

func main() {
	if err := newRootCmd(loadBackend).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadBackend(ctx context.Context) (*backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, nil, logger)
	if err != nil {
		return nil, err
	}
	return &backend{
		Store: a.Store,
		Sweep: a.Sweeper.Sweep,
		Close: func() {
			a.Close(context.Background())
			_ = logger.Sync()
		},
	}, nil
}

func newRootCmd(load loader) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "intentctl",
		Short:        "Inspect and repair checkout intents",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(showCmd(load))
	rootCmd.AddCommand(retryCmd(load))
	rootCmd.AddCommand(sweepCmd(load))

	return rootCmd
}
