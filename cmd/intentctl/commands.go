package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-checkout-reconciler/internal/intents"
)

func showCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "show [intent-id]",
		Short: "Print a checkout intent as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			ci, err := b.Store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ci == nil {
				return fmt.Errorf("intent %s: %w", args[0], intents.ErrNotFound)
			}
			out, err := json.MarshalIndent(ci, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func retryCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [intent-id]",
		Short: "Reset a FAILED or EXPIRED intent to PENDING with a fresh expiry window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Store.ResetForRetry(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("intent %s: %w", args[0], err)
			}
			ci, err := b.Store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s until %s\n", ci.IntentID, ci.Status, ci.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}
}

func sweepCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one stuck-intent sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			report, err := b.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "scanned:             %d\n", report.Scanned)
			fmt.Fprintf(w, "completed:           %d\n", report.Completed)
			fmt.Fprintf(w, "retrying:            %d\n", report.Retrying)
			fmt.Fprintf(w, "exhausted:           %d\n", report.Exhausted)
			fmt.Fprintf(w, "verification failed: %d\n", report.VerificationFailed)
			fmt.Fprintf(w, "skipped:             %d\n", report.Skipped)
			return nil
		},
	}
}
