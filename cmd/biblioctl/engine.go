package main

import (
	"context"
	"fmt"

	"biblio/internal/app"

	"github.com/spf13/cobra"
)

func newRunOnceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Claim and process eligible reservations once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *app.Runtime) error {
				engine, err := rt.BuildEngine()
				if err != nil {
					return err
				}

				sum, err := engine.RunOnce(ctx)
				// без redis очередь живет только в памяти процесса
				engine.Outbox.Flush(ctx)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d processed=%d skipped=%d failed=%d\n",
					sum.Claimed, sum.Processed, sum.Skipped, sum.Failed)
				return nil
			})
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resolve reservations stuck in processing or awaiting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *app.Runtime) error {
				engine, err := rt.BuildEngine()
				if err != nil {
					return err
				}
				swept, err := engine.Sweep(ctx)
				engine.Outbox.Flush(ctx)
				if err != nil {
					return err
				}
				for _, r := range swept {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s (retries=%d)\n", r.ID, r.OriginalStatus, r.Status, r.Retries)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resolved=%d\n", len(swept))
				return nil
			})
		},
	}
}

func newSyncPrioritiesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-priorities",
		Short: "Load the priority table and apply it to known users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.SyncPriorities(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated %d users\n", n)
				return nil
			})
		},
	}
}
