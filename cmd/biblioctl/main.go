package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"biblio/internal/app"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "biblioctl",
		Short:         "Operator tool for the library reservation engine",
		Version:       fmt.Sprintf("%s (%s)", Version, CommitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/config.yaml"
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfig, "path to config.yaml")

	root.AddCommand(
		newRunOnceCmd(opts),
		newSweepCmd(opts),
		newSyncPrioritiesCmd(opts),
		newEnqueueCmd(opts),
		newCancelCmd(opts),
		newReportCmd(opts),
		newBroadcastCmd(opts),
		newMigrateCmd(opts),
		newBackupCmd(opts),
	)
	return root
}

// withRuntime opens the runtime for one command and closes it afterwards.
// SIGINT cancels the context.
func withRuntime(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, rt *app.Runtime) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, opts.configPath, "biblioctl")
	if err != nil {
		return err
	}
	defer rt.Close()

	return fn(ctx, rt)
}
