package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"biblio/internal/app"
	"biblio/internal/config"
	"biblio/internal/database"
	"biblio/internal/notifier"
	"biblio/internal/pgstore"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func newBroadcastCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool

	c := &cobra.Command{
		Use:   "broadcast <text>",
		Short: "Send a message to every known chat",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return errors.New("message text is empty")
			}

			return withRuntime(cmd, opts, func(ctx context.Context, rt *app.Runtime) error {
				ids, err := rt.Repo.ChatIDs(ctx)
				if err != nil {
					return err
				}
				if dryRun {
					fmt.Fprintf(cmd.OutOrStdout(), "would send to %d chats\n", len(ids))
					return nil
				}

				sender, err := rt.Sender()
				if err != nil {
					return err
				}
				sent := notifier.Broadcast(ctx, sender, ids, text, rt.Logger)
				fmt.Fprintf(cmd.OutOrStdout(), "sent %d/%d\n", sent, len(ids))
				return nil
			})
		},
	}

	c.Flags().BoolVar(&dryRun, "dry-run", false, "only count recipients")
	return c
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			var applied []int64
			switch cfg.Database.Driver {
			case config.DriverPostgres:
				pool, err := pgxpool.New(cmd.Context(), cfg.Database.Postgres.DSN())
				if err != nil {
					return fmt.Errorf("failed to create pool: %w", err)
				}
				defer pool.Close()
				applied, err = pgstore.Migrate(cmd.Context(), pool)
				if err != nil {
					return err
				}
			default:
				db, err := sql.Open("sqlite3", cfg.Database.Path+"?_busy_timeout=5000&_foreign_keys=on")
				if err != nil {
					return fmt.Errorf("failed to open database: %w", err)
				}
				defer db.Close()
				applied, err = database.Migrate(cmd.Context(), db)
				if err != nil {
					return err
				}
			}

			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied migrations %v\n", applied)
			return nil
		},
	}
}

func newBackupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the sqlite store and prune old snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if cfg.Database.Driver != config.DriverSQLite {
					return fmt.Errorf("backup supports the sqlite store only, driver is %q", cfg.Database.Driver)
				}
				svc := database.NewBackupService(cfg.Database.Path, cfg.Backup, rt.Logger)
				path, err := svc.PerformBackup(ctx)
				if err != nil {
					return err
				}
				removed := svc.CleanupOldBackups()
				fmt.Fprintf(cmd.OutOrStdout(), "%s (removed %d old)\n", path, removed)
				return nil
			})
		},
	}
}
