package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/dbrelay/internal/config"
	"github.com/3leaps/dbrelay/internal/observability"
	"github.com/3leaps/dbrelay/internal/worker"
	"github.com/3leaps/dbrelay/pkg/artifact"
)

var (
	workerStatusLog   string
	workerDestination string
	workerSource      string
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single backup or restore (started by the job engine)",
	Hidden: true,
}

var workerBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the configured database to an artifact location",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWorker(cmd, func(ctx context.Context, opts worker.Options) error {
			return worker.Backup(ctx, opts, workerDestination)
		})
	},
}

var workerRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the configured database from an artifact location",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWorker(cmd, func(ctx context.Context, opts worker.Options) error {
			return worker.Restore(ctx, opts, workerSource)
		})
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerBackupCmd)
	workerCmd.AddCommand(workerRestoreCmd)

	workerCmd.PersistentFlags().StringVar(&workerStatusLog, "status-log", "", "Append status lines to this file (default: stdout)")
	workerBackupCmd.Flags().StringVar(&workerDestination, "destination", "", "Backup destination URI (file path, file:// or s3://)")
	workerRestoreCmd.Flags().StringVar(&workerSource, "source", "", "Backup source URI (file path, file:// or s3://)")
	_ = workerBackupCmd.MarkFlagRequired("destination")
	_ = workerRestoreCmd.MarkFlagRequired("source")
}

func runWorker(cmd *cobra.Command, fn func(ctx context.Context, opts worker.Options) error) error {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = fn(ctx, worker.Options{
		Database:  cfg.Database,
		Artifacts: artifact.Options{S3: cfg.Artifacts.S3},
		StatusLog: workerStatusLog,
		Logger:    observability.CLILogger,
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return exitError(worker.CodeCanceled, "Worker canceled", err)
	default:
		return exitError(worker.CodeFailure, "Worker failed", err)
	}
}
