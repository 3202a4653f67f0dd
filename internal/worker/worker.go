// Package worker runs backup and restore inside a child process started by
// the server. Progress goes to the status log named by --status-log; the
// exit code and the final status line together decide the job outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3leaps/dbrelay/pkg/artifact"
	"github.com/3leaps/dbrelay/pkg/dbdriver"
	"github.com/3leaps/dbrelay/pkg/execstatus"
)

// Exit codes reported in the finish line.
const (
	CodeFailure  = 1
	CodeCanceled = 130
)

// Options configures one worker run.
type Options struct {
	Database  dbdriver.Config
	Artifacts artifact.Options

	// StatusLog receives status lines. Empty writes to stdout.
	StatusLog string

	// TempDir holds the intermediate database file. Empty uses the working
	// directory.
	TempDir string

	Logger *zap.Logger
}

// Backup copies the database to destination.
func Backup(ctx context.Context, opts Options, destination string) error {
	return run(ctx, opts, []string{"backup", destination}, func(ctx context.Context, sw *execstatus.Writer, db *dbdriver.DB, tmp string) error {
		if err := db.Backup(ctx, tmp); err != nil {
			return err
		}
		_ = sw.Progress(0.5, "snapshot written")

		n, err := artifact.Upload(ctx, destination, tmp, opts.Artifacts)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		opts.Logger.Info("Backup uploaded",
			zap.String("destination", destination),
			zap.Int64("bytes", n))
		return nil
	})
}

// Restore replaces the database contents with the backup at source.
func Restore(ctx context.Context, opts Options, source string) error {
	return run(ctx, opts, []string{"restore", source}, func(ctx context.Context, sw *execstatus.Writer, db *dbdriver.DB, tmp string) error {
		n, err := artifact.Download(ctx, source, tmp, opts.Artifacts)
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		_ = sw.Progress(0.5, fmt.Sprintf("downloaded %d bytes", n))

		if err := db.Restore(ctx, tmp); err != nil {
			return err
		}
		opts.Logger.Info("Backup restored",
			zap.String("source", source),
			zap.Int64("bytes", n))
		return nil
	})
}

type step func(ctx context.Context, sw *execstatus.Writer, db *dbdriver.DB, tmp string) error

func run(ctx context.Context, opts Options, args []string, fn step) (err error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	out := os.Stdout
	if opts.StatusLog != "" {
		f, err := os.OpenFile(opts.StatusLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open status log: %w", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	sw := execstatus.NewWriter(out)
	defer func() { _ = sw.Close() }()

	if werr := sw.Start(args); werr != nil {
		return werr
	}
	defer func() {
		finish(sw, err, ctx.Err())
	}()

	tmpDir := opts.TempDir
	if tmpDir == "" {
		tmpDir = "."
	}
	tmp, err := os.CreateTemp(tmpDir, "dbrelay-*.db")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()
	if tmpPath, err = filepath.Abs(tmpPath); err != nil {
		return err
	}

	db, err := dbdriver.Open(ctx, opts.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	_ = sw.Progress(0.1, "database opened")

	return fn(ctx, sw, db, tmpPath)
}

func finish(sw *execstatus.Writer, err, ctxErr error) {
	switch {
	case err == nil:
		_ = sw.Finish(execstatus.StatusSuccess, 0, "")
	case ctxErr != nil || errors.Is(err, context.Canceled):
		_ = sw.Finish(execstatus.StatusCanceled, CodeCanceled, err.Error())
	default:
		_ = sw.Finish(execstatus.StatusFailure, CodeFailure, err.Error())
	}
}
