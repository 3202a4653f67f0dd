package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/dbrelay/internal/config"
	"github.com/3leaps/dbrelay/internal/observability"
	"github.com/3leaps/dbrelay/internal/server"
	"github.com/3leaps/dbrelay/internal/server/handlers"
	"github.com/3leaps/dbrelay/internal/service"
	"github.com/3leaps/dbrelay/pkg/dbdriver"
	"github.com/3leaps/dbrelay/pkg/events"
	"github.com/3leaps/dbrelay/pkg/jobregistry"
	"github.com/3leaps/dbrelay/pkg/monitor"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job engine",
	Long: `Run the HTTP API and the job engine.

On SIGINT or SIGTERM the server stops accepting requests, running jobs are
canceled, open transactions are rolled back and the registry is saved.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
}

// serveOverrides turns explicitly set flags into config overrides.
func serveOverrides(cmd *cobra.Command) map[string]any {
	srv := map[string]any{}
	if cmd.Flags().Changed("host") {
		srv["host"] = serveHost
	}
	if cmd.Flags().Changed("port") {
		srv["port"] = servePort
	}
	if len(srv) == 0 {
		return nil
	}
	return map[string]any{"server": srv}
}

func runServe(cmd *cobra.Command, _ []string) error {
	var overrides []map[string]any
	if o := serveOverrides(cmd); o != nil {
		overrides = append(overrides, o)
	}
	cfg, err := config.Load(cmd.Context(), overrides...)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}

	identity := GetAppIdentity()
	if err := observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize logger", err)
	}
	logger := observability.ServerLogger
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := dbdriver.Open(ctx, cfg.Database)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open database", err)
	}
	defer func() { _ = db.Close() }()

	hub := events.NewHub()
	notifiers := jobregistry.Notifiers{hub}
	if cfg.Events.Enabled() {
		pub, err := events.Dial(cfg.Events, logger)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to event broker", err)
		}
		defer func() { _ = pub.Close() }()
		notifiers = append(notifiers, pub)
	}

	registry, err := jobregistry.Open(jobregistry.Options{
		Path:      cfg.Jobs.RegistryPath,
		Retention: cfg.Jobs.Retention,
		Logger:    logger,
		Notifier:  notifiers,
	})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open job registry", err)
	}

	mon, err := monitor.NewManager(logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start status monitor", err)
	}
	mon.Start()

	engine, err := service.New(service.Options{
		DataDir:    cfg.DataDir,
		Registry:   registry,
		Monitor:    mon,
		Runner:     jobregistry.NewExecRunner(cfg.Jobs.KillGrace),
		Pool:       service.NewPool(cfg.Workers, logger),
		DB:         db,
		WorkerPath: cfg.Jobs.WorkerPath,
		WorkerEnv:  workerEnv(identity.EnvPrefix, cfg),
		StatusWait: cfg.Jobs.StatusWait,
		Logger:     logger,
	})
	if err != nil {
		_ = mon.Close()
		return exitError(foundry.ExitInvalidArgument, "Failed to start job engine", err)
	}

	var scheduler *service.Scheduler
	if cfg.Schedule.Backup != "" {
		scheduler, err = service.NewScheduler(engine, service.ScheduleOptions{
			Spec:        cfg.Schedule.Backup,
			Destination: cfg.Schedule.Destination,
			UID:         cfg.Schedule.UID,
		}, logger)
		if err != nil {
			_ = engine.Shutdown(context.Background())
			return exitError(foundry.ExitInvalidArgument, "Invalid backup schedule", err)
		}
		scheduler.Start()
	}

	if cfg.Health.Enabled {
		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("signals", signalHealthChecker{})
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		})
		hm.RegisterChecker("database", handlers.HealthCheckerFunc(db.Ping))
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobs(engine, hub),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	logger.Info("Starting dbrelay",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.String("data_dir", cfg.DataDir),
		zap.String("database", db.Driver()),
		zap.Int("workers", cfg.Workers))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Job engine shutdown incomplete", zap.Error(err))
	}

	if serveErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", serveErr)
	}
	logger.Info("dbrelay stopped")
	return nil
}

// workerEnv passes the database and artifact settings to worker processes,
// which load their configuration from the environment.
func workerEnv(prefix string, cfg *config.Config) []string {
	env := []string{
		prefix + "_DATA_DIR=" + cfg.DataDir,
		prefix + "_DATABASE_DRIVER=" + cfg.Database.Driver,
		prefix + "_DATABASE_DSN=" + cfg.Database.DSN,
	}
	if cfg.Database.AuthToken != "" {
		env = append(env, prefix+"_DATABASE_AUTH_TOKEN="+cfg.Database.AuthToken)
	}
	s3 := cfg.Artifacts.S3
	if s3.Region != "" {
		env = append(env, prefix+"_S3_REGION="+s3.Region)
	}
	if s3.Endpoint != "" {
		env = append(env, prefix+"_S3_ENDPOINT="+s3.Endpoint)
	}
	if s3.Profile != "" {
		env = append(env, prefix+"_S3_PROFILE="+s3.Profile)
	}
	if s3.ForcePathStyle {
		env = append(env, prefix+"_S3_FORCE_PATH_STYLE="+strconv.FormatBool(s3.ForcePathStyle))
	}
	return env
}

// signalHealthChecker reports healthy while the process can still take
// signals; it exists so /health/live always has one check.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

// identityHealthChecker verifies the app identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	var errs []error
	if c.binaryName == "" {
		errs = append(errs, errors.New("missing binary name"))
	}
	if c.envPrefix == "" {
		errs = append(errs, errors.New("missing env prefix"))
	}
	if c.configName == "" {
		errs = append(errs, errors.New("missing config name"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("identity incomplete: %w", errors.Join(errs...))
	}
	return nil
}
