// Package cmd holds the dbrelay command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/dbrelay/internal/config"
	"github.com/3leaps/dbrelay/internal/observability"
	"github.com/3leaps/dbrelay/internal/server/handlers"
)

var (
	cfgFile string
	verbose bool
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

var appIdentity *config.AppIdentity

var rootCmd = &cobra.Command{
	Use:   "dbrelay",
	Short: "Database control plane with background backup, restore, dump and load jobs",
	Long: `dbrelay exposes database administration over HTTP.

Backups and restores run in worker processes; dumps, loads and long-lived
transactions run in process. Every job is tracked in a registry that survives
restarts and can be polled, streamed or canceled.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initialize,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./dbrelay.yaml, then the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func initialize(_ *cobra.Command, _ []string) error {
	appIdentity = config.DefaultIdentity()
	observability.InitCLILogger(appIdentity.BinaryName, verbose)
	setDefaults()

	if cfgFile != "" {
		if err := os.Setenv(appIdentity.EnvPrefix+"_CONFIG", cfgFile); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --config value", err)
		}
	}
	return nil
}

// setDefaults installs config defaults on the global viper instance used by
// the config command.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity set up by the root command, or nil
// before any command ran.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// Execute runs the root command and exits with the code carried by the
// returned error.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		observability.Sync()
		return
	}

	code := 1
	var ee *exitCodeError
	if errors.As(err, &ee) {
		code = ee.code
	}
	observability.CLILogger.Error("Command failed", zap.Error(err), zap.Int("exit_code", code))
	observability.Sync()
	os.Exit(code)
}

// exitCodeError carries a process exit code out of a RunE.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.message, e.code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, message: message, err: err}
}

// ExitWithCode logs and exits immediately. Use it from Run functions that
// cannot return an error.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	observability.Sync()
	os.Exit(code)
}
