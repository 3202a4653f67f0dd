package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/dbrelay/internal/config"
	"github.com/3leaps/dbrelay/internal/observability"
	"github.com/3leaps/dbrelay/pkg/dbdriver"
	"github.com/3leaps/dbrelay/pkg/events"
	"github.com/3leaps/dbrelay/pkg/jobregistry"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  dbrelay doctor                 # Environment, database and registry checks
  dbrelay doctor --provider s3   # Also check AWS credentials for s3:// artifacts`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, _ []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 7

	if doctorProvider == "s3" {
		totalChecks = 9
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Gofulmen
	version := crucible.GetVersion()
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen),
			zap.String("crucible_version", version.Crucible))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: Configuration
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ Invalid configuration", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitInvalidArgument, "Cannot load configuration", err)
		return
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ loaded", checkNum, totalChecks),
		zap.String("data_dir", cfg.DataDir))
	checkNum++

	// Check 4: Data directory
	if err := checkWritableDir(cfg.DataDir); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ %s is not writable", checkNum, totalChecks, cfg.DataDir),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileWriteError, "Data directory is not writable", err)
		return
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking data directory... ✅ %s", checkNum, totalChecks, cfg.DataDir))
	checkNum++

	// Check 5: Job registry snapshot
	records, err := jobregistry.NewStore(cfg.Jobs.RegistryPath).Load()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job registry... ❌ Cannot read %s", checkNum, totalChecks, cfg.Jobs.RegistryPath),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking job registry... ✅ %d jobs", checkNum, totalChecks, len(records)),
			zap.String("path", cfg.Jobs.RegistryPath))
	}
	checkNum++

	// Check 6: Database
	if err := checkDatabase(cmd.Context(), cfg.Database); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking database... ❌ Cannot connect", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking database... ✅ %s", checkNum, totalChecks, cfg.Database.Driver))
	}
	checkNum++

	// Check 7: Event broker
	if !cfg.Events.Enabled() {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking event broker... ✅ disabled", checkNum, totalChecks))
	} else if pub, err := events.Dial(cfg.Events, observability.CLILogger); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking event broker... ❌ Cannot connect to %s", checkNum, totalChecks, redactURL(cfg.Events.URL)),
			zap.Error(err))
		allChecks = false
	} else {
		_ = pub.Close()
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking event broker... ✅ %s", checkNum, totalChecks, redactURL(cfg.Events.URL)))
	}
	checkNum++

	// S3-specific checks
	if doctorProvider == "s3" {
		allChecks = runS3Checks(cmd.Context(), checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkWritableDir creates dir if needed and writes a scratch file into it.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

func checkDatabase(ctx context.Context, cfg dbdriver.Config) error {
	db, err := dbdriver.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.Ping(ctx)
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Artifact Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// redactURL hides the password of a broker URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "****"
	}
	return u.Redacted()
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - DBRELAY_S3_ENDPOINT and DBRELAY_S3_FORCE_PATH_STYLE=true")
	observability.CLILogger.Info("")
}
