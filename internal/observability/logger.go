// Package observability holds the process-wide zap loggers.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

var (
	mu sync.Mutex

	// CLILogger is used by commands. It writes to stderr so stdout stays
	// clean for command output.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the HTTP server and the job engine.
	ServerLogger = zap.NewNop()
)

// LoggerConfig selects level, encoding and destination.
type LoggerConfig struct {
	Service string
	Level   string
	Profile string
	Output  string
}

// NewLogger builds a zap logger from cfg.
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var zc zap.Config
	switch strings.ToLower(strings.TrimSpace(cfg.Profile)) {
	case "", ProfileStructured:
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown logging profile %q", cfg.Profile)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = level > zapcore.DebugLevel

	out := cfg.Output
	if out == "" {
		out = "stderr"
	}
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	if cfg.Service != "" {
		logger = logger.With(zap.String("service", cfg.Service))
	}
	return logger, nil
}

// InitCLILogger installs a console logger for commands. verbose enables
// debug output.
func InitCLILogger(service string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(LoggerConfig{Service: service, Level: level, Profile: ProfileConsole})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return
	}
	mu.Lock()
	CLILogger = logger
	mu.Unlock()
}

// InitServerLogger installs the server logger from configuration values.
func InitServerLogger(service, level, profile string) error {
	logger, err := NewLogger(LoggerConfig{Service: service, Level: level, Profile: profile})
	if err != nil {
		return err
	}
	mu.Lock()
	ServerLogger = logger
	mu.Unlock()
	return nil
}

// Sync flushes both loggers.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
