package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LoggerConfig
		wantErr bool
	}{
		{"defaults", LoggerConfig{}, false},
		{"structured debug", LoggerConfig{Level: "debug", Profile: "structured"}, false},
		{"console upper level", LoggerConfig{Level: "WARN", Profile: "console"}, false},
		{"bad level", LoggerConfig{Level: "loud"}, true},
		{"bad profile", LoggerConfig{Profile: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_StructuredOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "server.log")
	logger, err := NewLogger(LoggerConfig{Service: "dbrelay", Profile: ProfileStructured, Output: out})
	require.NoError(t, err)

	logger.Info("job registered", zap.String("job_id", "j1"))
	logger.Debug("hidden")
	require.NoError(t, logger.Sync())

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"job_id":"j1"`)
	assert.Contains(t, lines[0], `"service":"dbrelay"`)
	assert.Contains(t, lines[0], `"timestamp"`)
}

func TestInitLoggers(t *testing.T) {
	origCLI, origServer := CLILogger, ServerLogger
	defer func() {
		CLILogger, ServerLogger = origCLI, origServer
	}()

	InitCLILogger("test", true)
	assert.NotNil(t, CLILogger)

	require.NoError(t, InitServerLogger("test", "info", "structured"))
	assert.Error(t, InitServerLogger("test", "info", "yaml"))
}
