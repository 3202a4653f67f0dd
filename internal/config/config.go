// Package config loads dbrelay configuration.
//
// Precedence, highest first: runtime overrides, environment variables
// (DBRELAY_*), a dbrelay.yaml config file, .env entries, defaults.
package config

import (
	"time"

	"github.com/3leaps/dbrelay/pkg/artifact"
	"github.com/3leaps/dbrelay/pkg/dbdriver"
	"github.com/3leaps/dbrelay/pkg/events"
)

// Config is the complete dbrelay configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
	Workers   int             `mapstructure:"workers" validate:"gte=1,lte=256"`
	DataDir   string          `mapstructure:"data_dir"`
	Database  dbdriver.Config `mapstructure:"database"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Events    events.Config   `mapstructure:"events"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the zap loggers.
type LoggingConfig struct {
	Level   string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Profile string `mapstructure:"profile" validate:"oneof=structured console"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// JobsConfig tunes the job engine.
type JobsConfig struct {
	// RegistryPath is the snapshot file. Empty means <data_dir>/jobs.json.
	RegistryPath string        `mapstructure:"registry_path"`
	Retention    time.Duration `mapstructure:"retention"`
	StatusWait   time.Duration `mapstructure:"status_wait" validate:"gte=0"`
	KillGrace    time.Duration `mapstructure:"kill_grace" validate:"gte=0"`

	// WorkerPath is the executable started for backup and restore jobs.
	// Empty means the running dbrelay binary.
	WorkerPath string `mapstructure:"worker_path"`
}

// ArtifactsConfig configures backup artifact stores.
type ArtifactsConfig struct {
	S3 artifact.S3Config `mapstructure:"s3"`
}

// ScheduleConfig drives scheduled backups.
type ScheduleConfig struct {
	// Backup is a cron spec (robfig/cron, optional seconds field). Empty
	// disables scheduled backups.
	Backup string `mapstructure:"backup"`

	// Destination is the backup URI. The first %s, if any, receives the
	// generated job id.
	Destination string `mapstructure:"destination"`

	UID string `mapstructure:"uid"`
}

// Defaults applied by SetDefaults.
const (
	DefaultHost            = "localhost"
	DefaultPort            = 8080
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultWorkers         = 4
	DefaultRetention       = 168 * time.Hour
	DefaultStatusWait      = time.Second
	DefaultKillGrace       = 10 * time.Second
	DefaultScheduleUID     = "scheduler"
)
