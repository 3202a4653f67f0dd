package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppIdentity names the binary, its env prefix and its config file.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the dbrelay identity.
func DefaultIdentity() *AppIdentity {
	return &AppIdentity{
		BinaryName: "dbrelay",
		EnvPrefix:  "DBRELAY",
		ConfigName: "dbrelay",
	}
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
)

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

// envKeys lists the short env names (without prefix) and their config keys.
var envKeys = []EnvSpec{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"WORKERS", "workers"},
	{"DATA_DIR", "data_dir"},
	{"DATABASE_DRIVER", "database.driver"},
	{"DATABASE_DSN", "database.dsn"},
	{"DATABASE_AUTH_TOKEN", "database.auth_token"},
	{"REGISTRY_PATH", "jobs.registry_path"},
	{"JOB_RETENTION", "jobs.retention"},
	{"STATUS_WAIT", "jobs.status_wait"},
	{"KILL_GRACE", "jobs.kill_grace"},
	{"WORKER_PATH", "jobs.worker_path"},
	{"S3_REGION", "artifacts.s3.region"},
	{"S3_ENDPOINT", "artifacts.s3.endpoint"},
	{"S3_PROFILE", "artifacts.s3.profile"},
	{"S3_FORCE_PATH_STYLE", "artifacts.s3.force_path_style"},
	{"AMQP_URL", "events.url"},
	{"AMQP_EXCHANGE", "events.exchange"},
	{"SCHEDULE_BACKUP", "schedule.backup"},
	{"SCHEDULE_DESTINATION", "schedule.destination"},
}

// SetDefaults installs default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", DefaultHost)
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.read_timeout", DefaultReadTimeout.String())
	v.SetDefault("server.write_timeout", DefaultWriteTimeout.String())
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout.String())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("health.enabled", true)
	v.SetDefault("workers", DefaultWorkers)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")

	v.SetDefault("jobs.retention", DefaultRetention.String())
	v.SetDefault("jobs.status_wait", DefaultStatusWait.String())
	v.SetDefault("jobs.kill_grace", DefaultKillGrace.String())

	v.SetDefault("events.exchange", "dbrelay.jobs")
	v.SetDefault("schedule.uid", DefaultScheduleUID)
}

// Load builds the configuration and stores it for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	identity := *appIdentity
	configMu.Unlock()

	if err := loadDotEnv(identity); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, identity); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(identity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	normalize(&cfg, identity)
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Identity returns the active app identity, or nil before Load.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

func normalize(cfg *Config, identity AppIdentity) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToLower(strings.TrimSpace(cfg.Logging.Profile))
	if cfg.DataDir == "" {
		cfg.DataDir = gfconfig.GetAppDataDir(identity.ConfigName)
	}
	if cfg.Jobs.RegistryPath == "" {
		cfg.Jobs.RegistryPath = filepath.Join(cfg.DataDir, "jobs.json")
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(cfg.DataDir, identity.ConfigName+".db")
	}
	if cfg.Schedule.UID == "" {
		cfg.Schedule.UID = DefaultScheduleUID
	}
}

// loadDotEnv reads .env from the working directory, or the file named by
// <PREFIX>_ENV_FILE. Existing environment variables are never overwritten.
func loadDotEnv(identity AppIdentity) error {
	path := os.Getenv(identity.EnvPrefix + "_ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func readConfigFile(v *viper.Viper, identity AppIdentity) error {
	if explicit := os.Getenv(identity.EnvPrefix + "_CONFIG"); explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(identity.ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths returns the per-user config directories to search.
func getUserConfigPaths() []string {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()
	if identity == nil {
		return []string{}
	}

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, identity.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+identity.ConfigName))
	}
	return paths
}

// getEnvSpecs returns the prefixed environment variable mappings.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()
	if identity == nil {
		return []EnvSpec{}
	}

	specs := make([]EnvSpec, 0, len(envKeys))
	for _, k := range envKeys {
		specs = append(specs, EnvSpec{Name: identity.EnvPrefix + "_" + k.Name, Path: k.Path})
	}
	return specs
}

// EnvVarNames lists every mapped environment variable, sorted.
func EnvVarNames() []string {
	specs := getEnvSpecs()
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
