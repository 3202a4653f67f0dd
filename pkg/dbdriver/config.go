package dbdriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// defaultMaxOpenConns keeps room for one long-lived transaction next to
// ad-hoc dumps and loads.
const defaultMaxOpenConns = 4

type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `mapstructure:"driver"`

	// DSN is the driver connection string. For sqlite it may be a filesystem
	// path, a file: DSN, ":memory:" or a libsql:// URL.
	DSN string `mapstructure:"dsn"`

	// AuthToken is appended to libsql URL DSNs as authToken=... when not already present.
	AuthToken string `mapstructure:"auth_token"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (c Config) driver() string {
	d := strings.ToLower(strings.TrimSpace(c.Driver))
	switch d {
	case "", "sqlite3", "libsql":
		return DriverSQLite
	case "postgresql", "pg":
		return DriverPostgres
	}
	return d
}

func buildSQLiteDSN(cfg Config) (string, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return "", errors.New("database path or url is required")
	}
	if dsn == ":memory:" {
		return dsn, nil
	}
	if strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "https://") {
		return addAuthToken(dsn, cfg.AuthToken)
	}

	if strings.HasPrefix(dsn, "file:") {
		localPath, err := extractFilePath(dsn)
		if err != nil {
			return "", err
		}
		if err := ensureStoreDir(localPath); err != nil {
			return "", err
		}
		return dsn, nil
	}

	if err := ensureStoreDir(dsn); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(dsn), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid database url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}

	return parsed.String(), nil
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid database path: %w", err)
	}

	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}

	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

// configureLocalSQLite applies connection limits and WAL mode to file-backed
// databases.
func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string, maxOpen int) error {
	if db == nil {
		return errors.New("database connection is nil")
	}
	if dsn == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		return nil
	}
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	return nil
}

func ensureStoreDir(path string) error {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}

	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}
