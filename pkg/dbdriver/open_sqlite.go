//go:build !cgo

package dbdriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite "modernc.org/sqlite"
)

const driverLibsql = "libsql"

func init() {
	sql.Register(driverLibsql, &sqlite.Driver{})
}

// openSQLite opens (and creates if needed) a SQLite database.
//
// Notes:
// - Local file paths are created if parent directories do not exist.
// - busy_timeout is set per connection through the DSN so every pooled
// connection waits on locks instead of failing fast.
// - Remote libsql URLs require a cgo-enabled build.
func openSQLite(ctx context.Context, cfg Config) (*sql.DB, string, error) {
	dsn, err := buildSQLiteDSN(cfg)
	if err != nil {
		return nil, "", err
	}
	if strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "https://") {
		return nil, "", errors.New("libsql URL requires cgo-enabled build")
	}

	openDSN := dsn
	if strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		openDSN = dsn + sep + "_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(driverLibsql, openDSN)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping database: %w", err)
	}

	if err := configureLocalSQLite(ctx, db, dsn, cfg.MaxOpenConns); err != nil {
		_ = db.Close()
		return nil, "", err
	}

	return db, driverLibsql, nil
}
