//go:build cgo

package dbdriver

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

const driverLibsql = "libsql"

// openSQLite opens (and creates if needed) a libsql-backed database.
//
// Notes:
// - Local file paths are created if parent directories do not exist.
// - For local DBs, WAL and busy_timeout are applied for predictable behavior.
func openSQLite(ctx context.Context, cfg Config) (*sql.DB, string, error) {
	dsn, err := buildSQLiteDSN(cfg)
	if err != nil {
		return nil, "", err
	}

	db, err := sql.Open(driverLibsql, dsn)
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
