package dbdriver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Sentinel errors for driver operations.
var (
	// ErrUnsupported indicates the operation is not available for the driver.
	ErrUnsupported = errors.New("operation not supported by database driver")

	// ErrNoTables indicates a table pattern matched nothing.
	ErrNoTables = errors.New("no tables match")

	// ErrTxDone indicates the transaction was already committed or rolled back.
	ErrTxDone = errors.New("transaction already finished")
)

// Queryer is what dump and load need: a *sqlx.DB, a *sqlx.Tx, or a DB.
type Queryer = sqlx.ExtContext

// DB is an open database handle.
type DB struct {
	*sqlx.DB

	driver string
	dsn    string
}

// Open connects to the configured database and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	switch cfg.driver() {
	case DriverSQLite:
		sqlDB, name, err := openSQLite(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dsn, _ := buildSQLiteDSN(cfg)
		return &DB{DB: sqlx.NewDb(sqlDB, name), driver: DriverSQLite, dsn: dsn}, nil

	case DriverPostgres:
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, errors.New("postgres dsn is required")
		}
		db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
			db.SetMaxIdleConns(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		return &DB{DB: db, driver: DriverPostgres, dsn: dsn}, nil
	}

	return nil, fmt.Errorf("%w: unknown driver %q", ErrUnsupported, cfg.Driver)
}

// Driver returns "sqlite" or "postgres".
func (d *DB) Driver() string {
	return d.driver
}

func (d *DB) Ping(ctx context.Context) error {
	return d.PingContext(ctx)
}

// Tables lists base tables whose names match the doublestar pattern, sorted.
// An empty pattern matches every table.
func Tables(ctx context.Context, q Queryer, pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid table pattern %q", pattern)
	}

	query := `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`
	if isPostgres(q) {
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'`
	}

	var names []string
	if err := sqlx.SelectContext(ctx, q, &names, query); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		if pattern != "" {
			ok, err := doublestar.Match(pattern, name)
			if err != nil {
				return nil, fmt.Errorf("match table pattern: %w", err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoTables, pattern)
	}
	sort.Strings(out)
	return out, nil
}

func isPostgres(q Queryer) bool {
	return q.DriverName() == "postgres"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
