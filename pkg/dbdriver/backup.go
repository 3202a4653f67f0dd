package dbdriver

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
)

const restoreSchema = "dbrelay_restore_src"

// Backup writes a consistent copy of the database to path. Only sqlite is
// supported; the copy is a standalone database file.
func (d *DB) Backup(ctx context.Context, path string) error {
	if d.driver != DriverSQLite {
		return fmt.Errorf("%w: backup on %s", ErrUnsupported, d.driver)
	}
	if err := ensureStoreDir(path); err != nil {
		return err
	}
	// VACUUM INTO refuses to overwrite.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove previous backup: %w", err)
	}
	if _, err := d.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return nil
}

// Restore replaces the contents of the database with the backup at path.
// Tables absent from the backup are dropped. The copy runs in a single
// transaction.
func (d *DB) Restore(ctx context.Context, path string) (err error) {
	if d.driver != DriverSQLite {
		return fmt.Errorf("%w: restore on %s", ErrUnsupported, d.driver)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backup file: %w", err)
	}

	// ATTACH is per connection and not allowed inside a transaction.
	conn, err := d.Connx(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS "+restoreSchema, path); err != nil {
		return fmt.Errorf("attach backup: %w", err)
	}
	defer func() {
		if _, derr := conn.ExecContext(context.WithoutCancel(ctx), "DETACH DATABASE "+restoreSchema); derr != nil && err == nil {
			err = fmt.Errorf("detach backup: %w", derr)
		}
	}()

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin restore: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := copyAttached(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restore: %w", err)
	}
	return nil
}

type schemaObject struct {
	Type string `db:"type"`
	Name string `db:"name"`
	SQL  string `db:"sql"`
}

func copyAttached(ctx context.Context, tx *sqlx.Tx) error {
	var current []schemaObject
	if err := tx.SelectContext(ctx, &current,
		`SELECT type, name, COALESCE(sql, '') AS sql FROM main.sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'`); err != nil {
		return fmt.Errorf("list current schema: %w", err)
	}
	for _, obj := range current {
		stmt := "DROP TABLE IF EXISTS main." + quoteIdent(obj.Name)
		if obj.Type == "view" {
			stmt = "DROP VIEW IF EXISTS main." + quoteIdent(obj.Name)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("drop %s %s: %w", obj.Type, obj.Name, err)
		}
	}

	var src []schemaObject
	if err := tx.SelectContext(ctx, &src,
		`SELECT type, name, sql FROM `+restoreSchema+`.sqlite_master
		WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite_%'
		ORDER BY CASE type WHEN 'table' THEN 0 WHEN 'index' THEN 1 WHEN 'view' THEN 2 ELSE 3 END, name`); err != nil {
		return fmt.Errorf("read backup schema: %w", err)
	}

	for _, obj := range src {
		if _, err := tx.ExecContext(ctx, obj.SQL); err != nil {
			return fmt.Errorf("create %s %s: %w", obj.Type, obj.Name, err)
		}
		if obj.Type != "table" {
			continue
		}
		copyStmt := fmt.Sprintf("INSERT INTO main.%s SELECT * FROM %s.%s",
			quoteIdent(obj.Name), restoreSchema, quoteIdent(obj.Name))
		if _, err := tx.ExecContext(ctx, copyStmt); err != nil {
			return fmt.Errorf("copy table %s: %w", obj.Name, err)
		}
	}
	return nil
}
