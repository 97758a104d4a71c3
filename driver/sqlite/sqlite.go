package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/root-talis/trek/driver"
	"github.com/root-talis/trek/migration"
)

type DriverConfig struct {
	MigrationsTableName string
}

const defaultMigrationsTableName = "schema_migrations"

type sqliteDriver struct {
	conn   *sql.DB
	config DriverConfig
}

// NewDriver wraps an open sqlite connection into a ledger driver.
func NewDriver(conn *sql.DB, config DriverConfig) driver.Driver {
	if config.MigrationsTableName == "" {
		config.MigrationsTableName = defaultMigrationsTableName
	}
	return &sqliteDriver{
		conn:   conn,
		config: config,
	}
}

// ---

// Lock is a no-op: sqlite serializes writers at the database file level, so
// there is no shared server session to coordinate through.
func (drv *sqliteDriver) Lock(context.Context) error {
	return nil
}

func (drv *sqliteDriver) Unlock(context.Context) error {
	return nil
}

// ---

func (drv *sqliteDriver) ListAppliedMigrations(ctx context.Context) (*[]migration.Entry, error) {
	tableName := drv.escapedTableName()

	if err := drv.ensureMigrationsTableExists(ctx, &tableName); err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}

	rows, err := drv.conn.QueryContext(ctx, fmt.Sprintf(
		"SELECT name, applied_at FROM %s ORDER BY applied_at, name",
		tableName,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	result := make([]migration.Entry, 0)
	for rows.Next() {
		var entry migration.Entry
		var appliedAt string

		if err := rows.Scan(&entry.Name, &appliedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", driver.ErrInvalidLedgerTable, err)
		}

		entry.AppliedAt, err = time.Parse(time.RFC3339, appliedAt)
		if err != nil {
			entry.AppliedAt = time.Time{}
		}

		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrInvalidLedgerTable, err)
	}

	return &result, nil
}

// ---

func (drv *sqliteDriver) Migrate(ctx context.Context, name string, dir migration.Direction, script string) error {
	tableName := drv.escapedTableName()

	if err := drv.ensureMigrationsTableExists(ctx, &tableName); err != nil {
		return err
	}

	tx, err := drv.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin a transaction: %w", err)
	}

	if strings.TrimSpace(script) != "" {
		if _, err := tx.ExecContext(ctx, script); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute the migration script: %w", err)
		}
	}

	switch dir {
	case migration.Up:
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (name, applied_at) VALUES (?, ?)",
			tableName,
		), name, time.Now().UTC().Format(time.RFC3339))
	case migration.Down:
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE name = ?",
			tableName,
		), name)
	default:
		err = fmt.Errorf("direction %q is unknown", string(dir))
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to update the ledger for migration %q: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %q: %w", name, err)
	}

	return nil
}

// ---

func (drv *sqliteDriver) escapedTableName() string {
	return fmt.Sprintf(`"%s"`, strings.ReplaceAll(drv.config.MigrationsTableName, `"`, `""`))
}

func (drv *sqliteDriver) ensureMigrationsTableExists(ctx context.Context, escapedTableName *string) error {
	_, err := drv.conn.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"name       text not null, "+
			"applied_at text not null, "+
			"primary key (name)"+
			")",
		*escapedTableName,
	))

	if err != nil {
		return fmt.Errorf("failed to create migrations table %s: %w", *escapedTableName, err)
	}

	return nil
}
