package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/root-talis/trek/driver"
	"github.com/root-talis/trek/migration"
)

type DriverConfig struct {
	MigrationsTableName string

	// AdvisoryLockID keys pg_advisory_lock() for migration runs. Every
	// process migrating the same database must use the same ID.
	AdvisoryLockID int64
}

const defaultMigrationsTableName = "schema_migrations"

// defaultAdvisoryLockID spells "trek" in ascii.
const defaultAdvisoryLockID = 0x7472656b

type pgDriver struct {
	pool     *pgxpool.Pool
	lockConn *pgxpool.Conn
	config   DriverConfig
}

// NewDriver wraps an open pgx pool into a ledger driver.
func NewDriver(pool *pgxpool.Pool, config DriverConfig) driver.Driver {
	if config.MigrationsTableName == "" {
		config.MigrationsTableName = defaultMigrationsTableName
	}
	if config.AdvisoryLockID == 0 {
		config.AdvisoryLockID = defaultAdvisoryLockID
	}
	return &pgDriver{
		pool:   pool,
		config: config,
	}
}

// ---

// Lock blocks on a session advisory lock. The connection holding it is kept
// out of the pool until Unlock, otherwise the lock would be released from a
// different session than took it.
func (drv *pgDriver) Lock(ctx context.Context) error {
	if drv.lockConn != nil {
		return fmt.Errorf("the migration lock is already held")
	}

	conn, err := drv.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire a connection for the migration lock: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", drv.config.AdvisoryLockID); err != nil {
		conn.Release()
		return fmt.Errorf("failed to acquire migration lock %d: %w", drv.config.AdvisoryLockID, err)
	}

	drv.lockConn = conn

	return nil
}

func (drv *pgDriver) Unlock(ctx context.Context) error {
	if drv.lockConn == nil {
		return nil
	}

	_, err := drv.lockConn.Exec(ctx, "SELECT pg_advisory_unlock($1)", drv.config.AdvisoryLockID)
	drv.lockConn.Release()
	drv.lockConn = nil

	if err != nil {
		return fmt.Errorf("failed to release migration lock %d: %w", drv.config.AdvisoryLockID, err)
	}

	return nil
}

// ---

func (drv *pgDriver) ListAppliedMigrations(ctx context.Context) (*[]migration.Entry, error) {
	if err := drv.ensureMigrationsTableExists(ctx); err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}

	rows, err := drv.pool.Query(ctx, fmt.Sprintf(
		"SELECT name, applied_at FROM %s ORDER BY applied_at, name",
		drv.escapedTableName(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	result := make([]migration.Entry, 0)
	for rows.Next() {
		var entry migration.Entry
		if err := rows.Scan(&entry.Name, &entry.AppliedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", driver.ErrInvalidLedgerTable, err)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrInvalidLedgerTable, err)
	}

	return &result, nil
}

// ---

// Migrate runs the script and the ledger write in one transaction. The script
// is sent without bind parameters, which lets it hold several statements.
func (drv *pgDriver) Migrate(ctx context.Context, name string, dir migration.Direction, script string) error {
	if err := drv.ensureMigrationsTableExists(ctx); err != nil {
		return err
	}

	tx, err := drv.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin a transaction: %w", err)
	}

	if strings.TrimSpace(script) != "" {
		if _, err := tx.Exec(ctx, script); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to execute the migration script: %w", err)
		}
	}

	switch dir {
	case migration.Up:
		_, err = tx.Exec(ctx, fmt.Sprintf(
			"INSERT INTO %s (name) VALUES ($1)",
			drv.escapedTableName(),
		), name)
	case migration.Down:
		_, err = tx.Exec(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE name = $1",
			drv.escapedTableName(),
		), name)
	default:
		err = fmt.Errorf("direction %q is unknown", string(dir))
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("failed to update the ledger for migration %q: %w", name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration %q: %w", name, err)
	}

	return nil
}

// ---

func (drv *pgDriver) escapedTableName() string {
	return pgx.Identifier{drv.config.MigrationsTableName}.Sanitize()
}

func (drv *pgDriver) ensureMigrationsTableExists(ctx context.Context) error {
	_, err := drv.pool.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"name       text not null, "+
			"applied_at timestamptz default now() not null, "+
			"primary key (name)"+
			")",
		drv.escapedTableName(),
	))

	if err != nil {
		return fmt.Errorf("failed to create migrations table %s: %w", drv.escapedTableName(), err)
	}

	return nil
}
