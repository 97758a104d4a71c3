package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/root-talis/trek/driver"
	"github.com/root-talis/trek/migration"
)

type DriverConfig struct {
	// DatabaseName qualifies the ledger table. When empty the table lives in
	// the connection's default schema.
	DatabaseName        string
	MigrationsTableName string

	// LockName is the GET_LOCK() name guarding migration runs.
	LockName string
}

const (
	defaultMigrationsTableName = "schema_migrations"
	defaultLockName            = "trek_schema_lock"
)

type mysqlDriver struct {
	conn     *sql.DB
	lockConn *sql.Conn
	config   DriverConfig
}

// NewDriver wraps an open mysql connection into a ledger driver.
//
// Migration scripts holding several statements require the connection to be
// opened with multiStatements=true in the DSN.
func NewDriver(conn *sql.DB, config DriverConfig) driver.Driver {
	if config.MigrationsTableName == "" {
		config.MigrationsTableName = defaultMigrationsTableName
	}
	if config.LockName == "" {
		config.LockName = defaultLockName
	}
	return &mysqlDriver{
		conn:   conn,
		config: config,
	}
}

// ---

// Lock takes a named server lock on a dedicated connection. The connection is
// pinned until Unlock because GET_LOCK is session-scoped and the pool would
// otherwise hand the release to a different session.
func (drv *mysqlDriver) Lock(ctx context.Context) error {
	if drv.lockConn != nil {
		return errors.New("the migration lock is already held")
	}

	conn, err := drv.conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire a connection for the migration lock: %w", err)
	}

	var acquired sql.NullInt64
	row := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, -1)", drv.config.LockName)
	if err := row.Scan(&acquired); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to acquire migration lock %q: %w", drv.config.LockName, err)
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		_ = conn.Close()
		return fmt.Errorf("failed to acquire migration lock %q", drv.config.LockName)
	}

	drv.lockConn = conn

	return nil
}

func (drv *mysqlDriver) Unlock(ctx context.Context) error {
	if drv.lockConn == nil {
		return nil
	}

	_, err := drv.lockConn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", drv.config.LockName)
	closeErr := drv.lockConn.Close()
	drv.lockConn = nil

	if err != nil {
		return fmt.Errorf("failed to release migration lock %q: %w", drv.config.LockName, err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to release the lock connection: %w", closeErr)
	}

	return nil
}

// ---

func (drv *mysqlDriver) ListAppliedMigrations(ctx context.Context) (*[]migration.Entry, error) {
	tableName := drv.makeEscapedMigrationsTableName()

	if err := drv.ensureMigrationsTableExists(ctx, &tableName); err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}

	rows, err := drv.query(ctx, fmt.Sprintf(
		"SELECT name, applied_at FROM %s ORDER BY applied_at, name",
		tableName,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	result, err := drv.fetchEntries(rows)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

func (drv *mysqlDriver) fetchEntries(rows *sql.Rows) ([]migration.Entry, error) {
	result := make([]migration.Entry, 0)
	for rows.Next() {
		var entry migration.Entry
		var appliedAt string

		if err := rows.Scan(&entry.Name, &appliedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", driver.ErrInvalidLedgerTable, err)
		}

		var err error
		entry.AppliedAt, err = time.Parse("2006-01-02 15:04:05", appliedAt)
		if err != nil {
			entry.AppliedAt = time.Time{}
		}

		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrInvalidLedgerTable, err)
	}

	return result, nil
}

// ---

func (drv *mysqlDriver) Migrate(ctx context.Context, name string, dir migration.Direction, script string) error {
	tableName := drv.makeEscapedMigrationsTableName()

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
			"INSERT INTO %s (name) VALUES (?)",
			tableName,
		), name)
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

func (drv *mysqlDriver) query(ctx context.Context, query string) (*sql.Rows, error) {
	rows, err := drv.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute a query: %w", err)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to execute a query: %w", err)
	}
	return rows, nil
}

func (drv *mysqlDriver) makeEscapedMigrationsTableName() string {
	if drv.config.DatabaseName == "" {
		return fmt.Sprintf("`%s`", escapeMysqlString(drv.config.MigrationsTableName))
	}
	return fmt.Sprintf(
		"`%s`.`%s`",
		escapeMysqlString(drv.config.DatabaseName),
		escapeMysqlString(drv.config.MigrationsTableName),
	)
}

func (drv *mysqlDriver) ensureMigrationsTableExists(ctx context.Context, escapedTableName *string) error {
	_, err := drv.conn.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"name       varchar(255) not null, "+
			"applied_at timestamp default CURRENT_TIMESTAMP not null, "+
			"primary key (name)"+
			") default charset utf8",
		*escapedTableName,
	))

	if err != nil {
		return fmt.Errorf("failed to create migrations table %s: %w", *escapedTableName, err)
	}

	return nil
}

// originally from https://gist.github.com/siddontang/8875771
func escapeMysqlString(sql string) string { //nolint:cyclop
	const prealloc = 2
	dest := make([]rune, 0, prealloc*len(sql))

	for _, character := range sql {
		var escape rune

		switch character {
		case 0:
			escape = '0'
		case '\n':
			escape = 'n'
		case '\r':
			escape = 'r'
		case '\\':
			escape = '\\'
		case '\'':
			escape = '\''
		case '"':
			escape = '"'
		case '`':
			escape = '`'
		case '\032':
			escape = 'Z'
		}

		if escape != 0 {
			dest = append(dest, '\\', escape)
		} else {
			dest = append(dest, character)
		}
	}

	return string(dest)
}
