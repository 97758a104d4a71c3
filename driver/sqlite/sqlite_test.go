//nolint:gochecknoglobals
package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/root-talis/trek"
	"github.com/root-talis/trek/driver/sqlite"
	"github.com/root-talis/trek/migration"
	"github.com/root-talis/trek/registry"
)

// Templates for test tables
var (
	initDatabaseWithEmptyTable = "CREATE TABLE migrations_log (" +
		"name       text not null, " +
		"applied_at text not null, " +
		"primary key (name)" +
		");"
	initDatabaseWithBadTableStructure = "CREATE TABLE migrations_log (" +
		"id integer primary key" +
		");"

	defaultDriverConfig = sqlite.DriverConfig{
		MigrationsTableName: "migrations_log",
	}

	insertEntry = "INSERT INTO migrations_log (name, applied_at) VALUES "
	entry1Sql   = insertEntry + "('initial_structure', '2022-01-19T10:00:00Z');"
	entry2Sql   = insertEntry + "('indexes', '2022-01-19T10:02:00Z');"
	entry3Sql   = insertEntry + "('sessions_table', '2022-01-19T10:03:00Z');"

	entry1Parsed = migration.Entry{
		Name:      "initial_structure",
		AppliedAt: time.Date(2022, 1, 19, 10, 0, 0, 0, time.UTC),
	}
	entry2Parsed = migration.Entry{
		Name:      "indexes",
		AppliedAt: time.Date(2022, 1, 19, 10, 2, 0, 0, time.UTC),
	}
	entry3Parsed = migration.Entry{
		Name:      "sessions_table",
		AppliedAt: time.Date(2022, 1, 19, 10, 3, 0, 0, time.UTC),
	}
	entriesSet1Parsed = []migration.Entry{entry1Parsed, entry2Parsed, entry3Parsed}

	initDatabaseWithEntriesSet1 = initDatabaseWithEmptyTable +
		entry1Sql +
		entry2Sql +
		entry3Sql

	initDatabaseWithAppliedInitial = initDatabaseWithEmptyTable +
		entry1Sql +
		"CREATE TABLE users (id integer not null);"
)

func newTestConn(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "trek-test.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Errorf("failed to close test database: %s", err)
		}
	})

	return conn
}

// Test table for TestListAppliedMigrations
var listAppliedMigrationsTests = []struct {
	name             string
	expectError      bool
	initialStructure string
	driverConfig     sqlite.DriverConfig
	validateQuery    string
	expectedEntries  *[]migration.Entry
}{
	/* s0 */ {
		name:            "test s0 - should create new migrations_log table",
		driverConfig:    defaultDriverConfig,
		validateQuery:   "select name, applied_at from migrations_log",
		expectedEntries: &[]migration.Entry{}, // empty
	},
	/* s1 */ {
		name: "test s1 - should create new migrations_log table with a custom name",
		driverConfig: sqlite.DriverConfig{
			MigrationsTableName: "some_strange_custom_migrations_log_table",
		},
		validateQuery:   "select name from some_strange_custom_migrations_log_table",
		expectedEntries: &[]migration.Entry{}, // empty
	},
	/* s2 */ {
		name:             "test s2 - should not create another migrations_log table",
		initialStructure: initDatabaseWithEmptyTable,
		driverConfig:     defaultDriverConfig,
		validateQuery:    "select name from migrations_log",
		expectedEntries:  &[]migration.Entry{}, // empty
	},
	/* s3 */ {
		name:             "test s3 - should return entries ordered by application time",
		initialStructure: initDatabaseWithEntriesSet1,
		driverConfig:     defaultDriverConfig,
		expectedEntries:  &entriesSet1Parsed,
	},

	/* e0 */ {
		name:             "test e0 - should fail if migrations_log table has bad structure",
		initialStructure: initDatabaseWithBadTableStructure,
		expectError:      true,
		driverConfig:     defaultDriverConfig,
	},
}

func TestListAppliedMigrations(t *testing.T) {
	t.Parallel()

	for _, test := range listAppliedMigrationsTests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			conn := newTestConn(t)
			if test.initialStructure != "" {
				_, err := conn.Exec(test.initialStructure)
				require.NoError(t, err)
			}

			drv := sqlite.NewDriver(conn, test.driverConfig)

			actualEntries, err := drv.ListAppliedMigrations(context.Background())

			if test.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)

				if err == nil && test.expectedEntries != nil {
					assert.Equal(t, *test.expectedEntries, *actualEntries)
				}
			}

			if test.validateQuery != "" {
				rows, err := conn.Query(test.validateQuery)
				require.NoError(t, err)
				require.NoError(t, rows.Err())
				require.NoError(t, rows.Close())
			}
		})
	}
}

// Test table for TestMigrate
var migrateTests = []struct {
	name             string
	expectError      bool
	initialStructure string
	migrationName    string
	direction        migration.Direction
	script           string
	expectedLedger   []string
	countQuery       string
	expectedCount    int
}{
	/* s0 */ {
		name:           "test s0 - should apply a migration and record it",
		migrationName:  "initial_structure",
		direction:      migration.Up,
		script:         "CREATE TABLE users (id integer not null);",
		expectedLedger: []string{"initial_structure"},
		countQuery:     "select count(*) from users",
		expectedCount:  0,
	},
	/* s1 */ {
		name:           "test s1 - should apply a multi-statement migration",
		migrationName:  "initial_structure",
		direction:      migration.Up,
		script:         "CREATE TABLE users (id integer not null); INSERT INTO users VALUES (1); INSERT INTO users VALUES (2);",
		expectedLedger: []string{"initial_structure"},
		countQuery:     "select count(*) from users",
		expectedCount:  2,
	},
	/* s2 */ {
		name:           "test s2 - should record a migration with a blank script without executing anything",
		migrationName:  "noop_migration",
		direction:      migration.Up,
		script:         "  \n\t ",
		expectedLedger: []string{"noop_migration"},
	},
	/* s3 */ {
		name:             "test s3 - should revert a migration and remove its entry",
		initialStructure: initDatabaseWithAppliedInitial,
		migrationName:    "initial_structure",
		direction:        migration.Down,
		script:           "DROP TABLE users;",
		expectedLedger:   []string{},
	},
	/* s4 */ {
		name:             "test s4 - should remove the entry even when the reverse script is blank",
		initialStructure: initDatabaseWithAppliedInitial,
		migrationName:    "initial_structure",
		direction:        migration.Down,
		script:           "",
		expectedLedger:   []string{},
	},

	/* e0 */ {
		name:             "test e0 - should roll back the script and keep the ledger clean on failure",
		initialStructure: initDatabaseWithAppliedInitial,
		migrationName:    "indexes",
		direction:        migration.Up,
		script: "INSERT INTO users VALUES (7);" +
			"INSERT INTO nonexistent_table VALUES (1);",
		expectError:    true,
		expectedLedger: []string{"initial_structure"},
		countQuery:     "select count(*) from users",
		expectedCount:  0,
	},
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	for _, test := range migrateTests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			conn := newTestConn(t)
			if test.initialStructure != "" {
				_, err := conn.Exec(test.initialStructure)
				require.NoError(t, err)
			}

			drv := sqlite.NewDriver(conn, defaultDriverConfig)

			err := drv.Migrate(context.Background(), test.migrationName, test.direction, test.script)

			if test.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, test.expectedLedger, fetchLedgerNames(t, conn))

			if test.countQuery != "" {
				var count int
				require.NoError(t, conn.QueryRow(test.countQuery).Scan(&count))
				assert.Equal(t, test.expectedCount, count)
			}
		})
	}
}

func TestMigrateRecordsCurrentTime(t *testing.T) {
	t.Parallel()

	conn := newTestConn(t)
	drv := sqlite.NewDriver(conn, defaultDriverConfig)

	before := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, drv.Migrate(context.Background(), "initial_structure", migration.Up, ""))
	after := time.Now().UTC()

	entries, err := drv.ListAppliedMigrations(context.Background())
	require.NoError(t, err)
	require.Len(t, *entries, 1)

	appliedAt := (*entries)[0].AppliedAt
	assert.False(t, appliedAt.Before(before), "applied_at %s is before %s", appliedAt, before)
	assert.False(t, appliedAt.After(after), "applied_at %s is after %s", appliedAt, after)
}

//
// -- end-to-end tests through the migrator ------------
//

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	newMigrator := func(t *testing.T, conn *sql.DB) trek.Trek {
		t.Helper()

		reg, err := registry.New(
			migration.Unit{
				Name:    "initial_structure",
				Forward: "CREATE TABLE users (id integer not null);",
				Reverse: "DROP TABLE users;",
			},
			migration.Unit{
				Name:    "indexes",
				Forward: "CREATE UNIQUE INDEX users_id ON users (id);",
				Reverse: "DROP INDEX users_id;",
			},
			migration.Unit{
				Name: "format_marker", // recorded no-op, both scripts empty
			},
		)
		require.NoError(t, err)

		return trek.New(reg, sqlite.NewDriver(conn, defaultDriverConfig), nil)
	}

	t.Run("upgrade, downgrade and reapply", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		conn := newTestConn(t)
		migrator := newMigrator(t, conn)

		up, err := migrator.Upgrade(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"initial_structure", "indexes", "format_marker"}, up.Applied)

		report, err := migrator.Validate(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint(3), report.AppliedCount)
		assert.Zero(t, report.PendingCount)
		assert.Zero(t, report.MissingCount)

		// A second run has nothing to do.
		up, err = migrator.Upgrade(ctx)
		require.NoError(t, err)
		assert.Empty(t, up.Applied)

		down, err := migrator.Downgrade(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"format_marker", "indexes"}, down.Reverted)
		assert.Equal(t, []string{"initial_structure"}, fetchLedgerNames(t, conn))

		up, err = migrator.Upgrade(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"indexes", "format_marker"}, up.Applied)
	})

	t.Run("reset empties the ledger", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		conn := newTestConn(t)
		migrator := newMigrator(t, conn)

		_, err := migrator.Upgrade(ctx)
		require.NoError(t, err)

		down, err := migrator.Reset(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"format_marker", "indexes", "initial_structure"}, down.Reverted)
		assert.Empty(t, fetchLedgerNames(t, conn))

		// The users table is really gone.
		var count int
		err = conn.QueryRow("select count(*) from users").Scan(&count)
		assert.Error(t, err)
	})

	t.Run("refuses to run over an unknown ledger entry", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		conn := newTestConn(t)
		_, err := conn.Exec(initDatabaseWithEmptyTable +
			"INSERT INTO migrations_log (name, applied_at) VALUES ('dropped_migration', '2022-01-19T10:00:00Z');")
		require.NoError(t, err)

		migrator := newMigrator(t, conn)

		_, err = migrator.Upgrade(ctx)
		assert.ErrorIs(t, err, trek.ErrLedgerInconsistency)

		// Nothing was applied.
		assert.Equal(t, []string{"dropped_migration"}, fetchLedgerNames(t, conn))
	})

	t.Run("halts on a failing script and keeps earlier migrations", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		conn := newTestConn(t)

		reg, err := registry.New(
			migration.Unit{Name: "initial_structure", Forward: "CREATE TABLE users (id integer not null);"},
			migration.Unit{Name: "broken", Forward: "INSERT INTO nonexistent_table VALUES (1);"},
			migration.Unit{Name: "never_reached", Forward: "CREATE TABLE sessions (id integer not null);"},
		)
		require.NoError(t, err)

		migrator := trek.New(reg, sqlite.NewDriver(conn, defaultDriverConfig), nil)

		up, err := migrator.Upgrade(ctx)

		var execErr *trek.ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, "broken", execErr.Name)

		assert.Equal(t, []string{"initial_structure"}, up.Applied)
		assert.Equal(t, []string{"initial_structure"}, fetchLedgerNames(t, conn))

		var count int
		err = conn.QueryRow("select count(*) from sessions").Scan(&count)
		assert.Error(t, err, "the migration after the failing one must never run")
	})
}

//
// --- utility stuff ---------------------
//

func fetchLedgerNames(t *testing.T, conn *sql.DB) []string {
	t.Helper()

	rows, err := conn.Query("SELECT name FROM migrations_log ORDER BY applied_at, name")
	if err != nil {
		t.Fatalf("failed to read the ledger: %s", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to read the ledger: %s", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("failed to read the ledger: %s", err)
	}

	return names
}
