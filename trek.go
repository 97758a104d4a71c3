package trek

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/root-talis/trek/driver"
	"github.com/root-talis/trek/migration"
	"github.com/root-talis/trek/registry"
)

// ---

type Trek interface {
	// Validate compares the registry against the ledger and reports the state
	// of every migration. It never locks and never writes.
	Validate(ctx context.Context) (*ValidationResult, error)

	// Upgrade applies every pending migration in registration order. It stops
	// at the first failure; migrations applied before the failure stay
	// applied.
	Upgrade(ctx context.Context) (*UpgradeResult, error)

	// Downgrade reverts the last count applied migrations, newest first.
	// Requesting more than are applied fails with ErrInsufficientHistory
	// before anything is reverted.
	Downgrade(ctx context.Context, count uint) (*DowngradeResult, error)

	// Reset reverts every applied migration, newest first.
	Reset(ctx context.Context) (*DowngradeResult, error)
}

// ValidationResult describes how the ledger relates to the registry.
// Migrations lists every registered unit in registration order, followed by
// ledger entries that match no registered unit (Missing), oldest first.
type ValidationResult struct {
	Migrations   []migration.State
	AppliedCount uint
	PendingCount uint
	MissingCount uint
}

// UpgradeResult names the migrations applied by one Upgrade call, in
// application order. It accompanies the error when a migration fails
// mid-sequence: everything listed has been committed and stays applied.
type UpgradeResult struct {
	Applied []string
}

// DowngradeResult names the migrations reverted by one Downgrade or Reset
// call, in reversion order. It accompanies the error when a migration fails
// mid-sequence: everything listed stays reverted.
type DowngradeResult struct {
	Reverted []string
}

// ---

type trekImpl struct {
	registry *registry.Registry
	driver   driver.Driver
	logger   *slog.Logger
}

// ---

// New wires a migration registry and a database driver into a Trek.
// A nil logger falls back to slog.Default().
func New(reg *registry.Registry, drv driver.Driver, logger *slog.Logger) Trek {
	if logger == nil {
		logger = slog.Default()
	}
	return &trekImpl{
		registry: reg,
		driver:   drv,
		logger:   logger,
	}
}

// ---

func (m *trekImpl) Validate(ctx context.Context) (*ValidationResult, error) {
	entries, err := m.driver.ListAppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of applied migrations: %w", err)
	}

	appliedByName := make(map[string]migration.Entry, len(*entries))
	for _, entry := range *entries {
		appliedByName[entry.Name] = entry
	}

	units := m.registry.Units()
	result := ValidationResult{
		Migrations: make([]migration.State, 0, len(units)),
	}

	for _, unit := range units {
		state := migration.State{
			Name:    unit.Name,
			CanUndo: unit.CanUndo(),
			Status:  migration.Pending,
		}
		if entry, ok := appliedByName[unit.Name]; ok {
			state.Status = migration.Applied
			state.AppliedAt = entry.AppliedAt
		}

		if state.Status == migration.Pending {
			result.PendingCount++
		} else {
			result.AppliedCount++
		}

		result.Migrations = append(result.Migrations, state)
	}

	missing := make([]migration.State, 0)
	for _, entry := range *entries {
		if _, ok := m.registry.Lookup(entry.Name); ok {
			continue
		}
		missing = append(missing, migration.State{
			Name:      entry.Name,
			Status:    migration.Missing,
			AppliedAt: entry.AppliedAt,
		})
		result.MissingCount++
	}

	sort.Slice(missing, func(i, j int) bool {
		if missing[i].AppliedAt.Equal(missing[j].AppliedAt) {
			return missing[i].Name < missing[j].Name
		}
		return missing[i].AppliedAt.Before(missing[j].AppliedAt)
	})
	result.Migrations = append(result.Migrations, missing...)

	return &result, nil
}

func (m *trekImpl) Upgrade(ctx context.Context) (*UpgradeResult, error) {
	result := &UpgradeResult{Applied: make([]string, 0)}

	if err := m.driver.Lock(ctx); err != nil {
		return result, fmt.Errorf("failed to lock the ledger: %w", err)
	}
	defer m.unlock(ctx)

	entries, err := m.driver.ListAppliedMigrations(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to get the list of applied migrations: %w", err)
	}

	applied, err := m.appliedPrefix(*entries)
	if err != nil {
		return result, err
	}

	units := m.registry.Units()
	for _, unit := range units[applied:] {
		m.logger.Info("applying migration", "name", unit.Name)

		if err := m.driver.Migrate(ctx, unit.Name, migration.Up, unit.Forward); err != nil {
			return result, &ExecutionError{Name: unit.Name, Direction: migration.Up, Err: err}
		}

		result.Applied = append(result.Applied, unit.Name)
	}

	m.logger.Info("upgrade complete", "applied", len(result.Applied))

	return result, nil
}

func (m *trekImpl) Downgrade(ctx context.Context, count uint) (*DowngradeResult, error) {
	return m.downgrade(ctx, count, false)
}

func (m *trekImpl) Reset(ctx context.Context) (*DowngradeResult, error) {
	return m.downgrade(ctx, 0, true)
}

func (m *trekImpl) downgrade(ctx context.Context, count uint, all bool) (*DowngradeResult, error) {
	result := &DowngradeResult{Reverted: make([]string, 0)}

	if err := m.driver.Lock(ctx); err != nil {
		return result, fmt.Errorf("failed to lock the ledger: %w", err)
	}
	defer m.unlock(ctx)

	entries, err := m.driver.ListAppliedMigrations(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to get the list of applied migrations: %w", err)
	}

	applied, err := m.appliedPrefix(*entries)
	if err != nil {
		return result, err
	}

	if all {
		count = uint(applied)
	} else if count > uint(applied) {
		return result, fmt.Errorf(
			"%w: %d applied, %d requested",
			ErrInsufficientHistory, applied, count,
		)
	}

	units := m.registry.Units()
	for i := applied - 1; i >= applied-int(count); i-- {
		unit := units[i]
		m.logger.Info("reverting migration", "name", unit.Name)

		if err := m.driver.Migrate(ctx, unit.Name, migration.Down, unit.Reverse); err != nil {
			return result, &ExecutionError{Name: unit.Name, Direction: migration.Down, Err: err}
		}

		result.Reverted = append(result.Reverted, unit.Name)
	}

	m.logger.Info("downgrade complete", "reverted", len(result.Reverted))

	return result, nil
}

// ---

// appliedPrefix checks the ledger against the registry and returns how many
// migrations are applied. A valid ledger holds exactly the first N registered
// units for some N; anything else fails with ErrLedgerInconsistency, which is
// never repaired automatically.
func (m *trekImpl) appliedPrefix(entries []migration.Entry) (int, error) {
	applied := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if _, known := m.registry.Lookup(entry.Name); !known {
			return 0, fmt.Errorf(
				"%w: ledger entry %q does not match any registered migration",
				ErrLedgerInconsistency, entry.Name,
			)
		}
		if _, dup := applied[entry.Name]; dup {
			return 0, fmt.Errorf(
				"%w: ledger entry %q is recorded twice",
				ErrLedgerInconsistency, entry.Name,
			)
		}
		applied[entry.Name] = struct{}{}
	}

	units := m.registry.Units()
	prefix := 0
	for prefix < len(units) {
		if _, ok := applied[units[prefix].Name]; !ok {
			break
		}
		prefix++
	}

	if prefix != len(applied) {
		for _, unit := range units[prefix:] {
			if _, ok := applied[unit.Name]; ok {
				return 0, fmt.Errorf(
					"%w: migration %q is applied but earlier migration %q is not",
					ErrLedgerInconsistency, unit.Name, units[prefix].Name,
				)
			}
		}
	}

	return prefix, nil
}

func (m *trekImpl) unlock(ctx context.Context) {
	if err := m.driver.Unlock(ctx); err != nil {
		m.logger.Error("failed to unlock the ledger", "error", err)
	}
}
