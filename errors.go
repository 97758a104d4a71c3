package trek

import (
	"errors"
	"fmt"

	"github.com/root-talis/trek/migration"
)

var (
	// ErrLedgerInconsistency means the set of applied migrations is not a
	// prefix of the registry: an entry matches no registered migration, an
	// entry is duplicated, or a migration is applied ahead of an earlier
	// unapplied one. Resolving it requires operator intervention.
	ErrLedgerInconsistency = errors.New("ledger does not match the migration sequence")

	// ErrInsufficientHistory means a downgrade asked for more migrations
	// than are currently applied.
	ErrInsufficientHistory = errors.New("not enough applied migrations to roll back")
)

// ExecutionError reports a migration whose script failed. The transaction
// wrapping the script and its ledger write was rolled back as a whole, so the
// ledger still reflects the state from before this migration.
type ExecutionError struct {
	Name      string
	Direction migration.Direction
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("failed to %s migration %q: %v", e.Direction.Verb(), e.Name, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
