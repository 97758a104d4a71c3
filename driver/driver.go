package driver

import (
	"context"
	"errors"

	"github.com/root-talis/trek/migration"
)

// Driver is the ledger store and script executor for one database backend.
//
// ListAppliedMigrations and Migrate create the ledger table on first use, so
// a virgin database needs no provisioning step. Migrate runs the script and
// the matching ledger write (insert for Up, delete for Down) in a single
// transaction; a blank script skips execution but still updates the ledger.
//
// Lock serializes migration runs across processes sharing one database. It
// blocks until the lock is granted and must be paired with Unlock. A Driver
// carries the lock state and is not safe for concurrent use.
type Driver interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	ListAppliedMigrations(ctx context.Context) (*[]migration.Entry, error)
	Migrate(ctx context.Context, name string, dir migration.Direction, script string) error
}

var ErrInvalidLedgerTable = errors.New("an error has occurred when reading the ledger table")
