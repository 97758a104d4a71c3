package registry

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/root-talis/trek/migration"
)

var (
	ErrInvalidName   = errors.New("migration name must be a snake_case identifier")
	ErrDuplicateName = errors.New("migration name is already registered")
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateName checks that name is usable as a unit identity: lowercase
// letters, digits and underscores, starting with a letter.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ---

// Registry is the ordered set of every migration unit known to the program.
// Registration order is the only valid apply order, and its exact reverse is
// the only valid rollback order. The set is append-only across releases:
// renaming or removing a unit that has ever been applied leaves ledger
// entries that no longer match anything.
type Registry struct {
	units  []migration.Unit
	byName map[string]int
}

// New builds a Registry from units in registration order. It rejects invalid
// and duplicate names.
func New(units ...migration.Unit) (*Registry, error) {
	reg := &Registry{
		units:  make([]migration.Unit, len(units)),
		byName: make(map[string]int, len(units)),
	}
	copy(reg.units, units)

	for i, unit := range reg.units {
		if err := ValidateName(unit.Name); err != nil {
			return nil, err
		}
		if _, exists := reg.byName[unit.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, unit.Name)
		}
		reg.byName[unit.Name] = i
	}

	return reg, nil
}

// ---

// Units returns the migration sequence in registration order.
func (reg *Registry) Units() []migration.Unit {
	units := make([]migration.Unit, len(reg.units))
	copy(units, reg.units)
	return units
}

// Lookup returns the unit registered under name.
func (reg *Registry) Lookup(name string) (migration.Unit, bool) {
	i, ok := reg.byName[name]
	if !ok {
		return migration.Unit{}, false
	}
	return reg.units[i], true
}

// Len returns the number of registered units.
func (reg *Registry) Len() int {
	return len(reg.units)
}
