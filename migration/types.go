package migration

import "time"

type Direction rune

const (
	Down Direction = 'd'
	Up   Direction = 'u'
)

// Verb names the operation performed in this direction ("apply" or "revert").
func (d Direction) Verb() string {
	if d == Down {
		return "revert"
	}
	return "apply"
}

// ---

// Unit is one named schema change. Forward holds the script that applies it,
// Reverse the script that undoes it. Script content is opaque text handed to
// the driver as-is; an empty script makes that direction a recorded no-op.
//
// A unit's name is its identity in the ledger and must never change once the
// unit has been applied anywhere.
type Unit struct {
	Name    string
	Forward string
	Reverse string
}

// CanUndo reports whether the unit carries a reverse script.
func (u Unit) CanUndo() bool { return u.Reverse != "" }

// ---

type Status uint

const (
	Pending Status = iota
	Applied
	Missing
)

// ---

// Entry is one persisted ledger row: the record of an applied unit.
type Entry struct {
	Name      string
	AppliedAt time.Time
}

// State is one line of the reconciliation report produced by Validate.
type State struct {
	Name      string
	CanUndo   bool
	Status    Status
	AppliedAt time.Time
}
