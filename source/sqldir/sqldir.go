package sqldir

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/root-talis/trek/migration"
)

// Migration files are named V<timestamp>_<name>.up.sql / .down.sql. The
// timestamp orders the units; the name identifies them in the ledger.
const (
	versionTimestampLayout = "20060102150405"
	versionLength          = len(versionTimestampLayout)
)

var (
	ErrMigrationsDirectoryIsNotADirectory = errors.New("migrations path is not a directory")
	ErrMigrationDuplicated                = errors.New("migration version already exists with different name")
)

// Load reads every migration script pair under dir and returns the units
// ordered by timestamp. Files that do not follow the naming convention are
// skipped. A missing .down.sql leaves the unit without a reverse script; a
// present but empty script is kept and applies as a recorded no-op.
func Load(fsys fs.FS, dir string) (*[]migration.Unit, error) {
	stat, err := fs.Stat(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat migrations directory: %w", err)
	}
	if !stat.IsDir() {
		return nil, ErrMigrationsDirectoryIsNotADirectory
	}

	dirEntries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read contents of migrations directory: %w", err)
	}

	// find all suitable files and assemble units version by version
	drafts := make(versionMap)
	for _, entry := range dirEntries {
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}

		fileName := entry.Name()
		file, err := parseFileName(fileName)
		if err != nil {
			continue
		}

		var direction migration.Direction
		if strings.HasSuffix(fileName, ".up.sql") {
			direction = migration.Up
		} else if strings.HasSuffix(fileName, ".down.sql") {
			direction = migration.Down
		} else {
			continue
		}

		script, err := fs.ReadFile(fsys, path.Join(dir, fileName))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", fileName, err)
		}

		if err := drafts.update(file, direction, string(script)); err != nil {
			return nil, fmt.Errorf("failed to parse directory entries: %w", err)
		}
	}

	keys := getSortedVersions(drafts)
	result := buildUnitsSlice(keys, drafts)

	return &result, nil
}

func getSortedVersions(drafts versionMap) []uint64 {
	keys := make([]uint64, 0, len(drafts))

	for k := range drafts {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys
}

func buildUnitsSlice(keys []uint64, drafts versionMap) []migration.Unit {
	result := make([]migration.Unit, len(keys))
	for i, k := range keys {
		result[i] = drafts[k]
	}
	return result
}

// migrationFile is one script file name taken apart.
type migrationFile struct {
	version uint64
	name    string
}

type versionMap map[uint64]migration.Unit

func (m *versionMap) update(file migrationFile, direction migration.Direction, script string) error {
	unit, exists := (*m)[file.version]

	switch {
	case !exists:
		unit = migration.Unit{Name: file.name}

	case unit.Name != file.name:
		return fmt.Errorf(
			"%w: migration %d already exists with name \"%s\" (new name \"%s\" is encountered)",
			ErrMigrationDuplicated,
			file.version,
			unit.Name,
			file.name,
		)
	}

	if direction == migration.Up {
		unit.Forward = script
	} else {
		unit.Reverse = script
	}

	(*m)[file.version] = unit

	return nil
}

func parseFileName(fileName string) (migrationFile, error) {
	if !strings.HasPrefix(fileName, "V") {
		return migrationFile{}, fmt.Errorf("migration file name is invalid: %s", fileName)
	}

	migrationFullName := strings.TrimPrefix(fileName, "V")
	migrationFullName = strings.TrimSuffix(migrationFullName, ".up.sql")
	migrationFullName = strings.TrimSuffix(migrationFullName, ".down.sql")

	asRunes := []rune(migrationFullName)

	if len(asRunes) < versionLength+1 {
		return migrationFile{}, fmt.Errorf("migration file name is too short to be valid: %s", fileName)
	}

	version := asRunes[:versionLength]

	for _, c := range version {
		if !unicode.IsDigit(c) {
			return migrationFile{}, fmt.Errorf(
				"migration file name does not contain a valid version (symbol \"%c\" is not allowed): %s",
				c,
				fileName,
			)
		}
	}

	versionAsInt, err := strconv.ParseUint(string(version), 10, 64)
	if err != nil {
		return migrationFile{}, fmt.Errorf("migration file name does not contain a valid version: %s", fileName)
	}

	nameAsRunes := asRunes[versionLength:]
	if nameAsRunes[0] != '_' {
		return migrationFile{}, fmt.Errorf("migration file is missing an underscore after version (%c given): %s", nameAsRunes[0], fileName)
	}

	name := strings.TrimPrefix(string(nameAsRunes), "_")

	return migrationFile{
		version: versionAsInt,
		name:    name,
	}, nil
}
