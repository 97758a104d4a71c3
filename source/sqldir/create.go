package sqldir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/root-talis/trek/registry"
)

var ErrSkeletonExists = errors.New("a migration with this name already exists")

// Create writes an empty V<timestamp>_<name>.up.sql / .down.sql pair into dir
// and returns both paths. The scripts start empty on purpose: an empty script
// applies as a recorded no-op, so a half-filled skeleton never executes
// anything by accident.
//
// The name becomes the unit's ledger identity, so Create refuses names that
// are already taken by any file in dir regardless of their timestamps.
func Create(dir string, name string) (string, string, error) {
	if err := registry.ValidateName(name); err != nil {
		return "", "", err
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("failed to read contents of migrations directory: %w", err)
	}

	taken := make(map[uint64]bool, len(dirEntries))
	for _, entry := range dirEntries {
		existing, err := parseFileName(entry.Name())
		if err != nil {
			continue
		}
		if existing.name == name {
			return "", "", fmt.Errorf("%w: \"%s\"", ErrSkeletonExists, name)
		}
		taken[existing.version] = true
	}

	version, err := strconv.ParseUint(time.Now().UTC().Format(versionTimestampLayout), 10, 64)
	if err != nil {
		return "", "", fmt.Errorf("failed to build a migration timestamp: %w", err)
	}
	// Bump past timestamps already on disk so that two skeletons generated
	// within the same second stay distinct.
	for taken[version] {
		version++
	}

	stem := fmt.Sprintf("V%d_%s", version, name)
	upPath := filepath.Join(dir, stem+".up.sql")
	downPath := filepath.Join(dir, stem+".down.sql")

	if err := os.WriteFile(upPath, nil, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to create migration file %s: %w", upPath, err)
	}
	if err := os.WriteFile(downPath, nil, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to create migration file %s: %w", downPath, err)
	}

	return upPath, downPath, nil
}
