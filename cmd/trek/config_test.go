package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trek.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), false, "", "", "")

	require.NoError(t, err)
	assert.Equal(t, "", cfg.URL)
	assert.Equal(t, defaultMigrationsDir, cfg.Dir)
	assert.Equal(t, "", cfg.Table)
}

func TestLoadConfigFailsOnExplicitMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), true, "", "", "")

	assert.Error(t, err)
}

func TestLoadConfigReadsYaml(t *testing.T) {
	path := writeConfigFile(t,
		"url: sqlite://app.db\nmigrations_dir: db/migrations\nledger_table: my_ledger\n")

	cfg, err := loadConfig(path, true, "", "", "")

	require.NoError(t, err)
	assert.Equal(t, "sqlite://app.db", cfg.URL)
	assert.Equal(t, "db/migrations", cfg.Dir)
	assert.Equal(t, "my_ledger", cfg.Table)
}

func TestLoadConfigFailsOnMalformedYaml(t *testing.T) {
	path := writeConfigFile(t, "url: [unterminated\n")

	_, err := loadConfig(path, true, "", "", "")

	assert.Error(t, err)
}

// Precedence: flag > environment > config file > default.
func TestLoadConfigPrecedence(t *testing.T) {
	path := writeConfigFile(t, "url: from-file\nmigrations_dir: from-file\n")

	t.Run("environment overrides the file", func(t *testing.T) {
		t.Setenv(databaseURLEnv, "from-env")
		t.Setenv(migrationsDirEnv, "from-env")

		cfg, err := loadConfig(path, true, "", "", "")

		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.URL)
		assert.Equal(t, "from-env", cfg.Dir)
	})

	t.Run("flags override the environment", func(t *testing.T) {
		t.Setenv(databaseURLEnv, "from-env")

		cfg, err := loadConfig(path, true, "from-flag", "from-flag", "from-flag")

		require.NoError(t, err)
		assert.Equal(t, "from-flag", cfg.URL)
		assert.Equal(t, "from-flag", cfg.Dir)
		assert.Equal(t, "from-flag", cfg.Table)
	})
}

func TestOpenDriverRejectsBadUrls(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		/* e0 */ {"no scheme", "localhost:5432/db"},
		/* e1 */ {"unsupported scheme", "mssql://sa@localhost/db"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, _, err := openDriver(context.Background(), test.url, "")
			assert.Error(t, err)
		})
	}
}

func TestRunGenerate(t *testing.T) {
	dir := t.TempDir()

	err := runGenerate([]string{"--dir", dir, "add_users_table"})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// generating the same name again must not overwrite
	err = runGenerate([]string{"--dir", dir, "add_users_table"})
	assert.Error(t, err)
}

func TestRunGenerateRejectsInvalidNames(t *testing.T) {
	dir := t.TempDir()

	err := runGenerate([]string{"--dir", dir, "AddUsers"})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no files should be created for an invalid name")
}
