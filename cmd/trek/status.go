package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/root-talis/trek/migration"
)

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	urlFlag := fs.String("url", "", "Database url (overrides $"+databaseURLEnv+" and the config file)")
	dirFlag := fs.String("dir", "", "Directory holding the migration script pairs")
	tableFlag := fs.String("table", "", "Name of the ledger table (default schema_migrations)")
	configFlag := fs.String("config", defaultConfigPath, "Path to the YAML config file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: trek status [options]

Show every known migration and whether it has been applied, plus ledger
entries that match no known migration ("missing" entries block any further
migrate up/down until resolved).

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	explicitConfig := *configFlag != defaultConfigPath
	cfg, err := loadConfig(*configFlag, explicitConfig, *urlFlag, *dirFlag, *tableFlag)
	if err != nil {
		return err
	}
	if cfg.URL == "" {
		return fmt.Errorf("no database url given (use --url, $%s or the config file)", databaseURLEnv)
	}

	ctx := context.Background()

	m, closeDB, err := buildTrek(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	result, err := m.Validate(ctx)
	if err != nil {
		return err
	}

	for _, state := range result.Migrations {
		switch state.Status {
		case migration.Applied:
			fmt.Printf("  applied  %-40s %s\n", state.Name, state.AppliedAt.Format(time.RFC3339))
		case migration.Pending:
			fmt.Printf("  pending  %-40s\n", state.Name)
		case migration.Missing:
			fmt.Printf("  MISSING  %-40s %s (in the ledger but not registered)\n",
				state.Name, state.AppliedAt.Format(time.RFC3339))
		}
	}

	fmt.Printf("\n%d applied, %d pending, %d missing\n",
		result.AppliedCount, result.PendingCount, result.MissingCount)

	if result.MissingCount > 0 {
		return fmt.Errorf("%d ledger entr(ies) match no known migration", result.MissingCount)
	}

	return nil
}
