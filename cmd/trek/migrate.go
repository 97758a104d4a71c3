package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/root-talis/trek"
	"github.com/root-talis/trek/registry"
	"github.com/root-talis/trek/source/sqldir"
)

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	urlFlag := fs.String("url", "", "Database url (overrides $"+databaseURLEnv+" and the config file)")
	dirFlag := fs.String("dir", "", "Directory holding the migration script pairs")
	tableFlag := fs.String("table", "", "Name of the ledger table (default schema_migrations)")
	configFlag := fs.String("config", defaultConfigPath, "Path to the YAML config file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: trek migrate <subcommand> [options] [count|all]

Apply or revert migrations.

Subcommands:
  up      Apply every pending migration in order
  down    Revert the last applied migration, or the last <count>, or all

Examples:
  trek migrate up --url sqlite://app.db
  trek migrate down --url sqlite://app.db 2
  trek migrate down --url sqlite://app.db all

Options:
`)
		fs.PrintDefaults()
	}

	if len(args) == 0 {
		fs.Usage()
		return errors.New("subcommand required: up or down")
	}

	subcmd := args[0]
	if err := fs.Parse(args[1:]); err != nil {
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

	switch subcmd {
	case "up":
		return migrateUp(ctx, m)
	case "down":
		return migrateDown(ctx, m, fs.Arg(0))
	default:
		fs.Usage()
		return fmt.Errorf("unknown subcommand: %s", subcmd)
	}
}

// buildTrek loads the migration directory into a registry, connects the
// driver and wires both into a runner.
func buildTrek(ctx context.Context, cfg config) (trek.Trek, func(), error) {
	units, err := sqldir.Load(os.DirFS("."), cfg.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load migrations from %s: %w", cfg.Dir, err)
	}

	reg, err := registry.New(*units...)
	if err != nil {
		return nil, nil, err
	}

	drv, closeDB, err := openDriver(ctx, cfg.URL, cfg.Table)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	return trek.New(reg, drv, logger), closeDB, nil
}

func migrateUp(ctx context.Context, m trek.Trek) error {
	result, err := m.Upgrade(ctx)
	if err != nil {
		return err
	}

	if len(result.Applied) == 0 {
		fmt.Println("Nothing to apply, the database is up to date.")
		return nil
	}

	fmt.Printf("Applied %d migration(s):\n", len(result.Applied))
	for _, name := range result.Applied {
		fmt.Printf("  %s\n", name)
	}

	return nil
}

func migrateDown(ctx context.Context, m trek.Trek, countArg string) error {
	var (
		result *trek.DowngradeResult
		err    error
	)

	switch countArg {
	case "all":
		result, err = m.Reset(ctx)
	case "":
		result, err = m.Downgrade(ctx, 1)
	default:
		count, parseErr := strconv.ParseUint(countArg, 10, 32)
		if parseErr != nil {
			return fmt.Errorf("count must be a positive number or \"all\", got %q", countArg)
		}
		result, err = m.Downgrade(ctx, uint(count))
	}
	if err != nil {
		return err
	}

	if len(result.Reverted) == 0 {
		fmt.Println("Nothing to revert.")
		return nil
	}

	fmt.Printf("Reverted %d migration(s):\n", len(result.Reverted))
	for _, name := range result.Reverted {
		fmt.Printf("  %s\n", name)
	}

	return nil
}
