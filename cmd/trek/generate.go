package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/root-talis/trek/source/sqldir"
)

func runGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	dirFlag := fs.String("dir", "", "Directory to place the new script pair in")
	configFlag := fs.String("config", defaultConfigPath, "Path to the YAML config file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: trek generate [options] <name>

Create an empty up/down migration script pair. The name must be a snake_case
identifier; it becomes the migration's permanent ledger identity.

Example:
  trek generate add_users_table

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("exactly one migration name required")
	}
	name := fs.Arg(0)

	explicitConfig := *configFlag != defaultConfigPath
	cfg, err := loadConfig(*configFlag, explicitConfig, "", *dirFlag, "")
	if err != nil {
		return err
	}

	upPath, downPath, err := sqldir.Create(cfg.Dir, name)
	if err != nil {
		return err
	}

	fmt.Printf("Created:\n  %s\n  %s\n", upPath, downPath)

	return nil
}
