// Command migrate manages the custody schema.
//
//	migrate [flags] up
//	migrate [flags] down N
//	migrate [flags] version
//	migrate [flags] force V
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"scriptcustody/db"
	"scriptcustody/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	dsn := flags.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	level := flags.String("log-level", "info", "log level")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cmd, rest, err := parseCommand(flags.Args())
	if err != nil {
		return err
	}
	if *dsn == "" {
		return errors.New("--database-url or DATABASE_URL is required")
	}

	logger, err := logging.New(*level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	m, err := db.NewMigrator(*dsn, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	switch cmd {
	case "up":
		return m.Up()
	case "down":
		return m.Down(rest)
	case "force":
		return m.Force(rest)
	default:
		v, dirty, err := m.Version()
		if err != nil {
			return err
		}
		logger.Info("schema version", zap.Uint("version", v), zap.Bool("dirty", dirty))
		fmt.Printf("%d dirty=%t\n", v, dirty)
		return nil
	}
}

// parseCommand validates the positional arguments and returns the numeric
// operand for down and force.
func parseCommand(args []string) (string, int, error) {
	if len(args) == 0 {
		return "", 0, errors.New("usage: migrate [flags] up|down N|version|force V")
	}
	switch cmd := args[0]; cmd {
	case "up", "version":
		if len(args) != 1 {
			return "", 0, fmt.Errorf("%s takes no arguments", cmd)
		}
		return cmd, 0, nil
	case "down", "force":
		if len(args) != 2 {
			return "", 0, fmt.Errorf("%s requires exactly one numeric argument", cmd)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return "", 0, fmt.Errorf("%s: invalid number %q", cmd, args[1])
		}
		return cmd, n, nil
	default:
		return "", 0, fmt.Errorf("unknown command %q", cmd)
	}
}
