// Command tokenpool-admin is the operator tool for tokenpool. It reads the
// same configuration as the server and works directly against the store.
//
//	tokenpool-admin [-config path] <command> [flags]
//
// Commands:
//
//	balances   list accounts and their balances
//	history    print the ledger of one account
//	adjust     apply an operator balance correction
//	report     print the settlement report and stakes of an event
//	archived   list archived settlements or print one
//	verify     check ledger integrity, or recompute an event's payouts
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/tokenpool/internal/app"
	"github.com/alanyoungcy/tokenpool/internal/config"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, deps *app.Dependencies, out io.Writer, args []string) error
}

var commands = []command{
	{"balances", "list accounts and their balances", runBalances},
	{"history", "print the ledger of one account", runHistory},
	{"adjust", "apply an operator balance correction", runAdjust},
	{"report", "print the settlement report and stakes of an event", runReport},
	{"archived", "list archived settlements or print one", runArchived},
	{"settlements", "replay the settlement signal stream", runSettlements},
	{"verify", "check ledger integrity, or recompute an event's payouts", runVerify},
}

var errUsage = errors.New("usage")

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cmd, ok := lookup(flag.Arg(0))
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	// Keep operator output clean; only warnings reach stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		fatal(err)
	}
	defer cleanup()

	if err := cmd.run(ctx, deps, os.Stdout, flag.Args()[1:]); err != nil {
		cleanup()
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fatal(err)
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: tokenpool-admin [-config path] <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", c.name, c.usage)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "tokenpool-admin: %v\n", err)
	os.Exit(1)
}
