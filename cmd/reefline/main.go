// Command reefline runs the DEX order reconciliation engine: it tracks
// submitted swaps, token approvals, and range-liquidity positions against
// their on-chain outcomes via a gateway instance, and serves a read-only
// status API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/reefline/reefline/cmd/reefline/internal/config"
	"github.com/reefline/reefline/log"
)

func main() {
	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := config.ApplyFile(fs, &cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	config.ApplyEnvDefaults(fs, &cfg)
	if err := config.ValidateConfig(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		os.Exit(2)
	}

	logger := log.Setup(os.Stderr, log.Options{
		Level:  config.LogLevelFromConfig(cfg),
		JSON:   cfg.LogJSON,
		Groups: cfg.LogGroups,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg, logger)
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("reefline exited", "error", err)
		os.Exit(1)
	}
}
