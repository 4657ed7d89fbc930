package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/otus/internal/config"
	"firestige.xyz/otus/internal/engine"
	"firestige.xyz/otus/internal/logx"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capture engine in the foreground",
	Long: `Load the configuration file, assemble the capture pipeline, and run
until the source is exhausted (offline replay) or a SIGTERM/SIGINT is
received (live capture).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(cmd.Context())
	},
}

func runEngine(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("run: load config: %w", err)
	}

	if err := logx.Init(cfg.Log); err != nil {
		return fmt.Errorf("run: init logging: %w", err)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("run: build engine: %w", err)
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	slog.Info("otus starting",
		"config", configFile,
		"source_kind", cfg.Source.Kind,
		"root_stage", cfg.RootStage,
	)

	if err := eng.Run(runCtx); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	slog.Info("otus stopped")
	return nil
}
