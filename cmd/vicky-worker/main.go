// Command vicky-worker runs the claim loop against a Vicky server: claim
// a task, run its flake reference through the configured build tool, and
// report the result. Thin entrypoint around pkg/worker, in the same
// root-command shape as cmd/vicky.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wobcom/vicky/pkg/config"
	"github.com/wobcom/vicky/pkg/log"
	"github.com/wobcom/vicky/pkg/worker"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "vicky-worker",
	Short:   "Vicky task worker",
	Version: version,
	RunE:    runWorker,
}

func init() {
	rootCmd.Flags().String("config", "", "Path to a config file (optional; env vars override)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.SetVersionTemplate(fmt.Sprintf("vicky-worker version %s\n", version))
}

func runWorker(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	cfg, err := config.LoadWorkerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Log.Level
	if level == "" {
		level = logLevel
	}
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: cfg.Log.JSONOutput || logJSON,
	})
	logger := log.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	w := worker.New(ctx, *cfg)
	logger.Info().Strs("features", cfg.Features).Str("vicky_url", cfg.VickyURL).Msg("starting claim loop")

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}
