package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/mailglot/config"
	"github.com/example/mailglot/pipeline"
	"github.com/example/mailglot/scheduler"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mailglot",
		Short: "Fetch unread mail, rewrite it in a target language, and forward it",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one fetch-process-acknowledge cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup(configPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			sched := newScheduler(cfg, logger)
			result, err := sched.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("cycle finished with %d errors", len(result.Errors))
			}
			return nil
		},
	}

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the recurring scheduler until a termination signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup(configPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			return newScheduler(cfg, logger).Start(cmd.Context())
		},
	}

	rootCmd.AddCommand(runCmd, daemonCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newScheduler(cfg *config.Config, logger *slog.Logger) *scheduler.Scheduler {
	pipe := pipeline.NewTranslationPipeline(cfg, logger)
	return scheduler.New(cfg, pipe, logger)
}

func setup(configPath string) (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	slog.SetDefault(logger)
	logger.Info("starting mailglot",
		"source", cfg.SourceEmail.Address, "target", cfg.TargetEmail.Address,
		"provider", string(cfg.LLM.Provider))
	return cfg, logger, cleanup, nil
}

func setupLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err != nil {
			return nil, cleanup, err
		}

		file, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
