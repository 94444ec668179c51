package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/matthewjhunter/courier"
	"github.com/matthewjhunter/courier/internal/config"
	"github.com/matthewjhunter/courier/internal/output"
	"github.com/matthewjhunter/courier/internal/result"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	cfg          *config.Config
	outputFormat string
	userID       int64
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "courier",
		Short:         "Personal feed aggregator with deduplicated storage, fetch quotas and scheduled fetching",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init-config" {
				return nil
			}
			return loadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "json", "output format: json, text, human")
	rootCmd.PersistentFlags().Int64VarP(&userID, "user", "u", 1, "user ID the command acts for")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(resetQuotaCmd())
	rootCmd.AddCommand(reapCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(subscribeCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(fetchConfigCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(initConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if configPath == "" {
		configPath = config.DefaultPath
	}
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded
	slog.SetDefault(newLogger(cfg.Log))
	return nil
}

// newLogger builds the process logger. Log lines go to stderr so command
// output on stdout stays machine readable.
func newLogger(lc config.Log) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newFormatter() (*output.Formatter, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return output.NewFormatter(format), nil
}

func openEngine(ctx context.Context) (*courier.Engine, error) {
	engine, err := courier.NewEngine(ctx, cfg, courier.EngineOptions{Logger: slog.Default()})
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	return engine, nil
}

// unwrap turns a non-Ok result into a command error that names its kind.
func unwrap[T any](r result.Result[T]) (T, error) {
	v, err := r.Unwrap()
	if err != nil {
		return v, fmt.Errorf("%s: %w", r.Kind, err)
	}
	return v, nil
}
