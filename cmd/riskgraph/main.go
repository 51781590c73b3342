// Command riskgraph is the operator CLI of the transit risk graph: schema
// setup, data loads, sync and analysis runs, and reports.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/riomobi/transitrisk/cmd/internal/app"
	"github.com/riomobi/transitrisk/pkg/config"
)

var (
	jsonLogs bool
	logLevel string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "riskgraph",
		Short:         "Build and analyze the transit risk graph",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "log JSON to stdout instead of text to stderr")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	root.AddCommand(
		newSetupCmd(),
		newLoadCmd(),
		newSyncCmd(),
		newResetCmd(),
		newMetricsCmd(),
		newAnalyzeCmd(),
		newRunCmd(),
		newReportCmd(),
		newTriggerCmd(),
	)
	return root
}

func logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	log := app.NewLogger(jsonLogs, level)
	slog.SetDefault(log)
	return log, nil
}

// withApp loads configuration, opens the stores, and runs f.
func withApp(cmd *cobra.Command, f func(ctx context.Context, a *app.App) error) error {
	log, err := logger()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return f(ctx, a)
}
