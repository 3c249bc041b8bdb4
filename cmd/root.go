// Package cmd defines the CLI commands for the streetview executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/streetview-cache/internal/capture"
	"github.com/JakeFAU/streetview-cache/internal/config"
	"github.com/JakeFAU/streetview-cache/internal/pipeline"
	"github.com/JakeFAU/streetview-cache/internal/server"
)

var cfgFile string

// App defines what commands need from the application.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context) error
	Capture(ctx context.Context, req pipeline.Request) (capture.Result, error)
	Close()
}

// loadConfig and newApp are variables so tests can replace them.
var (
	loadConfig = config.Load
	newApp     = func(ctx context.Context, cfg config.Config) (App, error) {
		a, err := server.Build(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "streetview",
		Short: "Street-level photograph capture and cache service.",
		Long: `streetview captures a street-level photograph for a postal address by
driving a headless browser through an online mapping site, and caches the
result so each target is photographed once.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env STREETVIEW_* overrides it)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCaptureCmd())
	return cmd
}

// buildApp loads configuration and assembles the application.
func buildApp(ctx context.Context) (App, error) {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	appInstance, err := newApp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
