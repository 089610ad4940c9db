// Package cmd contains the CLI commands of the stream gateway.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
	"github.com/sirosfoundation/go-stream-gateway/pkg/logging"
)

var (
	// Global flags
	configFile string

	buildVersion = "dev"
	buildTime    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "stream-gateway",
	Short: "HTTP and WebSocket gateway for a Redis event stream",
	Long: `stream-gateway stores the events of a Redis stream and serves them
over HTTP and a live WebSocket feed.

Running it without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command. Cobra reports the returned error itself.
func Execute(version, built string) error {
	buildVersion = version
	buildTime = built

	return rootCmd.ExecuteContext(withLaunchTime(context.Background(), time.Now()))
}

type launchTimeKey struct{}

// withLaunchTime records when the process started, before any command runs
func withLaunchTime(ctx context.Context, at time.Time) context.Context {
	return context.WithValue(ctx, launchTimeKey{}, at)
}

// launchTime returns the time recorded by withLaunchTime, or now when the
// command was started without one
func launchTime(ctx context.Context) time.Time {
	if at, ok := ctx.Value(launchTimeKey{}).(time.Time); ok {
		return at
	}
	return time.Now()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/config.yaml", "Path to configuration file")
}

// loadConfig loads the configuration and builds the logger from it
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Version == config.UnknownVersion && buildVersion != "dev" {
		cfg.Version = buildVersion
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}
