package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/internal/backend"
	"github.com/sirosfoundation/go-stream-gateway/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply storage migrations and exit",
	Long: `Connect to the configured store and apply every pending migration in
the foreground. The server applies the same migrations in the background on
start; this command is for deployments that migrate before rollout.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	store, err := backend.NewConnector(cfg, logger).Connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := migrate.Up(ctx, store.MigrationTarget(), logger); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Migrations complete", zap.String("storage", string(store.Kind())))
	return nil
}
