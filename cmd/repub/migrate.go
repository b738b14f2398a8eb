package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gsmlg-opt/repub-sub002/pkg/config"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
)

// openStore loads config and connects to the metadata store for
// one-shot commands.
func openStore() (*config.Config, metadata.Store, *observability.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := observability.NewLogger(cfg.LogLevel, os.Stderr)
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := metadata.Open(cfg.Database.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open metadata store: %w", err)
	}
	return cfg, store, logger, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}
