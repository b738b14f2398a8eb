package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gsmlg-opt/repub-sub002/pkg/storageconfig"
)

func newStorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Manage the staged storage configuration",
	}
	cmd.AddCommand(newStorageActivateCmd())
	return cmd
}

func newStorageActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Promote the pending storage config to active (server must be stopped)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			promoted, err := storageconfig.Activate(context.Background(), store, cfg.Server.LockFile)
			if err != nil {
				return err
			}
			fmt.Printf("storage backend %q is now active\n", promoted.Backend)
			return nil
		},
	}
}
