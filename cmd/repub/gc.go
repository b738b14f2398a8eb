package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gsmlg-opt/repub-sub002/pkg/registry"
	"github.com/gsmlg-opt/repub-sub002/pkg/storageconfig"
)

func newGCCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove blobs no package version references",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, logger, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := context.Background()

			active, err := storageconfig.LoadActive(ctx, store, &cfg.Storage)
			if err != nil {
				return err
			}
			blobs, err := storageconfig.BuildStore(ctx, active)
			if err != nil {
				return fmt.Errorf("build blob store: %w", err)
			}

			svc := registry.NewService(store, blobs, nil, logger, nil, nil, registry.Options{
				BaseURL: cfg.Server.BaseURL,
			})
			removed, err := svc.GarbageCollect(ctx, dryRun)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Println("no orphaned blobs")
				return nil
			}
			for _, key := range removed {
				fmt.Println(key)
			}
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			fmt.Printf("%s %d orphaned blobs\n", verb, len(removed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list orphaned blobs without deleting them")
	return cmd
}
