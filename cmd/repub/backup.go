package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export or import registry metadata",
	}
	cmd.AddCommand(newBackupExportCmd(), newBackupImportCmd())
	return cmd
}

func newBackupExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <path>",
		Short: "Write all metadata (packages, users, tokens, webhooks, config) to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			backup, err := store.Export(context.Background())
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			data, err := json.MarshalIndent(backup, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], data, 0o600); err != nil {
				return fmt.Errorf("write backup: %w", err)
			}
			fmt.Printf("exported %d packages, %d versions, %d users to %s\n",
				len(backup.Data.Packages), len(backup.Data.PackageVersions), len(backup.Data.Users), args[0])
			return nil
		},
	}
}

func newBackupImportCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Load metadata from a JSON export, skipping rows that already exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read backup: %w", err)
			}
			var backup metadata.Backup
			if err := json.Unmarshal(data, &backup); err != nil {
				return fmt.Errorf("parse backup: %w", err)
			}

			_, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.Import(context.Background(), &backup, dryRun)
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			verb := "imported"
			if dryRun {
				verb = "would import"
			}
			fmt.Printf("%s %d packages, %d versions, %d users, %d admin users, %d tokens, %d activity entries, %d webhooks, %d config keys\n",
				verb, counts.Packages, counts.Versions, counts.Users, counts.AdminUsers,
				counts.Tokens, counts.Activity, counts.Webhooks, counts.ConfigKeys)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be imported without writing")
	return cmd
}
