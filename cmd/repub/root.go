package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "repub",
		Short:         "repub is a private hosted pub package registry",
		Long:          "repub serves the Hosted Pub Repository API v2 with publishing,\nupstream proxy-caching, webhooks, and token authentication.\nConfiguration comes from REPUB_* environment variables.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newTokenCmd(),
		newStorageCmd(),
		newBackupCmd(),
		newGCCmd(),
	)
	return root
}
