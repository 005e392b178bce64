package main

import (
	"github.com/spf13/cobra"

	"github.com/mgarcia/boeingest/internal/config"
)

// appConfig is populated once per invocation by NewRootCmd's
// PersistentPreRunE: the application.yaml/APPLICATION_* env layer with
// this run's parsed cobra flags applied on top (internal/config's
// koanf+posflag layering, per SPEC_FULL.md §6).
var appConfig *config.Config

// NewRootCmd builds the boeingest command tree: a root carrying the
// options common to every subcommand plus the two ingestion subcommands.
//
// Grounded on hashmap-kz-katomik's cmd/root.go convention (a plain
// *cobra.Command builder, no package-level init-time registration).
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "boeingest",
		Short:         "Resilient ingestion client for the BOE bulletin feeds",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFlags(cmd.Flags())
			if err != nil {
				return newConfigError("load configuration: %w", err)
			}
			appConfig = cfg
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	addCommonFlags(root)
	root.AddCommand(newConsolidadaCmd())
	root.AddCommand(newSumarioCmd())
	return root
}
