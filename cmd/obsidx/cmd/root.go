// Package cmd provides the CLI commands for obsidx.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/leeparayno/obsidx/pkg/version"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	vault    string
	logLevel string
	offline  bool
}

// NewRootCmd creates the root command for the obsidx CLI.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "obsidx",
		Short: "Hybrid semantic search over an Obsidian vault",
		Long: `obsidx indexes a markdown vault locally and answers queries by fusing
keyword and embedding retrieval. Embeddings come from a local Ollama
instance; without one the engine degrades to keyword search and says so.

Run 'obsidx init' in a vault, then 'obsidx index' and 'obsidx search'.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("obsidx version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&flags.vault, "vault", ".", "Vault root directory")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flags.offline, "offline", false, "Use static offline embeddings instead of Ollama")

	cmd.AddCommand(newInitCmd(flags))
	cmd.AddCommand(newIndexCmd(flags))
	cmd.AddCommand(newSearchCmd(flags))
	cmd.AddCommand(newGetCmd(flags))
	cmd.AddCommand(newTagsCmd(flags))
	cmd.AddCommand(newLinksCmd(flags))
	cmd.AddCommand(newStatsCmd(flags))
	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
