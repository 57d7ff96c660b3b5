package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leeparayno/obsidx/internal/config"
)

func newInitCmd(flags *rootFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an index directory in the vault",
		Long: `Creates the index directory and writes a default config file.
Edit the config to add collections or tune chunking and search parameters.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, flags, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

func runInit(cmd *cobra.Command, flags *rootFlags, force bool) error {
	vaultRoot, err := filepath.Abs(flags.vault)
	if err != nil {
		return fmt.Errorf("resolve vault root: %w", err)
	}
	if info, err := os.Stat(vaultRoot); err != nil || !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", vaultRoot)
	}

	path := configPath(vaultRoot)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	cfg := config.Default()
	cfg.Collections = map[string]string{"notes": "."}
	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized index directory at %s\n", filepath.Dir(path))
	fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Next: run 'obsidx index' to build the index.")
	return nil
}
