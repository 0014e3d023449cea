/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssargent/sapling/pkg/config"
)

func newInitCmd() *cobra.Command {
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration",
		Long: `Write a configuration file with defaults and a generated API key.

Examples:
  sapling init
  sapling init --config ./sapling.yaml --data-dir ./data --force`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skip-open": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.GetDefaultConfigPath()
			}
			dataDir, _ := cmd.Flags().GetString("data-dir")
			force, _ := cmd.Flags().GetBool("force")

			if config.ConfigExists(path) && !force {
				return fmt.Errorf("config already exists at %s, use --force to overwrite", path)
			}
			cfg, err := config.BootstrapConfig(path, dataDir)
			if err != nil {
				return err
			}

			cmd.Printf("Wrote %s\n", path)
			cmd.Printf("Data directory: %s\n", cfg.DataDir)
			cmd.Printf("API key: %s\n", cfg.Security.APIKey)
			cmd.Printf("\nStart the server with:\n  sapling serve --config %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing config")
	return initCmd
}
