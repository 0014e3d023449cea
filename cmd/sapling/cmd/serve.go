/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ssargent/sapling/pkg/api"
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		Long: `Start the Sapling REST API server on the image in the data directory.
The image is written back on POST /api/v1/checkpoint and on shutdown.

Examples:
  sapling serve --port=8080
  sapling serve --api-key=mysecretkey --bind=0.0.0.0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := envFrom(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("port") {
				e.cfg.Port, _ = flags.GetInt("port")
			}
			if flags.Changed("bind") {
				e.cfg.Bind, _ = flags.GetString("bind")
			}
			if flags.Changed("api-key") {
				e.cfg.Security.APIKey, _ = flags.GetString("api-key")
			}
			if e.cfg.Security.APIKey == "" && e.cfg.Bind != "127.0.0.1" && e.cfg.Bind != "localhost" {
				return fmt.Errorf("--api-key is required when binding to %s", e.cfg.Bind)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			config := api.ServerConfig{
				Port:   e.cfg.Port,
				Bind:   e.cfg.Bind,
				APIKey: e.cfg.Security.APIKey,
				Checkpoint: func() (string, error) {
					return e.store.Save(e.db)
				},
			}
			starter := container.GetServerFactory().CreateServerStarter()
			return starter.StartServer(ctx, e.db, config, e.log)
		},
	}

	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("bind", "127.0.0.1", "Address to bind")
	serveCmd.Flags().String("api-key", "", "API key required in X-API-Key")
	return serveCmd
}
