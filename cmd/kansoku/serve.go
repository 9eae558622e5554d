package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kansoku"
)

func newServeCmd() *cobra.Command {
	var (
		port         int
		topologyFile string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, SSE, WebSocket and MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []kansoku.Option{
				kansoku.WithLogger(slog.Default()),
				kansoku.WithVersion(version),
			}
			if port != 0 {
				opts = append(opts, kansoku.WithPort(port))
			}
			if topologyFile != "" {
				opts = append(opts, kansoku.WithTopologyFile(topologyFile))
			}

			app, err := kansoku.New(opts...)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default $KANSOKU_PORT or 8090)")
	cmd.Flags().StringVar(&topologyFile, "topology", "", "serve one workflow topology from a YAML file instead of Agent Studio")
	return cmd
}
