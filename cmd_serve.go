package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/duynguyendang/ssdtprof/pkg/mcp"
	"github.com/duynguyendang/ssdtprof/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := theApp.cfg.Addr
		if a, _ := cmd.Flags().GetString("addr"); a != "" {
			addr = a
		}
		srv := server.NewServer(theApp.profiles, theApp.registry)
		slog.Info("starting REST API server", "addr", addr, "db", theApp.cfg.DBPath, "rules", theApp.bundle.Rules.Len())
		return srv.Run(addr)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve profile tools to an MCP client over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcp.Run(cmd.Context(), theApp.profiles)
	},
}
