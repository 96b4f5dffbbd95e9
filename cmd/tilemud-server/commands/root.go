// Package commands holds tilemud-server's cobra command tree, following
// teranos-QNTX/cmd/qntx/main.go + cmd/qntx/commands' root-plus-subcommand
// structure.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dkirby-ms/tilemud/internal/logging"
)

var configPath string

// RootCmd is the tilemud-server entrypoint.
var RootCmd = &cobra.Command{
	Use:   "tilemud-server",
	Short: "TileMUD realtime session layer",
	Long: `tilemud-server hosts the TileMUD realtime session layer: session
bootstrap, the WebSocket join handshake, intent dispatch, and the
degraded-dependency signal that keeps clients informed when Redis or
Postgres is unhealthy.

Available commands:
  serve    - Start the HTTP/WebSocket server
  version  - Show build version information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

var jsonLogs bool

func init() {
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (yaml/toml/json)")
	RootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs instead of console output")

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(versionCmd)
}
