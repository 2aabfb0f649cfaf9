// Package cli implements the mcpcall commands, which list, describe, call and ping the
// tools of an MCP server.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the mcpcall command with every subcommand attached.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpcall",
		Short: "Call the tools of an MCP server",
		Long: "mcpcall connects to an MCP server over the event-stream, streamable HTTP, " +
			"WebSocket or stdio transport and lists, describes, calls or pings its tools.",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	root.PersistentFlags().String("transport", "", "Transport: sse | streamable | websocket | stdio")
	root.PersistentFlags().String("url", "", "Server endpoint URL")
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("mcpcall version %s\n", version))

	root.AddCommand(NewToolsCmd())
	root.AddCommand(NewDescribeCmd())
	root.AddCommand(NewCallCmd())
	root.AddCommand(NewPingCmd())

	return root
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
