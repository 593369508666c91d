// mcpforge is an MCP server that builds, runs and brokers other MCP servers.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mcpforge",
	Short: "mcpforge builds, runs and brokers MCP servers from source code.",
	Long: `mcpforge is an MCP server whose tools create other MCP servers.
Clients submit TypeScript, JavaScript or Python source; mcpforge builds it in
a per-server sandbox, starts it as a child process and forwards tool calls to
it. Server definitions can be saved and reloaded across restarts.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, savedCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
