// Sanduku is a sandbox lifecycle and tool invocation service for AI agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sandbox orchestration for AI agent sessions.",
	Long: `Sanduku manages isolated execution sandboxes for AI agent sessions.
It provisions sandboxes on demand across cloud and local Docker providers,
enforces lease-based lifecycle timeouts, screens generated code before
execution, and bridges external MCP tool servers into a single registry.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
