// Indexd keeps a vector index of site content in sync with the content
// store.
//
// It runs the indexing worker behind an HTTP API (serve) or an MCP stdio
// server (mcp). Configuration is read from an optional YAML file and
// INDEXD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	indexd serve
//
//	# Configure via file and environment
//	INDEXD_SERVER_PORT=9191 indexd serve --config indexd.yaml
//
//	# Serve MCP tools on stdio
//	indexd mcp --config indexd.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "indexd",
	Short: "Content indexing daemon",
	Long: `indexd extracts, chunks and embeds site content into a vector store,
tracks per-item index status and answers semantic search queries.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the indexing worker and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), configPath)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the indexing worker and serve MCP tools on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context(), configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("INDEXD_CONFIG"), "path to YAML config file")
	rootCmd.AddCommand(serveCmd, mcpCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("indexd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}
