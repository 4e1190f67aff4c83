package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/indexd/internal/http"
)

func init() {
	rootCmd.AddCommand(healthCmd, connectionsCmd, redactCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check indexd server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.HealthResponse
		if _, err := call(http.MethodGet, "/health", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
		return nil
	},
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "Test the embedding provider and vector store connections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.ConnectionsResponse
		_, err := call(http.MethodGet, "/v1/connections", nil, &resp, http.StatusOK, http.StatusServiceUnavailable)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		printConnection(cmd.OutOrStdout(), "Embedding", resp.Embedding)
		printConnection(cmd.OutOrStdout(), "Vector store", resp.VectorStore)
		if !resp.Embedding.OK || !resp.VectorStore.OK {
			return fmt.Errorf("backend unavailable")
		}
		return nil
	},
}

func printConnection(w io.Writer, name string, c api.ConnectionStatus) {
	state := "ok"
	if !c.OK {
		state = "FAILED: " + c.Error
	}
	detail := ""
	if c.Model != "" {
		detail = fmt.Sprintf(" [%s, %d dims]", c.Model, c.Dimensions)
	}
	fmt.Fprintf(w, "%-13s %s%s: %s\n", name, c.Backend, detail, state)
}

// redactCmd previews secret redaction of a file or stdin
var redactCmd = &cobra.Command{
	Use:   "redact [file]",
	Short: "Show what redaction would remove from a file or stdin",
	Long: `Send text to the server's redactor and print the result. Requires
redaction to be enabled on the server.

Examples:
  indexctl redact .env
  cat output.log | indexctl redact -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRedact,
}

func runRedact(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}
	if len(data) == 0 {
		return fmt.Errorf("no content to redact")
	}

	var resp api.RedactResponse
	if _, err := call(http.MethodPost, "/v1/redact", api.RedactRequest{Content: string(data)}, &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprint(cmd.OutOrStdout(), resp.Content)
	if resp.Findings.Total > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "\n[indexctl] Redacted %d secret(s)\n", resp.Findings.Total)
	}
	return nil
}
