package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/indexd/internal/http"
)

var retryAll bool

func init() {
	rootCmd.AddCommand(retryCmd)
	retryCmd.Flags().BoolVar(&retryAll, "all", false, "Retry every failed item")
}

var retryCmd = &cobra.Command{
	Use:   "retry [<type> <id>]",
	Short: "Retry failed items now",
	Long: `Retry a failed item immediately, skipping its backoff, or every failed
item with --all. The attempt count starts over.

Examples:
  indexctl retry post 42
  indexctl retry --all`,
	Args: func(cmd *cobra.Command, args []string) error {
		if retryAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: runRetry,
}

func runRetry(cmd *cobra.Command, args []string) error {
	if retryAll {
		var resp api.RetryAllResponse
		if _, err := call(http.MethodPost, "/v1/retry", nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed items\n", resp.Requeued)
		if resp.Error != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Some items were not requeued: %s\n", resp.Error)
		}
		return nil
	}

	ref, err := parseRef(args)
	if err != nil {
		return err
	}
	var resp api.PushResponse
	if _, err := call(http.MethodPost, fmt.Sprintf("/v1/retry/%s/%d", ref.Type, ref.ID), nil, &resp, http.StatusAccepted); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Retrying %s (job %s)\n", ref, resp.JobID)
	return nil
}
