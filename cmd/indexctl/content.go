package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/indexd/internal/content"
	api "github.com/fyrsmithlabs/indexd/internal/http"
)

func init() {
	rootCmd.AddCommand(pushCmd, deleteCmd)
}

var pushCmd = &cobra.Command{
	Use:   "push <type> <id>",
	Short: "Queue a content item for indexing",
	Long: `Queue a content item for (re)indexing. Unchanged content is skipped by
the worker, so pushing is always safe.

Examples:
  indexctl push post 42
  indexctl push attachment 7 --server http://indexd:9191`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPush(cmd, args, content.OpUpdate)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <type> <id>",
	Short: "Remove a content item from the index",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPush(cmd, args, content.OpDelete)
	},
}

// parseRef parses the <type> <id> argument pair.
func parseRef(args []string) (content.Ref, error) {
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return content.Ref{}, fmt.Errorf("content id must be an integer, got %q", args[1])
	}
	ref := content.Ref{ID: id, Type: args[0]}
	return ref, ref.Validate()
}

func contentPath(ref content.Ref) string {
	return fmt.Sprintf("/v1/content/%s/%d", ref.Type, ref.ID)
}

func runPush(cmd *cobra.Command, args []string, op content.Operation) error {
	ref, err := parseRef(args)
	if err != nil {
		return err
	}
	method := http.MethodPost
	if op == content.OpDelete {
		method = http.MethodDelete
	}

	var resp api.PushResponse
	if _, err := call(method, contentPath(ref), nil, &resp, http.StatusAccepted); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	if resp.Duplicate {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s already pending\n", op, ref)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s (job %s)\n", op, ref, resp.JobID)
	return nil
}
