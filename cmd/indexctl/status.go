package main

import (
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/indexd/internal/content"
	api "github.com/fyrsmithlabs/indexd/internal/http"
	"github.com/fyrsmithlabs/indexd/internal/status"
)

var failedLimit int

func init() {
	rootCmd.AddCommand(statusCmd, statsCmd, failedCmd)
	failedCmd.Flags().IntVar(&failedLimit, "limit", 100, "Maximum number of items to return")
}

var statusCmd = &cobra.Command{
	Use:   "status <type> <id>",
	Short: "Show the index status of a content item",
	Args:  cobra.ExactArgs(2),
	RunE:  runStatus,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count tracked items per status",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List items whose last index attempt failed",
	Args:  cobra.NoArgs,
	RunE:  runFailed,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ref, err := parseRef(args)
	if err != nil {
		return err
	}
	var rec content.StatusRecord
	if _, err := call(http.MethodGet, fmt.Sprintf("/v1/status/%s/%d", ref.Type, ref.ID), nil, &rec); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), rec)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Item:\t%s\n", rec.Ref)
	fmt.Fprintf(w, "Status:\t%s\n", rec.Status)
	if rec.ContentHash != "" {
		fmt.Fprintf(w, "Hash:\t%s\n", rec.ContentHash)
	}
	if rec.ChunkingStrategy != "" {
		fmt.Fprintf(w, "Chunking:\t%s (size %d, overlap %d)\n", rec.ChunkingStrategy, rec.ChunkingSettings.ChunkSize, rec.ChunkingSettings.Overlap)
	}
	if rec.EmbeddingModel != "" {
		fmt.Fprintf(w, "Model:\t%s (%d dims)\n", rec.EmbeddingModel, rec.EmbeddingDimensions)
	}
	fmt.Fprintf(w, "Chunks:\t%d\n", rec.ChunkCount)
	if rec.LastIndexedAt != nil {
		fmt.Fprintf(w, "Indexed:\t%s\n", rec.LastIndexedAt.Format(time.RFC3339))
	}
	if rec.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:\t%s\n", rec.ErrorMessage)
		fmt.Fprintf(w, "Retries:\t%d\n", rec.RetryCount)
	}
	fmt.Fprintf(w, "Updated:\t%s\n", rec.UpdatedAt.Format(time.RFC3339))
	return w.Flush()
}

func runStats(cmd *cobra.Command, args []string) error {
	var st status.Stats
	if _, err := call(http.MethodGet, "/v1/stats", nil, &st); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), st)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, s := range content.Statuses {
		fmt.Fprintf(w, "%s\t%d\n", s, st.Counts[s])
	}
	fmt.Fprintf(w, "total\t%d\n", st.Total)
	return w.Flush()
}

func runFailed(cmd *cobra.Command, args []string) error {
	var resp api.FailedResponse
	if _, err := call(http.MethodGet, fmt.Sprintf("/v1/failed?limit=%d", failedLimit), nil, &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	if len(resp.Items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No failed items")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tRETRIES\tUPDATED\tERROR")
	for _, rec := range resp.Items {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", rec.Ref, rec.RetryCount, rec.UpdatedAt.Format(time.RFC3339), truncate(rec.ErrorMessage, 80))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
