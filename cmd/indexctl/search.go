package main

import (
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/indexd/internal/http"
)

var (
	searchLimit int
	searchType  string
	searchID    int64
)

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVar(&searchLimit, "limit", 5, "Maximum number of results")
	searchCmd.Flags().StringVar(&searchType, "type", "", "Only search this content type")
	searchCmd.Flags().Int64Var(&searchID, "id", 0, "Only search this content id")
}

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Semantic search over indexed content",
	Long: `Embed the query and return the closest chunks.

Examples:
  indexctl search how do I reset my password
  indexctl search --type attachment --limit 10 quarterly revenue`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	req := api.SearchRequest{
		Query:       strings.Join(args, " "),
		Limit:       searchLimit,
		ContentID:   searchID,
		ContentType: searchType,
	}
	var resp api.SearchResponse
	if _, err := call(http.MethodPost, "/v1/search", req, &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	if len(resp.Results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No results")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tITEM\tCHUNK\tTEXT")
	for _, r := range resp.Results {
		text := strings.Join(strings.Fields(r.Payload.ChunkText), " ")
		fmt.Fprintf(w, "%.3f\t%s:%d\t%d\t%s\n", r.Score, r.Payload.ContentType, r.Payload.ContentID, r.Payload.ChunkIndex, truncate(text, 80))
	}
	return w.Flush()
}
