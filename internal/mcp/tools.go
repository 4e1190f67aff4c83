package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/search"
	"github.com/fyrsmithlabs/indexd/internal/status"
)

const (
	defaultFailedLimit = 20
	defaultToolLimit   = 5
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.registerSearchTools()
	s.registerStatusTools()
	s.registerQueueTools()
	s.registerDiscoveryTools()
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

func refArg(id int64, typ string) (content.Ref, error) {
	ref := content.Ref{ID: id, Type: typ}
	if err := ref.Validate(); err != nil {
		return content.Ref{}, fmt.Errorf("invalid content reference: %w", err)
	}
	return ref, nil
}

// ===== SEARCH =====

type ragSearchInput struct {
	Query       string `json:"query" jsonschema:"Natural language query"`
	Limit       int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
	ContentID   int64  `json:"content_id,omitempty" jsonschema:"Only return chunks of this content id"`
	ContentType string `json:"content_type,omitempty" jsonschema:"Only return chunks of this content type (post, page, link, attachment)"`
}

type searchHit struct {
	Ref        string         `json:"ref" jsonschema:"Content reference as type:id"`
	ChunkIndex int            `json:"chunk_index" jsonschema:"Position of the chunk in its item"`
	Text       string         `json:"text" jsonschema:"Chunk text"`
	Score      float32        `json:"score" jsonschema:"Cosine similarity, higher is closer"`
	Metadata   map[string]any `json:"metadata,omitempty" jsonschema:"Chunk metadata such as source_url"`
}

type ragSearchOutput struct {
	Query   string      `json:"query" jsonschema:"Query used"`
	Results []searchHit `json:"results" jsonschema:"Matching chunks, best first"`
	Count   int         `json:"count" jsonschema:"Number of results"`
}

func (s *Server) registerSearchTools() {
	addTool(s, ToolMetadata{
		Name:        "rag_search",
		Description: "Semantic search over indexed site content. Returns the chunks closest to the query with their source reference and score. An empty result means nothing matched or search is unavailable.",
		Category:    CategorySearch,
		Keywords:    []string{"query", "similarity", "retrieval", "rag"},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ragSearchInput) (*mcp.CallToolResult, ragSearchOutput, error) {
		if args.Limit < 0 {
			return nil, ragSearchOutput{}, fmt.Errorf("invalid limit %d", args.Limit)
		}
		limit := args.Limit
		if limit == 0 {
			limit = search.DefaultLimit
		}
		points := s.deps.Search.Search(ctx, args.Query, limit, content.Filter{
			ContentID:   args.ContentID,
			ContentType: args.ContentType,
		})

		out := ragSearchOutput{Query: args.Query, Results: make([]searchHit, 0, len(points))}
		for _, p := range points {
			ref := content.Ref{ID: p.Payload.ContentID, Type: p.Payload.ContentType}
			out.Results = append(out.Results, searchHit{
				Ref:        ref.String(),
				ChunkIndex: p.Payload.ChunkIndex,
				Text:       p.Payload.ChunkText,
				Score:      p.Score,
				Metadata:   p.Payload.Metadata,
			})
		}
		out.Count = len(out.Results)
		return textResult("Found %d chunks", out.Count), out, nil
	})
}

// ===== STATUS =====

type refInput struct {
	ContentID   int64  `json:"content_id" jsonschema:"Content id"`
	ContentType string `json:"content_type" jsonschema:"Content type (post, page, link, attachment)"`
}

type statusView struct {
	Ref              string `json:"ref"`
	Status           string `json:"status"`
	ContentHash      string `json:"content_hash,omitempty"`
	ChunkingStrategy string `json:"chunking_strategy,omitempty"`
	EmbeddingModel   string `json:"embedding_model,omitempty"`
	ChunkCount       int    `json:"chunk_count"`
	RetryCount       int    `json:"retry_count"`
	ErrorMessage     string `json:"error_message,omitempty"`
	LastIndexedAt    string `json:"last_indexed_at,omitempty" jsonschema:"RFC 3339 time of the last successful index"`
	UpdatedAt        string `json:"updated_at" jsonschema:"RFC 3339 time of the last status change"`
}

func viewOf(rec content.StatusRecord) statusView {
	v := statusView{
		Ref:              rec.Ref.String(),
		Status:           string(rec.Status),
		ContentHash:      rec.ContentHash,
		ChunkingStrategy: rec.ChunkingStrategy,
		EmbeddingModel:   rec.EmbeddingModel,
		ChunkCount:       rec.ChunkCount,
		RetryCount:       rec.RetryCount,
		ErrorMessage:     rec.ErrorMessage,
		UpdatedAt:        rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.LastIndexedAt != nil {
		v.LastIndexedAt = rec.LastIndexedAt.UTC().Format(time.RFC3339)
	}
	return v
}

type indexStatusOutput struct {
	Found  bool        `json:"found" jsonschema:"False when the item has never been queued"`
	Record *statusView `json:"record,omitempty" jsonschema:"Status record when found"`
}

type indexStatsInput struct{}

type indexStatsOutput struct {
	Counts map[string]int `json:"counts" jsonschema:"Number of items per status"`
	Total  int            `json:"total" jsonschema:"Number of tracked items"`
}

type indexFailedInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum items to return (default: 20)"`
}

type indexFailedOutput struct {
	Items []statusView `json:"items" jsonschema:"Failed items, most recently updated first"`
	Count int          `json:"count"`
}

func (s *Server) registerStatusTools() {
	addTool(s, ToolMetadata{
		Name:        "index_status",
		Description: "Read the index status of one content item: its state, content hash, chunk count, embedding model and last error.",
		Category:    CategoryStatus,
		Keywords:    []string{"state", "progress", "error"},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args refInput) (*mcp.CallToolResult, indexStatusOutput, error) {
		ref, err := refArg(args.ContentID, args.ContentType)
		if err != nil {
			return nil, indexStatusOutput{}, err
		}
		rec, err := s.deps.Status.Get(ctx, ref)
		if errors.Is(err, status.ErrNotFound) {
			return textResult("%s is not tracked", ref), indexStatusOutput{}, nil
		}
		if err != nil {
			return nil, indexStatusOutput{}, fmt.Errorf("reading status of %s: %w", ref, err)
		}
		v := viewOf(*rec)
		return textResult("%s is %s", ref, rec.Status), indexStatusOutput{Found: true, Record: &v}, nil
	})

	addTool(s, ToolMetadata{
		Name:        "index_stats",
		Description: "Count tracked content items per index status.",
		Category:    CategoryStatus,
		Keywords:    []string{"counts", "summary", "overview"},
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ indexStatsInput) (*mcp.CallToolResult, indexStatsOutput, error) {
		st, err := s.deps.Status.Stats(ctx)
		if err != nil {
			return nil, indexStatsOutput{}, fmt.Errorf("reading stats: %w", err)
		}
		out := indexStatsOutput{Counts: make(map[string]int, len(st.Counts)), Total: st.Total}
		parts := make([]string, 0, len(st.Counts))
		for _, state := range content.Statuses {
			if n, ok := st.Counts[state]; ok {
				out.Counts[string(state)] = n
				parts = append(parts, fmt.Sprintf("%s=%d", state, n))
			}
		}
		return textResult("%d items: %s", st.Total, strings.Join(parts, " ")), out, nil
	})

	addTool(s, ToolMetadata{
		Name:        "index_failed",
		Description: "List content items whose last index attempt failed, with their error messages and retry counts.",
		Category:    CategoryStatus,
		Keywords:    []string{"errors", "failures"},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args indexFailedInput) (*mcp.CallToolResult, indexFailedOutput, error) {
		if args.Limit < 0 {
			return nil, indexFailedOutput{}, fmt.Errorf("invalid limit %d", args.Limit)
		}
		limit := args.Limit
		if limit == 0 {
			limit = defaultFailedLimit
		}
		recs, err := s.deps.Status.ListByStatus(ctx, content.StatusFailed, limit)
		if err != nil {
			return nil, indexFailedOutput{}, fmt.Errorf("listing failed items: %w", err)
		}
		out := indexFailedOutput{Items: make([]statusView, 0, len(recs))}
		for _, rec := range recs {
			out.Items = append(out.Items, viewOf(rec))
		}
		out.Count = len(out.Items)
		return textResult("Found %d failed items", out.Count), out, nil
	})
}

// ===== QUEUE =====

type indexPushInput struct {
	ContentID   int64  `json:"content_id" jsonschema:"Content id"`
	ContentType string `json:"content_type" jsonschema:"Content type (post, page, link, attachment)"`
	Operation   string `json:"operation,omitempty" jsonschema:"update or delete (default: update)"`
}

type indexPushOutput struct {
	Ref       string `json:"ref"`
	Operation string `json:"operation"`
	JobID     string `json:"job_id,omitempty" jsonschema:"Identifier of the queued job"`
	Duplicate bool   `json:"duplicate" jsonschema:"True when an equivalent job was already pending"`
}

type indexRetryInput struct {
	ContentID   int64  `json:"content_id,omitempty" jsonschema:"Content id of a failed item"`
	ContentType string `json:"content_type,omitempty" jsonschema:"Content type of a failed item"`
	All         bool   `json:"all,omitempty" jsonschema:"Retry every failed item instead of one"`
}

type indexRetryOutput struct {
	Requeued int    `json:"requeued" jsonschema:"Number of items queued again"`
	JobID    string `json:"job_id,omitempty"`
	Error    string `json:"error,omitempty" jsonschema:"Items that could not be queued when retrying all"`
}

func (s *Server) registerQueueTools() {
	addTool(s, ToolMetadata{
		Name:        "index_push",
		Description: "Queue a content item for (re)indexing, or for removal from the index with operation=delete. Pushing an item that already has a pending job is a no-op.",
		Category:    CategoryQueue,
		Keywords:    []string{"reindex", "enqueue", "delete", "trigger"},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args indexPushInput) (*mcp.CallToolResult, indexPushOutput, error) {
		ref, err := refArg(args.ContentID, args.ContentType)
		if err != nil {
			return nil, indexPushOutput{}, err
		}
		op := content.OpUpdate
		if args.Operation != "" {
			if op, err = content.ParseOperation(args.Operation); err != nil {
				return nil, indexPushOutput{}, err
			}
		}
		id, err := s.deps.Queue.Push(ctx, ref.ID, ref.Type, op)
		if err != nil {
			return nil, indexPushOutput{}, fmt.Errorf("queueing %s: %w", ref, err)
		}
		out := indexPushOutput{Ref: ref.String(), Operation: string(op), JobID: id, Duplicate: id == ""}
		if out.Duplicate {
			return textResult("%s %s already pending", op, ref), out, nil
		}
		return textResult("Queued %s %s as %s", op, ref, id), out, nil
	})

	addTool(s, ToolMetadata{
		Name:        "index_retry",
		Description: "Retry a failed content item immediately, or every failed item with all=true. Resets the attempt count.",
		Category:    CategoryQueue,
		Keywords:    []string{"failed", "requeue", "errors"},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args indexRetryInput) (*mcp.CallToolResult, indexRetryOutput, error) {
		if args.All {
			n, err := s.deps.Retries.RetryAllFailed(ctx)
			out := indexRetryOutput{Requeued: n}
			if err != nil {
				out.Error = err.Error()
			}
			return textResult("Requeued %d failed items", n), out, nil
		}
		ref, err := refArg(args.ContentID, args.ContentType)
		if err != nil {
			return nil, indexRetryOutput{}, err
		}
		id, err := s.deps.Retries.RetryNow(ctx, ref)
		switch {
		case errors.Is(err, status.ErrNotFound):
			return nil, indexRetryOutput{}, fmt.Errorf("%s is not tracked: %w", ref, err)
		case errors.Is(err, status.ErrInvalidTransition):
			return nil, indexRetryOutput{}, fmt.Errorf("%s is being processed: %w", ref, err)
		case err != nil:
			return nil, indexRetryOutput{}, fmt.Errorf("retrying %s: %w", ref, err)
		}
		out := indexRetryOutput{JobID: id}
		if id != "" {
			out.Requeued = 1
		}
		return textResult("Retrying %s", ref), out, nil
	})
}

// ===== DISCOVERY =====

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Search text or regular expression matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Restrict to a category (search, status, queue, discovery)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type toolMatch struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Score       int    `json:"score"`
	MatchReason string `json:"match_reason"`
}

type toolSearchOutput struct {
	Query      string      `json:"query"`
	Results    []toolMatch `json:"results"`
	Count      int         `json:"count"`
	TotalTools int         `json:"total_tools"`
}

type toolListInput struct {
	Category string `json:"category,omitempty" jsonschema:"Restrict to a category"`
}

type toolListOutput struct {
	Tools []ToolMetadata `json:"tools"`
	Count int            `json:"count"`
}

func (s *Server) registerDiscoveryTools() {
	addTool(s, ToolMetadata{
		Name:        "tool_search",
		Description: "Search the available tools by name, description or keyword.",
		Category:    CategoryDiscovery,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args toolSearchInput) (*mcp.CallToolResult, toolSearchOutput, error) {
		if args.Query == "" {
			return nil, toolSearchOutput{}, fmt.Errorf("query is required")
		}
		limit := args.Limit
		if limit <= 0 {
			limit = defaultToolLimit
		}
		matches := s.toolRegistry.Search(args.Query, ToolCategory(args.Category))
		if len(matches) > limit {
			matches = matches[:limit]
		}

		out := toolSearchOutput{Query: args.Query, Results: make([]toolMatch, 0, len(matches)), TotalTools: s.toolRegistry.Count()}
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			out.Results = append(out.Results, toolMatch{
				Name:        m.Tool.Name,
				Description: m.Tool.Description,
				Category:    string(m.Tool.Category),
				Score:       m.Score,
				MatchReason: m.MatchReason,
			})
			names = append(names, m.Tool.Name)
		}
		out.Count = len(out.Results)
		if out.Count == 0 {
			return textResult("No tools found matching: %s", args.Query), out, nil
		}
		return textResult("Found %d tool(s) for %q: %s", out.Count, args.Query, strings.Join(names, ", ")), out, nil
	})

	addTool(s, ToolMetadata{
		Name:        "tool_list",
		Description: "List the available tools with their descriptions.",
		Category:    CategoryDiscovery,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args toolListInput) (*mcp.CallToolResult, toolListOutput, error) {
		tools := s.toolRegistry.List(ToolCategory(args.Category))
		out := toolListOutput{Tools: make([]ToolMetadata, 0, len(tools))}
		for _, t := range tools {
			out.Tools = append(out.Tools, *t)
		}
		out.Count = len(out.Tools)
		return textResult("Found %d tools", out.Count), out, nil
	})
}
