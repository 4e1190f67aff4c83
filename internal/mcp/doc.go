// Package mcp exposes the indexing pipeline to MCP clients over stdio.
//
// It uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp) and
// registers tools for semantic search (rag_search), status inspection
// (index_status, index_stats, index_failed), job submission (index_push)
// and retries (index_retry). tool_search and tool_list let clients
// discover the rest.
package mcp
