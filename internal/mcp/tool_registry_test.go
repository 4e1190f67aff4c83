package mcp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *ToolRegistry {
	r := NewToolRegistry()
	r.Register(&ToolMetadata{Name: "rag_search", Description: "Semantic search over indexed site content", Category: CategorySearch, Keywords: []string{"query", "similarity"}})
	r.Register(&ToolMetadata{Name: "index_status", Description: "Read the index status of one content item", Category: CategoryStatus})
	r.Register(&ToolMetadata{Name: "index_push", Description: "Queue an update or delete job", Category: CategoryQueue, Keywords: []string{"reindex"}})
	return r
}

func TestToolRegistry_RegisterAndGet(t *testing.T) {
	r := testRegistry()

	tool, ok := r.Get("rag_search")
	require.True(t, ok)
	assert.Equal(t, CategorySearch, tool.Category)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	r.Register(nil)
	r.Register(&ToolMetadata{})
	assert.Equal(t, 3, r.Count())

	r.Register(&ToolMetadata{Name: "rag_search", Category: CategoryDiscovery})
	assert.Equal(t, 3, r.Count(), "re-registering replaces")
	tool, _ = r.Get("rag_search")
	assert.Equal(t, CategoryDiscovery, tool.Category)
}

func TestToolRegistry_List(t *testing.T) {
	r := testRegistry()

	all := r.List("")
	require.Len(t, all, 3)
	assert.Equal(t, "index_push", all[0].Name)
	assert.Equal(t, "index_status", all[1].Name)
	assert.Equal(t, "rag_search", all[2].Name)

	queue := r.List(CategoryQueue)
	require.Len(t, queue, 1)
	assert.Equal(t, "index_push", queue[0].Name)

	assert.Empty(t, r.List("unknown"))
}

func TestToolRegistry_Search(t *testing.T) {
	r := testRegistry()

	tests := []struct {
		name     string
		query    string
		category ToolCategory
		want     []string
		score    int // of the best match
	}{
		{"exact name", "rag_search", "", []string{"rag_search"}, 3},
		{"name ranks above description", "INDEX", "", []string{"index_push", "index_status", "rag_search"}, 2},
		{"regex over names", "^index_p", "", []string{"index_push"}, 2},
		{"description", "semantic", "", []string{"rag_search"}, 1},
		{"keyword", "reindex", "", []string{"index_push"}, 1},
		{"category filter", "index", CategoryStatus, []string{"index_status"}, 2},
		{"invalid regex falls back to literal", "[", "", nil, 0},
		{"empty query", "", "", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := r.Search(tt.query, tt.category)
			var names []string
			for _, res := range results {
				names = append(names, res.Tool.Name)
			}
			assert.Equal(t, tt.want, names)
			if len(results) > 0 {
				assert.Equal(t, tt.score, results[0].Score)
			}
		})
	}
}

func TestToolRegistry_Concurrent(t *testing.T) {
	r := NewToolRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(&ToolMetadata{Name: "tool", Category: CategoryQueue})
		}()
		go func() {
			defer wg.Done()
			_ = r.Search("tool", "")
			_ = r.List("")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Count())
}
