package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

type fakePoint struct {
	Vector  []float32
	Payload map[string]any
}

// fakeQdrant serves the subset of the Qdrant REST API RESTStore uses.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]map[string]fakePoint
	apiKey      string
	pageSize    int
	scrollCalls int
}

func newFakeQdrant(t *testing.T, apiKey string) (*fakeQdrant, *httptest.Server) {
	t.Helper()
	f := &fakeQdrant{collections: map[string]map[string]fakePoint{}, apiKey: apiKey, pageSize: 2}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "result": result})
}

type fakeFilter struct {
	Must []struct {
		Key   string `json:"key"`
		Match struct {
			Value any `json:"value"`
		} `json:"match"`
	} `json:"must"`
}

func (ff *fakeFilter) matches(payload map[string]any) bool {
	if ff == nil {
		return true
	}
	for _, c := range ff.Must {
		if fmt.Sprint(payload[c.Key]) != fmt.Sprint(c.Match.Value) {
			return false
		}
	}
	return true
}

type fakeRequest struct {
	Points []struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	} `json:"points"`
	IDs    []string    `json:"-"`
	Filter *fakeFilter `json:"filter"`
	Vector []float32   `json:"vector"`
	Limit  int         `json:"limit"`
	Offset string      `json:"offset"`
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.apiKey != "" && r.Header.Get("api-key") != f.apiKey {
		http.Error(w, `{"status":{"error":"unauthorized"}}`, http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 1 && r.Method == http.MethodGet {
		writeResult(w, map[string]any{"collections": []any{}})
		return
	}
	name := parts[1]
	col, exists := f.collections[name]

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			if !exists {
				http.Error(w, `{"status":{"error":"not found"}}`, http.StatusNotFound)
				return
			}
			writeResult(w, map[string]any{"status": "green"})
		case http.MethodPut:
			f.collections[name] = map[string]fakePoint{}
			writeResult(w, true)
		case http.MethodDelete:
			if !exists {
				http.Error(w, `{"status":{"error":"not found"}}`, http.StatusNotFound)
				return
			}
			delete(f.collections, name)
			writeResult(w, true)
		}
		return
	}

	if !exists {
		http.Error(w, `{"status":{"error":"collection not found"}}`, http.StatusNotFound)
		return
	}

	if len(parts) == 4 && r.Method == http.MethodGet {
		p, ok := col[parts[3]]
		if !ok {
			http.Error(w, `{"status":{"error":"point not found"}}`, http.StatusNotFound)
			return
		}
		writeResult(w, map[string]any{"id": parts[3], "payload": p.Payload})
		return
	}

	var raw map[string]json.RawMessage
	_ = json.NewDecoder(r.Body).Decode(&raw)
	var req fakeRequest
	body, _ := json.Marshal(raw)
	_ = json.Unmarshal(body, &req)
	if ids, ok := raw["points"]; ok && parts[len(parts)-1] == "delete" {
		_ = json.Unmarshal(ids, &req.IDs)
	}

	switch parts[len(parts)-1] {
	case "points":
		for _, p := range req.Points {
			col[p.ID] = fakePoint{Vector: p.Vector, Payload: p.Payload}
		}
		writeResult(w, map[string]any{"status": "completed"})
	case "delete":
		for _, id := range req.IDs {
			delete(col, id)
		}
		if req.Filter != nil {
			for id, p := range col {
				if req.Filter.matches(p.Payload) {
					delete(col, id)
				}
			}
		}
		writeResult(w, map[string]any{"status": "completed"})
	case "count":
		n := 0
		for _, p := range col {
			if req.Filter.matches(p.Payload) {
				n++
			}
		}
		writeResult(w, map[string]any{"count": n})
	case "search":
		type hit struct {
			ID      string         `json:"id"`
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		}
		var hits []hit
		for id, p := range col {
			if req.Filter.matches(p.Payload) {
				hits = append(hits, hit{ID: id, Score: cosine(req.Vector, p.Vector), Payload: p.Payload})
			}
		}
		slices.SortFunc(hits, func(a, b hit) int {
			switch {
			case a.Score > b.Score:
				return -1
			case a.Score < b.Score:
				return 1
			}
			return strings.Compare(a.ID, b.ID)
		})
		if len(hits) > req.Limit {
			hits = hits[:req.Limit]
		}
		writeResult(w, hits)
	case "scroll":
		f.scrollCalls++
		var ids []string
		for id, p := range col {
			if req.Filter.matches(p.Payload) && id >= req.Offset {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		var next any
		if len(ids) > f.pageSize {
			next = ids[f.pageSize]
			ids = ids[:f.pageSize]
		}
		points := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			points = append(points, map[string]any{"id": id, "payload": map[string]any{"chunk_index": col[id].Payload["chunk_index"]}})
		}
		writeResult(w, map[string]any{"points": points, "next_page_offset": next})
	default:
		http.NotFound(w, r)
	}
}

func TestRESTStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		_, srv := newFakeQdrant(t, "")
		s, err := NewRESTStore(RESTConfig{URL: srv.URL}, nil)
		require.NoError(t, err)
		return s
	})
}

func TestRESTStore_APIKey(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeQdrant(t, "secret")

	s, err := NewRESTStore(RESTConfig{URL: srv.URL, APIKey: "secret"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.TestConnection(ctx))

	anon, err := NewRESTStore(RESTConfig{URL: srv.URL}, nil)
	require.NoError(t, err)
	err = anon.TestConnection(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, content.ErrStore)
	assert.True(t, content.IsRetryable(err))
}

func TestRESTStore_ScrollPagination(t *testing.T) {
	ctx := context.Background()
	fake, srv := newFakeQdrant(t, "")
	s, err := NewRESTStore(RESTConfig{URL: srv.URL}, nil)
	require.NoError(t, err)

	var records []content.VectorRecord
	for i := range 7 {
		records = append(records, record(refPost, i, 1, float32(i), 0))
	}
	_, err = s.Insert(ctx, "site_1_dddddddd", records)
	require.NoError(t, err)

	idx, found, err := s.MaxChunkIndex(ctx, "site_1_dddddddd", content.RefFilter(refPost))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 6, idx)
	assert.Equal(t, 4, fake.scrollCalls, "seven points at two per page")
}

func TestRESTStore_QueryMissingCollection(t *testing.T) {
	_, srv := newFakeQdrant(t, "")
	s, err := NewRESTStore(RESTConfig{URL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = s.Query(context.Background(), "site_9_eeeeeeee", []float32{1, 0}, 5, content.Filter{})
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	results, err := s.Query(context.Background(), "site_9_eeeeeeee", []float32{1, 0}, 0, content.Filter{})
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestRESTConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  RESTConfig
		wantErr bool
	}{
		{name: "defaults", config: RESTConfig{}},
		{name: "https", config: RESTConfig{URL: "https://qdrant.example.com:6333", Distance: "Dot"}},
		{name: "no scheme", config: RESTConfig{URL: "localhost:6333"}, wantErr: true},
		{name: "bad distance", config: RESTConfig{Distance: "Hamming"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.ApplyDefaults()
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRestPointID(t *testing.T) {
	assert.Equal(t, "abc", restPoint{ID: json.RawMessage(`"abc"`)}.pointID())
	assert.Equal(t, "42", restPoint{ID: json.RawMessage(`42`)}.pointID())
}

func TestToRESTFilter(t *testing.T) {
	assert.Nil(t, toRESTFilter(content.Filter{}))

	rf := toRESTFilter(content.RefFilter(refPost))
	require.Len(t, rf.Must, 2)
	assert.Equal(t, "content_id", rf.Must[0].Key)
	assert.Equal(t, int64(7), rf.Must[0].Match.Value)
	assert.Equal(t, "content_type", rf.Must[1].Key)
	assert.Equal(t, "post", rf.Must[1].Match.Value)
}
