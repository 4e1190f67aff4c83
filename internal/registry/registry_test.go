package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/indexd/internal/chunking"
	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/embeddings"
	"github.com/fyrsmithlabs/indexd/internal/extraction"
	"github.com/fyrsmithlabs/indexd/internal/vectorstore"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid alphanumeric", "paragraph", false},
		{"valid with hyphen", "qdrant-grpc", false},
		{"valid with underscore", "my_store", false},
		{"valid with numbers", "v2", false},
		{"empty", "", true},
		{"uppercase", "Paragraph", true},
		{"starts with hyphen", "-store", true},
		{"contains dot", "my.store", true},
		{"contains slash", "my/store", true},
		{"contains space", "my store", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type namedChunker struct {
	chunking.Page
	name string
}

func (c namedChunker) Name() string { return c.name }

func TestRegisterChunker(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.RegisterChunker(chunking.Page{}))
	require.NoError(t, r.RegisterChunker(chunking.Paragraph{}))

	err := r.RegisterChunker(chunking.Paragraph{})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.ErrorIs(t, r.RegisterChunker(namedChunker{name: "Bad Name"}), ErrInvalidName)
	assert.Error(t, r.RegisterChunker(nil))

	c, ok := r.Chunker(chunking.StrategyParagraph)
	assert.True(t, ok)
	assert.Equal(t, chunking.StrategyParagraph, c.Name())

	c, ok = r.Chunker("semantic")
	assert.False(t, ok)
	require.NotNil(t, c, "unknown strategies fall back to page")
	assert.Equal(t, chunking.StrategyPage, c.Name())
}

func TestExtractorSelection(t *testing.T) {
	r := New(nil)
	for _, e := range extraction.Builtin() {
		require.NoError(t, r.RegisterExtractor(e))
	}
	assert.ErrorIs(t, r.RegisterExtractor(extraction.Post{}), ErrDuplicate)

	tests := []struct {
		kind string
		want string
	}{
		{"post", "post"},
		{"page", "post"},
		{"comment", "comment"},
		{"link", "link"},
		{extraction.MIMEMarkdown, "text"},
		{extraction.MIMEPDF, "pdf"},
		{extraction.MIMEDOCX, "docx"},
		{extraction.MIMEPPTX, "pptx"},
	}
	for _, tt := range tests {
		e, ok := r.Extractor(tt.kind)
		require.True(t, ok, tt.kind)
		assert.Equal(t, tt.want, e.Name(), tt.kind)
	}

	_, ok := r.Extractor("image/png")
	assert.False(t, ok)
}

type stubProvider struct {
	closed bool
}

func (s *stubProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (s *stubProvider) Dimension() int                       { return 2 }
func (s *stubProvider) Model() string                        { return "stub" }
func (s *stubProvider) TestConnection(context.Context) error { return nil }
func (s *stubProvider) Close() error {
	s.closed = true
	return nil
}

func TestProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	r := New(zaptest.NewLogger(t))

	_, err := r.Provider(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, err, content.ErrConfiguration)

	opens := 0
	stub := &stubProvider{}
	require.NoError(t, r.RegisterProvider("stub", func(context.Context) (embeddings.Provider, error) {
		opens++
		return stub, nil
	}))
	require.NoError(t, r.RegisterProvider("broken", func(context.Context) (embeddings.Provider, error) {
		return nil, errors.New("no api key")
	}))
	assert.ErrorIs(t, r.RegisterProvider("stub", func(context.Context) (embeddings.Provider, error) { return nil, nil }), ErrDuplicate)
	assert.Error(t, r.RegisterProvider("nil", nil))

	assert.ErrorIs(t, r.Use("missing", ""), ErrNotRegistered)

	require.NoError(t, r.Use("stub", ""))
	p1, err := r.Provider(ctx)
	require.NoError(t, err)
	p2, err := r.Provider(ctx)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, opens, "opened once")

	require.NoError(t, r.Use("broken", ""))
	assert.True(t, stub.closed, "switching closes the previous provider")
	_, err = r.Provider(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no api key")

	provider, store := r.Active()
	assert.Equal(t, "broken", provider)
	assert.Empty(t, store)
}

func TestProvider_OpenDoesNotBlockLookups(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	require.NoError(t, r.RegisterChunker(chunking.Page{}))

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, r.RegisterProvider("slow", func(context.Context) (embeddings.Provider, error) {
		close(entered)
		<-release
		return &stubProvider{}, nil
	}))
	require.NoError(t, r.Use("slow", ""))

	opened := make(chan error, 1)
	go func() {
		_, err := r.Provider(context.Background())
		opened <- err
	}()
	<-entered

	looked := make(chan struct{})
	go func() {
		defer close(looked)
		_, _ = r.Chunker(chunking.StrategyPage)
		_, _ = r.Extractor("post")
		_, _ = r.Active()
	}()
	select {
	case <-looked:
	case <-time.After(2 * time.Second):
		t.Fatal("lookups blocked behind a provider open")
	}

	close(release)
	require.NoError(t, <-opened)
}

func TestProvider_ConcurrentOpensKeepOne(t *testing.T) {
	r := New(nil)

	var mu sync.Mutex
	var made []*stubProvider
	start := make(chan struct{})
	require.NoError(t, r.RegisterProvider("stub", func(context.Context) (embeddings.Provider, error) {
		<-start
		p := &stubProvider{}
		mu.Lock()
		made = append(made, p)
		mu.Unlock()
		return p, nil
	}))
	require.NoError(t, r.Use("stub", ""))

	const callers = 4
	got := make([]embeddings.Provider, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Provider(context.Background())
			assert.NoError(t, err)
			got[i] = p
		}(i)
	}
	close(start)
	wg.Wait()

	for _, p := range got[1:] {
		assert.Same(t, got[0], p)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, p := range made {
		assert.Equal(t, p != got[0], p.closed, "only the kept provider stays open")
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	r := New(nil)
	require.NoError(t, r.RegisterStore(vectorstore.ProviderSQLite, func(ctx context.Context) (vectorstore.Store, error) {
		return vectorstore.NewSQLiteStore(ctx, vectorstore.SQLiteConfig{}, nil)
	}))

	_, err := r.Store(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)

	require.NoError(t, r.Use("", vectorstore.ProviderSQLite))
	s, err := r.Store(ctx)
	require.NoError(t, err)
	require.NoError(t, s.TestConnection(ctx))
	require.NoError(t, r.Close())
}

func TestBuiltin(t *testing.T) {
	cfg := config.Default()
	cfg.Embedding.Provider = "ollama"
	cfg.VectorStore.Provider = "sqlite"
	cfg.VectorStore.SQLite.Path = ""

	r, err := Builtin(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	names := r.Names()
	assert.Equal(t, []string{"comment", "docx", "link", "pdf", "post", "pptx", "text"}, names.Extractors)
	assert.Equal(t, []string{"character", "page", "paragraph", "recursive", "sentence", "word"}, names.Chunkers)
	assert.Equal(t, []string{"fastembed", "ollama", "openai", "tei"}, names.Providers)
	assert.Equal(t, []string{"chromem", "qdrant", "qdrant-grpc", "sqlite"}, names.Stores)

	provider, store := r.Active()
	assert.Equal(t, "ollama", provider)
	assert.Equal(t, "sqlite", store)

	s, err := r.Store(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &vectorstore.SQLiteStore{}, s)
}

func TestBuiltin_UnknownBackendsAreUnselected(t *testing.T) {
	cfg := config.Default()
	cfg.Embedding.Provider = "cohere"
	cfg.VectorStore.Provider = "pinecone"

	r, err := Builtin(cfg, nil)
	require.NoError(t, err)

	_, err = r.Provider(context.Background())
	assert.ErrorIs(t, err, content.ErrConfiguration)
	_, err = r.Store(context.Background())
	assert.ErrorIs(t, err, content.ErrConfiguration)
}

func TestStoreConfig(t *testing.T) {
	cfg := config.Default()
	cfg.VectorStore.Qdrant.APIKey = "secret"
	cfg.VectorStore.Distance = "Dot"

	sc, err := StoreConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "secret", sc.Qdrant.APIKey)
	assert.Equal(t, "secret", sc.GRPC.APIKey)
	assert.Equal(t, "Dot", sc.Qdrant.Distance)
	assert.Equal(t, 6334, sc.GRPC.Port)

	cfg.VectorStore.Distance = "Manhattan"
	_, err = StoreConfig(cfg)
	assert.ErrorIs(t, err, content.ErrConfiguration)
}
