package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/indexd/internal/chunking"
	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/embeddings"
	"github.com/fyrsmithlabs/indexd/internal/extraction"
	"github.com/fyrsmithlabs/indexd/internal/metrics"
	"github.com/fyrsmithlabs/indexd/internal/queue"
	"github.com/fyrsmithlabs/indexd/internal/registry"
	"github.com/fyrsmithlabs/indexd/internal/scheduler"
	"github.com/fyrsmithlabs/indexd/internal/secrets"
	"github.com/fyrsmithlabs/indexd/internal/source"
	"github.com/fyrsmithlabs/indexd/internal/status"
	"github.com/fyrsmithlabs/indexd/internal/vectorstore"
)

// stubProvider returns a fixed-size vector per text and can be told to fail.
type stubProvider struct {
	mu      sync.Mutex
	calls   int
	texts   int
	fail    error
	onEmbed func()
}

func (p *stubProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.onEmbed != nil {
		p.onEmbed()
	}
	if p.fail != nil {
		return nil, p.fail
	}
	p.texts += len(texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0.5}
	}
	return out, nil
}

func (p *stubProvider) Dimension() int                       { return 3 }
func (p *stubProvider) Model() string                        { return "stub-embed" }
func (p *stubProvider) TestConnection(context.Context) error { return nil }
func (p *stubProvider) Close() error                         { return nil }

func (p *stubProvider) embedded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.texts
}

type retryCall struct {
	ref     content.Ref
	op      content.Operation
	attempt int
	msg     string
}

type fakeRetrier struct {
	calls []retryCall
}

func (f *fakeRetrier) QueueRetry(_ context.Context, ref content.Ref, op content.Operation, attempt int, msg string) (string, error) {
	f.calls = append(f.calls, retryCall{ref, op, attempt, msg})
	return fmt.Sprintf("retry-%d", attempt), nil
}

// outageStrategies serves the registry but can simulate a vector store that
// cannot be opened or that rejects deletes.
type outageStrategies struct {
	*registry.Registry
	openErr   error
	deleteErr error
}

func (s *outageStrategies) Store(ctx context.Context) (vectorstore.Store, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	st, err := s.Registry.Store(ctx)
	if err != nil || s.deleteErr == nil {
		return st, err
	}
	return rejectDeletes{Store: st, err: s.deleteErr}, nil
}

type rejectDeletes struct {
	vectorstore.Store
	err error
}

func (r rejectDeletes) DeleteByFilter(context.Context, string, content.Filter) (int, error) {
	return 0, r.err
}

type fixture struct {
	root     string
	reg      *registry.Registry
	backends *outageStrategies
	provider *stubProvider
	status   *status.Store
	sched    *scheduler.Memory
	retries  *fakeRetrier
	metrics  *metrics.Metrics
	worker   *Worker
	now      time.Time
}

type fixtureOption func(*fixtureSetup)

type fixtureSetup struct {
	noProvider bool
	redactor   Redactor
}

func withoutProvider() fixtureOption {
	return func(s *fixtureSetup) { s.noProvider = true }
}

func withRedactor(r Redactor) fixtureOption {
	return func(s *fixtureSetup) { s.redactor = r }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	setup := &fixtureSetup{}
	for _, opt := range opts {
		opt(setup)
	}
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	f := &fixture{
		root:     t.TempDir(),
		provider: &stubProvider{},
		retries:  &fakeRetrier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	f.reg = registry.New(logger)
	for _, e := range extraction.Builtin() {
		require.NoError(t, f.reg.RegisterExtractor(e))
	}
	for _, c := range chunking.Builtin() {
		require.NoError(t, f.reg.RegisterChunker(c))
	}
	require.NoError(t, f.reg.RegisterProvider("stub", func(context.Context) (embeddings.Provider, error) {
		return f.provider, nil
	}))
	require.NoError(t, f.reg.RegisterStore(vectorstore.ProviderSQLite, func(ctx context.Context) (vectorstore.Store, error) {
		return vectorstore.NewSQLiteStore(ctx, vectorstore.SQLiteConfig{}, logger)
	}))
	provider := "stub"
	if setup.noProvider {
		provider = ""
	}
	require.NoError(t, f.reg.Use(provider, vectorstore.ProviderSQLite))
	t.Cleanup(func() { _ = f.reg.Close() })
	f.backends = &outageStrategies{Registry: f.reg}

	var err error
	f.status, err = status.Open(ctx, "", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.status.Close() })

	f.sched = scheduler.NewMemory(scheduler.MemoryConfig{Workers: 1}, logger)
	t.Cleanup(func() { _ = f.sched.Stop(context.Background()) })

	src, err := source.NewFS(f.root)
	require.NoError(t, err)

	f.worker, err = New(Config{
		SiteID:     1,
		SiteURL:    "https://example.com",
		TimeBudget: 15 * time.Second,
		ContentTypes: map[string]config.ContentTypeConfig{
			"post": {Enabled: true, ChunkingStrategy: chunking.StrategyWord, ChunkingSettings: config.ChunkingSettings{ChunkSize: 2}},
			"page": {Enabled: false, ChunkingStrategy: chunking.StrategyParagraph},
		},
	}, Deps{
		Strategies: f.backends,
		Source:     src,
		Status:     f.status,
		Scheduler:  f.sched,
		Retries:    f.retries,
		Redactor:   setup.redactor,
		Metrics:    f.metrics,
		Logger:     logger,
	}, WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	return f
}

func (f *fixture) writePost(t *testing.T, id int64, body string) {
	t.Helper()
	path := filepath.Join(f.root, "post", fmt.Sprintf("%d.json", id))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	manifest := fmt.Sprintf(`{"title":"Post %d","body":%q,"url":"https://example.com/p/%d"}`, id, body, id)
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o600))
}

func (f *fixture) process(t *testing.T, ref content.Ref, op content.Operation) {
	t.Helper()
	require.NoError(t, f.worker.Process(context.Background(), queue.Job(1, ref, op)))
}

func (f *fixture) store(t *testing.T) vectorstore.Store {
	t.Helper()
	s, err := f.reg.Store(context.Background())
	require.NoError(t, err)
	return s
}

func (f *fixture) record(t *testing.T, ref content.Ref) *content.StatusRecord {
	t.Helper()
	rec, err := f.status.Get(context.Background(), ref)
	require.NoError(t, err)
	return rec
}

func (f *fixture) points(t *testing.T, ref content.Ref) []content.ScoredPoint {
	t.Helper()
	pts, err := f.store(t).Query(context.Background(), f.worker.Collection(), []float32{1, 1, 1}, 100, content.RefFilter(ref))
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return nil
	}
	require.NoError(t, err)
	return pts
}

const sevenWords = "one two three four five six seven"

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestProcess_IndexesNewContent(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 7, Type: "post"}
	f.writePost(t, 7, sevenWords)

	f.process(t, ref, content.OpUpdate)

	rec := f.record(t, ref)
	assert.Equal(t, content.StatusIndexed, rec.Status)
	assert.Equal(t, 4, rec.ChunkCount)
	assert.Equal(t, "stub-embed", rec.EmbeddingModel)
	assert.Equal(t, 3, rec.EmbeddingDimensions)
	assert.Equal(t, chunking.StrategyWord, rec.ChunkingStrategy)
	assert.Equal(t, 2, rec.ChunkingSettings.ChunkSize)
	assert.NotEmpty(t, rec.ContentHash)
	require.NotNil(t, rec.LastIndexedAt)
	assert.True(t, rec.LastIndexedAt.Equal(f.now))
	assert.Empty(t, rec.ErrorMessage)

	highest, found, err := f.store(t).MaxChunkIndex(context.Background(), f.worker.Collection(), content.RefFilter(ref))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, highest)

	pts := f.points(t, ref)
	require.Len(t, pts, 4)
	texts := make(map[int]string)
	for _, p := range pts {
		assert.Equal(t, vectorstore.PointID(ref, p.Payload.ChunkIndex), p.ID)
		assert.Equal(t, "https://example.com/p/7", p.Payload.Metadata["source_url"])
		texts[p.Payload.ChunkIndex] = p.Payload.ChunkText
	}
	assert.Equal(t, map[int]string{0: "one two", 1: "three four", 2: "five six", 3: "seven"}, texts)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("update", metrics.OutcomeIndexed)))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.ChunksEmbeddedTotal))
}

func TestProcess_UnchangedContentIsSkipped(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 7, Type: "post"}
	f.writePost(t, 7, sevenWords)

	f.process(t, ref, content.OpUpdate)
	require.Equal(t, 4, f.provider.embedded())

	f.process(t, ref, content.OpUpdate)
	assert.Equal(t, 4, f.provider.embedded(), "no embedding for an unchanged item")
	assert.Equal(t, content.StatusIndexed, f.record(t, ref).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("update", metrics.OutcomeUnchanged)))
}

func TestProcess_ChangedContentReplacesVectors(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 7, Type: "post"}
	f.writePost(t, 7, sevenWords)
	f.process(t, ref, content.OpUpdate)
	first := f.record(t, ref).ContentHash

	f.writePost(t, 7, "alpha beta gamma")
	f.process(t, ref, content.OpUpdate)

	rec := f.record(t, ref)
	assert.Equal(t, content.StatusIndexed, rec.Status)
	assert.NotEqual(t, first, rec.ContentHash)
	assert.Equal(t, 2, rec.ChunkCount)

	pts := f.points(t, ref)
	require.Len(t, pts, 2, "vectors of the previous hash are gone")
	for _, p := range pts {
		assert.NotContains(t, p.Payload.ChunkText, "seven")
	}
}

func TestProcess_TimeBudgetResumesFromCursor(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 9, Type: "post"}
	f.writePost(t, 9, sevenWords)
	f.provider.onEmbed = func() { f.now = f.now.Add(20 * time.Second) }

	f.process(t, ref, content.OpUpdate)

	rec := f.record(t, ref)
	assert.Equal(t, content.StatusProcessing, rec.Status, "not indexed before every chunk is stored")
	assert.Equal(t, 3, f.provider.embedded(), "one batch of three")
	assert.Equal(t, 1, f.sched.Pending(), "job re-submitted")
	has, err := f.sched.HasScheduled(context.Background(), queue.Job(1, ref, content.OpUpdate), scheduler.IndexGroup(1))
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("update", metrics.OutcomeContinued)))

	f.process(t, ref, content.OpUpdate)

	rec = f.record(t, ref)
	assert.Equal(t, content.StatusIndexed, rec.Status)
	assert.Equal(t, 4, rec.ChunkCount)
	assert.Equal(t, 4, f.provider.embedded(), "the resumed run embeds only the remaining chunk")
	assert.Len(t, f.points(t, ref), 4)
}

func TestProcess_ResumeWithEverythingStoredFinalises(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 9, Type: "post"}
	f.writePost(t, 9, "one two")
	f.process(t, ref, content.OpUpdate)

	// An interrupted run that stored every chunk but never finalised.
	rec := f.record(t, ref)
	require.NoError(t, f.status.Set(context.Background(), ref, content.StatusProcessing, status.Update{}))
	before := f.provider.embedded()

	f.process(t, ref, content.OpUpdate)

	assert.Equal(t, before, f.provider.embedded())
	after := f.record(t, ref)
	assert.Equal(t, content.StatusIndexed, after.Status)
	assert.Equal(t, rec.ContentHash, after.ContentHash)
	assert.Equal(t, 1, after.ChunkCount)
}

func TestProcess_RetryEscalation(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 11, Type: "post"}
	f.writePost(t, 11, sevenWords)
	f.provider.fail = fmt.Errorf("%w: connection refused", content.ErrProvider)

	for attempt := 1; attempt <= 3; attempt++ {
		f.process(t, ref, content.OpUpdate)
		rec := f.record(t, ref)
		assert.Equal(t, content.StatusFailed, rec.Status)
		assert.Equal(t, attempt, rec.RetryCount)
		assert.Contains(t, rec.ErrorMessage, "connection refused")
		require.Len(t, f.retries.calls, attempt)
		assert.Equal(t, attempt, f.retries.calls[attempt-1].attempt)
		assert.Equal(t, ref, f.retries.calls[attempt-1].ref)
	}

	f.process(t, ref, content.OpUpdate)
	rec := f.record(t, ref)
	assert.Equal(t, content.StatusFailed, rec.Status)
	assert.Equal(t, 4, rec.RetryCount)
	assert.True(t, strings.HasPrefix(rec.ErrorMessage, "Failed after 4 attempts: "), rec.ErrorMessage)
	assert.Len(t, f.retries.calls, 3, "no retry after the last attempt")
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("update", metrics.OutcomeRetry)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("update", metrics.OutcomeFailed)))
}

func TestProcess_SuccessResetsRetryCount(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 12, Type: "post"}
	f.writePost(t, 12, sevenWords)
	f.provider.fail = fmt.Errorf("%w: timeout", content.ErrProvider)
	f.process(t, ref, content.OpUpdate)
	require.Equal(t, 1, f.record(t, ref).RetryCount)

	f.provider.fail = nil
	f.process(t, ref, content.OpUpdate)

	rec := f.record(t, ref)
	assert.Equal(t, content.StatusIndexed, rec.Status)
	assert.Zero(t, rec.RetryCount)
	assert.Empty(t, rec.ErrorMessage)
}

func TestProcess_ConfigurationErrorIsTerminal(t *testing.T) {
	f := newFixture(t, withoutProvider())
	ref := content.Ref{ID: 13, Type: "post"}
	f.writePost(t, 13, sevenWords)

	f.process(t, ref, content.OpUpdate)

	rec := f.record(t, ref)
	assert.Equal(t, content.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "no active backend")
	assert.Zero(t, rec.RetryCount)
	assert.Empty(t, f.retries.calls)
}

func TestProcess_Delete(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 7, Type: "post"}
	other := content.Ref{ID: 8, Type: "post"}
	f.writePost(t, 7, sevenWords)
	f.writePost(t, 8, "alpha beta")
	f.process(t, ref, content.OpUpdate)
	f.process(t, other, content.OpUpdate)

	f.process(t, ref, content.OpDelete)

	_, found, err := f.store(t).MaxChunkIndex(context.Background(), f.worker.Collection(), content.RefFilter(ref))
	require.NoError(t, err)
	assert.False(t, found)
	_, err = f.status.Get(context.Background(), ref)
	assert.ErrorIs(t, err, status.ErrNotFound)

	assert.Len(t, f.points(t, other), 1, "other items are untouched")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("delete", metrics.OutcomeDeleted)))
}

func TestProcess_DeleteWithStoreDownIsRetried(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 7, Type: "post"}
	f.writePost(t, 7, sevenWords)
	f.process(t, ref, content.OpUpdate)
	require.Len(t, f.points(t, ref), 4)

	f.backends.openErr = fmt.Errorf("opening vector store qdrant: %w: qdrant unreachable", content.ErrStore)
	f.process(t, ref, content.OpDelete)

	rec := f.record(t, ref)
	assert.Equal(t, content.StatusFailed, rec.Status, "the record keeps tracking the vectors")
	assert.Equal(t, 1, rec.RetryCount)
	assert.Contains(t, rec.ErrorMessage, "qdrant unreachable")
	assert.Len(t, f.points(t, ref), 4)
	require.Len(t, f.retries.calls, 1)
	assert.Equal(t, content.OpDelete, f.retries.calls[0].op)
	assert.Equal(t, 1, f.retries.calls[0].attempt)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("delete", metrics.OutcomeRetry)))

	f.backends.openErr = nil
	f.process(t, ref, content.OpDelete)

	assert.Empty(t, f.points(t, ref))
	_, err := f.status.Get(context.Background(), ref)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestProcess_DeleteRejectedByStore(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 9, Type: "post"}
	f.writePost(t, 9, sevenWords)
	f.process(t, ref, content.OpUpdate)

	f.backends.deleteErr = fmt.Errorf("%w: points/delete returned 500", content.ErrStore)
	f.process(t, ref, content.OpDelete)

	rec := f.record(t, ref)
	assert.Equal(t, content.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "points/delete returned 500")
	assert.Len(t, f.points(t, ref), 4)
	require.Len(t, f.retries.calls, 1)
	assert.Equal(t, content.OpDelete, f.retries.calls[0].op)
}

func TestProcess_DeleteWithoutConfiguredStore(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 10, Type: "post"}
	f.writePost(t, 10, sevenWords)
	f.process(t, ref, content.OpUpdate)

	f.backends.openErr = fmt.Errorf("vector store: %w", registry.ErrNotConfigured)
	f.process(t, ref, content.OpDelete)

	_, err := f.status.Get(context.Background(), ref)
	assert.ErrorIs(t, err, status.ErrNotFound)
	assert.Empty(t, f.retries.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("delete", metrics.OutcomeDeleted)))
}

func TestProcess_UpdateOfRemovedContentDeletes(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 14, Type: "post"}
	f.writePost(t, 14, sevenWords)
	f.process(t, ref, content.OpUpdate)
	require.NotEmpty(t, f.points(t, ref))

	require.NoError(t, os.Remove(filepath.Join(f.root, "post", "14.json")))
	f.process(t, ref, content.OpUpdate)

	assert.Empty(t, f.points(t, ref))
	_, err := f.status.Get(context.Background(), ref)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestProcess_DeleteUnknownItem(t *testing.T) {
	f := newFixture(t)
	f.process(t, content.Ref{ID: 404, Type: "post"}, content.OpDelete)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("delete", metrics.OutcomeDeleted)))
}

func TestProcess_Skips(t *testing.T) {
	f := newFixture(t)

	t.Run("missing source", func(t *testing.T) {
		ref := content.Ref{ID: 99, Type: "post"}
		f.process(t, ref, content.OpUpdate)
		_, err := f.status.Get(context.Background(), ref)
		assert.ErrorIs(t, err, status.ErrNotFound)
	})

	t.Run("disabled content type", func(t *testing.T) {
		path := filepath.Join(f.root, "page", "5.json")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(`{"body":"About us"}`), 0o600))

		ref := content.Ref{ID: 5, Type: "page"}
		f.process(t, ref, content.OpUpdate)
		_, err := f.status.Get(context.Background(), ref)
		assert.ErrorIs(t, err, status.ErrNotFound)
	})

	t.Run("no extractor", func(t *testing.T) {
		path := filepath.Join(f.root, "event", "1.json")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(`{"body":"Launch party"}`), 0o600))

		ref := content.Ref{ID: 1, Type: "event"}
		f.process(t, ref, content.OpUpdate)
		_, err := f.status.Get(context.Background(), ref)
		assert.ErrorIs(t, err, status.ErrNotFound)
	})

	t.Run("empty body", func(t *testing.T) {
		f.writePost(t, 50, "   ")
		ref := content.Ref{ID: 50, Type: "post"}
		f.process(t, ref, content.OpUpdate)
		_, err := f.status.Get(context.Background(), ref)
		assert.ErrorIs(t, err, status.ErrNotFound)
	})

	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("update", metrics.OutcomeSkipped)))
	assert.Zero(t, f.provider.embedded())
}

func TestProcess_InvalidJobsAreDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.NoError(t, f.worker.Process(ctx, scheduler.Job{Name: scheduler.JobIndexItem}))
	assert.NoError(t, f.worker.Process(ctx, scheduler.Job{
		Name: scheduler.JobIndexItem,
		Args: scheduler.Args{SiteID: 1, ContentID: 1, ContentType: "post", Operation: "upsert"},
	}))
	assert.Zero(t, f.provider.embedded())
}

type upperRedactor struct{}

func (upperRedactor) Redact(text string) (string, []secrets.Finding) {
	if !strings.Contains(text, "hunter2") {
		return text, nil
	}
	return strings.ReplaceAll(text, "hunter2", "[REDACTED:password]"), []secrets.Finding{{RuleID: "password"}}
}

func TestProcess_RedactsChunks(t *testing.T) {
	f := newFixture(t, withRedactor(upperRedactor{}))
	ref := content.Ref{ID: 21, Type: "post"}
	f.writePost(t, 21, "password hunter2")

	f.process(t, ref, content.OpUpdate)

	pts := f.points(t, ref)
	require.Len(t, pts, 1)
	assert.Equal(t, "password [REDACTED:password]", pts[0].Payload.ChunkText)
}

func TestProcess_DispatchedByScheduler(t *testing.T) {
	f := newFixture(t)
	ref := content.Ref{ID: 30, Type: "post"}
	f.writePost(t, 30, "alpha beta")

	require.NoError(t, f.sched.Dispatch(context.Background(), queue.Job(1, ref, content.OpUpdate)))
	assert.Equal(t, content.StatusIndexed, f.record(t, ref).Status)
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Site.URL = "https://blog.example.org"

	c := ConfigFrom(cfg)
	assert.Equal(t, 1, c.SiteID)
	assert.Equal(t, "https://blog.example.org", c.SiteURL)
	assert.Equal(t, 3, c.BatchSize)
	assert.Equal(t, 15*time.Second, c.TimeBudget)
	assert.Equal(t, 4, c.MaxAttempts)
	assert.Contains(t, c.ContentTypes, "post")
}

func TestRefLocks(t *testing.T) {
	l := newRefLocks()

	unlock := l.lock("post:1")
	acquired := make(chan struct{})
	go func() {
		u := l.lock("post:1")
		close(acquired)
		u()
	}()

	other := l.lock("post:2")
	other()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Eventually(t, func() bool { return l.len() == 0 }, time.Second, 5*time.Millisecond)
}
