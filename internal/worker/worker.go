// Package worker executes index jobs: it extracts, fingerprints, chunks,
// embeds and stores one content item, resuming from the stored chunk
// cursor and escalating failures to the retry manager.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/chunking"
	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/embeddings"
	"github.com/fyrsmithlabs/indexd/internal/extraction"
	"github.com/fyrsmithlabs/indexd/internal/hasher"
	"github.com/fyrsmithlabs/indexd/internal/logging"
	"github.com/fyrsmithlabs/indexd/internal/metrics"
	"github.com/fyrsmithlabs/indexd/internal/scheduler"
	"github.com/fyrsmithlabs/indexd/internal/secrets"
	"github.com/fyrsmithlabs/indexd/internal/source"
	"github.com/fyrsmithlabs/indexd/internal/status"
	"github.com/fyrsmithlabs/indexd/internal/vectorstore"
)

// Defaults applied to zero Config fields.
const (
	DefaultBatchSize   = 3
	DefaultTimeBudget  = 15 * time.Second
	DefaultMaxAttempts = 4

	defaultStrategy  = chunking.StrategyParagraph
	defaultChunkSize = 3

	// minHardDeadline bounds a single run even when the budget is tiny.
	minHardDeadline = time.Minute
)

// Config tunes job execution for one site.
type Config struct {
	SiteID       int
	SiteURL      string
	BatchSize    int
	TimeBudget   time.Duration
	MaxAttempts  int
	ContentTypes map[string]config.ContentTypeConfig
}

// ConfigFrom extracts the worker settings from the service config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SiteID:       cfg.Site.ID,
		SiteURL:      cfg.Site.URL,
		BatchSize:    cfg.Worker.BatchSize,
		TimeBudget:   cfg.Worker.TimeBudget.Duration(),
		MaxAttempts:  cfg.Worker.MaxAttempts,
		ContentTypes: cfg.ContentTypes,
	}
}

// Strategies resolves the pluggable pipeline stages. Implemented by
// registry.Registry.
type Strategies interface {
	Extractor(kind string) (extraction.Extractor, bool)
	Chunker(name string) (chunking.Chunker, bool)
	Provider(ctx context.Context) (embeddings.Provider, error)
	Store(ctx context.Context) (vectorstore.Store, error)
}

// StatusStore is the part of status.Store the worker uses.
type StatusStore interface {
	Get(ctx context.Context, ref content.Ref) (*content.StatusRecord, error)
	Set(ctx context.Context, ref content.Ref, to content.Status, u status.Update) error
	Delete(ctx context.Context, ref content.Ref) error
}

// Retrier schedules delayed re-attempts. Implemented by retry.Manager.
type Retrier interface {
	QueueRetry(ctx context.Context, ref content.Ref, op content.Operation, attempt int, errMsg string) (string, error)
}

// Redactor scrubs secrets from chunk text. Implemented by secrets.Redactor.
type Redactor interface {
	Redact(text string) (string, []secrets.Finding)
}

// Deps are the collaborators of a Worker.
type Deps struct {
	Strategies Strategies
	Source     source.Source
	Status     StatusStore
	Scheduler  scheduler.Scheduler
	Retries    Retrier
	Redactor   Redactor
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Worker runs index jobs for one site.
type Worker struct {
	cfg        Config
	collection string

	strategies Strategies
	source     source.Source
	status     StatusStore
	sched      scheduler.Scheduler
	retries    Retrier
	redactor   Redactor
	metrics    *metrics.Metrics

	locks  *refLocks
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock overrides the time source of the time budget and timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New creates a worker and registers it as the index_item handler of
// deps.Scheduler.
func New(cfg Config, deps Deps, opts ...Option) (*Worker, error) {
	if deps.Strategies == nil || deps.Source == nil || deps.Status == nil || deps.Scheduler == nil || deps.Retries == nil {
		return nil, errors.New("worker: strategies, source, status, scheduler and retries are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.TimeBudget <= 0 {
		cfg.TimeBudget = DefaultTimeBudget
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Worker{
		cfg:        cfg,
		collection: vectorstore.CollectionName(cfg.SiteID, cfg.SiteURL),
		strategies: deps.Strategies,
		source:     deps.Source,
		status:     deps.Status,
		sched:      deps.Scheduler,
		retries:    deps.Retries,
		redactor:   deps.Redactor,
		metrics:    deps.Metrics,
		locks:      newRefLocks(),
		now:        time.Now,
		logger:     logger.Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sched.Handle(scheduler.JobIndexItem, w.Process)
	return w, nil
}

// Collection is the vector collection of the worker's site.
func (w *Worker) Collection() string { return w.collection }

// Process runs one index_item job. Indexing failures are recorded in the
// status store and handed to the retry manager, not returned; the error
// result only reports that the outcome could not be recorded.
func (w *Worker) Process(ctx context.Context, job scheduler.Job) error {
	ref := content.Ref{ID: job.Args.ContentID, Type: job.Args.ContentType}
	if err := ref.Validate(); err != nil {
		w.logger.Warn("dropping job with invalid content ref", zap.String("job", job.Key()), zap.Error(err))
		return nil
	}
	op, err := content.ParseOperation(job.Args.Operation)
	if err != nil {
		w.logger.Warn("dropping job with invalid operation", zap.String("job", job.Key()), zap.Error(err))
		return nil
	}

	unlock := w.locks.lock(ref.String())
	defer unlock()

	ctx = logging.WithContent(ctx, ref.Type, strconv.FormatInt(ref.ID, 10))
	started := w.now()
	w.logger.Info("processing job", zap.Stringer("content", ref), zap.String("operation", string(op)))

	var outcome string
	if op == content.OpDelete {
		outcome, err = w.remove(ctx, ref)
	} else {
		outcome, err = w.update(ctx, ref, job, started)
	}
	w.metrics.RecordJob(string(op), outcome, w.now().Sub(started))
	return err
}

// remove deletes the vectors and the status record of ref. The record is
// held in processing meanwhile, so a failed delete stays visible and is
// retried like a failed update. Without a configured store only the
// record is removed.
func (w *Worker) remove(ctx context.Context, ref content.Ref) (string, error) {
	retries, err := w.retryCount(ctx, ref)
	if err != nil {
		return metrics.OutcomeFailed, err
	}

	store, err := w.strategies.Store(ctx)
	switch {
	case errors.Is(err, content.ErrConfiguration):
		w.logger.Warn("no vector store configured, removing status only", zap.Stringer("content", ref), zap.Error(err))
	case err != nil:
		return w.failDelete(ctx, ref, retries, fmt.Errorf("%w: %w", content.ErrStore, err))
	default:
		if err := w.status.Set(ctx, ref, content.StatusProcessing, status.Update{}); err != nil {
			return metrics.OutcomeFailed, fmt.Errorf("marking %s processing: %w", ref, err)
		}
		n, err := store.DeleteByFilter(ctx, w.collection, content.RefFilter(ref))
		if err != nil {
			return w.failDelete(ctx, ref, retries, fmt.Errorf("deleting vectors of %s: %w", ref, err))
		}
		w.logger.Info("vectors deleted", zap.Stringer("content", ref), zap.Int("count", n))
	}

	if err := w.status.Delete(ctx, ref); err != nil {
		return metrics.OutcomeFailed, err
	}
	return metrics.OutcomeDeleted, nil
}

// failDelete records a failed delete. The record passes through processing
// first, since failed is only reachable from there.
func (w *Worker) failDelete(ctx context.Context, ref content.Ref, retries int, cause error) (string, error) {
	ctx = context.WithoutCancel(ctx)
	if err := w.status.Set(ctx, ref, content.StatusProcessing, status.Update{}); err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("marking %s processing: %w", ref, err)
	}
	return w.fail(ctx, ref, content.OpDelete, retries, cause)
}

// retryCount returns the attempts already recorded for ref, zero when it
// is untracked.
func (w *Worker) retryCount(ctx context.Context, ref content.Ref) (int, error) {
	rec, err := w.status.Get(ctx, ref)
	if errors.Is(err, status.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading status of %s: %w", ref, err)
	}
	return rec.RetryCount, nil
}

// chunking returns the strategy and settings configured for contentType.
func (w *Worker) chunking(contentType string) (string, content.ChunkingSettings) {
	ct, ok := w.cfg.ContentTypes[contentType]
	if !ok || ct.ChunkingStrategy == "" {
		return defaultStrategy, content.ChunkingSettings{ChunkSize: defaultChunkSize}
	}
	return ct.ChunkingStrategy, content.ChunkingSettings{
		ChunkSize: ct.ChunkingSettings.ChunkSize,
		Overlap:   ct.ChunkingSettings.Overlap,
	}
}

// run is the state of one update job.
type run struct {
	ref      content.Ref
	job      scheduler.Job
	doc      *content.Document
	segments []content.Segment
	resuming bool
	strategy string
	settings content.ChunkingSettings
	started  time.Time
}

func (w *Worker) update(ctx context.Context, ref content.Ref, job scheduler.Job, started time.Time) (string, error) {
	if ct, ok := w.cfg.ContentTypes[ref.Type]; ok && !ct.Enabled {
		w.logger.Info("content type disabled, skipping", zap.Stringer("content", ref))
		return metrics.OutcomeSkipped, nil
	}

	doc, err := w.source.Load(ctx, ref)
	if errors.Is(err, source.ErrNotFound) {
		if _, gerr := w.status.Get(ctx, ref); gerr == nil {
			w.logger.Info("content gone from source, removing", zap.Stringer("content", ref))
			return w.remove(ctx, ref)
		}
	}
	if err != nil {
		w.logger.Warn("content not loadable, skipping", zap.Stringer("content", ref), zap.Error(err))
		return metrics.OutcomeSkipped, nil
	}

	kind := ref.Type
	if doc.Path != "" && doc.MIME != "" {
		kind = doc.MIME
	}
	ex, ok := w.strategies.Extractor(kind)
	if !ok {
		w.logger.Info("no extractor found", zap.Stringer("content", ref), zap.String("kind", kind))
		return metrics.OutcomeSkipped, nil
	}
	segments := ex.Extract(ctx, doc)
	if len(segments) == 0 {
		w.logger.Info("no content extracted", zap.Stringer("content", ref), zap.String("extractor", ex.Name()))
		return metrics.OutcomeSkipped, nil
	}

	hash := hasher.Hash(segments)
	rec, err := w.status.Get(ctx, ref)
	if errors.Is(err, status.ErrNotFound) {
		rec = nil
	} else if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("reading status of %s: %w", ref, err)
	}

	if rec != nil && rec.ContentHash == hash && rec.Status == content.StatusIndexed {
		w.logger.Info("content unchanged and already indexed", zap.Stringer("content", ref))
		return metrics.OutcomeUnchanged, nil
	}

	r := &run{
		ref:      ref,
		job:      job,
		doc:      doc,
		segments: segments,
		resuming: rec != nil && rec.ContentHash == hash && rec.Status == content.StatusProcessing,
		started:  started,
	}
	r.strategy, r.settings = w.chunking(ref.Type)

	if r.resuming {
		w.logger.Info("resuming processing", zap.Stringer("content", ref))
	} else {
		err := w.status.Set(ctx, ref, content.StatusProcessing, status.Update{
			ContentHash:      hash,
			ChunkingStrategy: r.strategy,
			ChunkingSettings: &r.settings,
		})
		if err != nil {
			return metrics.OutcomeFailed, fmt.Errorf("marking %s processing: %w", ref, err)
		}
	}

	hard := max(4*w.cfg.TimeBudget, minHardDeadline)
	runCtx, cancel := context.WithTimeout(ctx, hard)
	defer cancel()

	outcome, err := w.index(runCtx, r)
	if err != nil {
		retries := 0
		if rec != nil {
			retries = rec.RetryCount
		}
		return w.fail(context.WithoutCancel(ctx), ref, content.OpUpdate, retries, err)
	}
	return outcome, nil
}

// index embeds and stores the chunks of r from the resume cursor on.
func (w *Worker) index(ctx context.Context, r *run) (string, error) {
	store, err := w.strategies.Store(ctx)
	if err != nil {
		return "", err
	}
	provider, err := w.strategies.Provider(ctx)
	if err != nil {
		return "", err
	}

	filter := content.RefFilter(r.ref)
	if !r.resuming {
		n, err := store.DeleteByFilter(ctx, w.collection, filter)
		if err != nil {
			return "", fmt.Errorf("clearing stale vectors: %w", err)
		}
		if n > 0 {
			w.logger.Debug("stale vectors cleared", zap.Stringer("content", r.ref), zap.Int("count", n))
		}
	}

	chunks := w.chunk(r)
	total := len(chunks)

	start := 0
	highest, found, err := store.MaxChunkIndex(ctx, w.collection, filter)
	if err != nil {
		return "", fmt.Errorf("reading chunk cursor: %w", err)
	}
	if found {
		start = highest + 1
	}
	if start >= total {
		w.logger.Info("all chunks already embedded", zap.Stringer("content", r.ref), zap.Int("chunks", total))
		return w.finish(ctx, r.ref, provider, total)
	}

	if dims := provider.Dimension(); dims > 0 {
		if err := store.CreateCollection(ctx, w.collection, dims); err != nil {
			return "", fmt.Errorf("ensuring collection: %w", err)
		}
	}

	w.logger.Info("embedding chunks",
		zap.Stringer("content", r.ref),
		zap.Int("from", start),
		zap.Int("total", total),
		zap.String("strategy", r.strategy),
	)
	for i := start; i < total; i += w.cfg.BatchSize {
		if i > start && w.now().Sub(r.started) > w.cfg.TimeBudget {
			return w.continueLater(ctx, r, i)
		}

		batch := chunks[i:min(i+w.cfg.BatchSize, total)]
		if err := w.storeBatch(ctx, store, provider, r.ref, batch); err != nil {
			return "", err
		}
	}
	return w.finish(ctx, r.ref, provider, total)
}

func (w *Worker) chunk(r *run) []content.Chunk {
	chunker, ok := w.strategies.Chunker(r.strategy)
	if !ok {
		w.logger.Warn("unknown chunking strategy, using page", zap.String("strategy", r.strategy))
		if chunker == nil {
			chunker = chunking.Page{}
		}
	}

	global := map[string]any{
		"content_id":   r.ref.ID,
		"content_type": r.ref.Type,
	}
	if r.doc.URL != "" {
		global["source_url"] = r.doc.URL
	}
	chunks := chunker.Chunk(r.segments, r.settings, global)

	if w.redactor != nil {
		redacted := 0
		for i := range chunks {
			text, findings := w.redactor.Redact(chunks[i].Content)
			if len(findings) > 0 {
				chunks[i].Content = text
				redacted += len(findings)
			}
		}
		if redacted > 0 {
			w.logger.Info("secrets redacted from chunks", zap.Stringer("content", r.ref), zap.Int("findings", redacted))
		}
	}
	return chunks
}

func (w *Worker) storeBatch(ctx context.Context, store vectorstore.Store, provider embeddings.Provider, ref content.Ref, batch []content.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}

	began := w.now()
	vectors, err := provider.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding batch: %w", err)
	}
	w.metrics.RecordBatch(len(batch), w.now().Sub(began))

	records := make([]content.VectorRecord, len(batch))
	for i, c := range batch {
		records[i] = content.VectorRecord{
			ID:     vectorstore.PointID(ref, c.Index),
			Vector: vectors[i],
			Payload: content.Payload{
				ContentID:   ref.ID,
				ContentType: ref.Type,
				ChunkIndex:  c.Index,
				ChunkText:   c.Content,
				Metadata:    c.Metadata,
			},
		}
	}
	if _, err := store.Insert(ctx, w.collection, records); err != nil {
		return fmt.Errorf("storing batch: %w", err)
	}
	w.logger.Debug("batch stored",
		zap.Stringer("content", ref),
		zap.Int("last_index", batch[len(batch)-1].Index),
	)
	return nil
}

// continueLater re-submits the job once the time budget is spent. The
// next run resumes at the stored cursor.
func (w *Worker) continueLater(ctx context.Context, r *run, next int) (string, error) {
	id, err := w.sched.EnqueueAsync(context.WithoutCancel(ctx), r.job, scheduler.IndexGroup(w.cfg.SiteID))
	if err != nil {
		return "", fmt.Errorf("re-submitting job: %w", err)
	}
	w.logger.Info("time budget reached, job re-submitted",
		zap.Stringer("content", r.ref),
		zap.Int("next_index", next),
		zap.String("job_id", id),
	)
	return metrics.OutcomeContinued, nil
}

func (w *Worker) finish(ctx context.Context, ref content.Ref, provider embeddings.Provider, total int) (string, error) {
	err := w.status.Set(ctx, ref, content.StatusIndexed, status.Update{
		EmbeddingModel:      provider.Model(),
		EmbeddingDimensions: provider.Dimension(),
		ChunkCount:          status.Ptr(total),
		LastIndexedAt:       status.Ptr(w.now().UTC()),
		ErrorMessage:        status.Ptr(""),
		RetryCount:          status.Ptr(0),
	})
	if err != nil {
		return "", fmt.Errorf("marking indexed: %w", err)
	}
	w.logger.Info("content indexed", zap.Stringer("content", ref), zap.Int("chunks", total))
	return metrics.OutcomeIndexed, nil
}

// fail records err and decides between a delayed retry of op and giving
// up. Configuration and extraction errors never retry.
func (w *Worker) fail(ctx context.Context, ref content.Ref, op content.Operation, retries int, cause error) (string, error) {
	msg := cause.Error()

	if !content.IsRetryable(cause) {
		w.logger.Error("indexing failed permanently", zap.Stringer("content", ref), zap.Error(cause))
		if err := w.status.Set(ctx, ref, content.StatusFailed, status.Update{ErrorMessage: &msg}); err != nil {
			return metrics.OutcomeFailed, fmt.Errorf("marking %s failed: %w", ref, err)
		}
		return metrics.OutcomeFailed, nil
	}

	attempt := retries + 1
	if attempt >= w.cfg.MaxAttempts {
		final := fmt.Sprintf("Failed after %d attempts: %s", w.cfg.MaxAttempts, msg)
		w.logger.Error("giving up", zap.Stringer("content", ref), zap.Int("attempts", w.cfg.MaxAttempts), zap.Error(cause))
		err := w.status.Set(ctx, ref, content.StatusFailed, status.Update{
			ErrorMessage: &final,
			RetryCount:   status.Ptr(w.cfg.MaxAttempts),
		})
		if err != nil {
			return metrics.OutcomeFailed, fmt.Errorf("marking %s failed: %w", ref, err)
		}
		return metrics.OutcomeFailed, nil
	}

	w.logger.Warn("indexing failed, retry queued",
		zap.Stringer("content", ref),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", w.cfg.MaxAttempts),
		zap.Error(cause),
	)
	err := w.status.Set(ctx, ref, content.StatusFailed, status.Update{
		ErrorMessage: &msg,
		RetryCount:   &attempt,
	})
	if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("marking %s failed: %w", ref, err)
	}
	if _, err := w.retries.QueueRetry(ctx, ref, op, attempt, msg); err != nil {
		w.logger.Error("scheduling retry failed", zap.Stringer("content", ref), zap.Error(err))
	}
	return metrics.OutcomeRetry, nil
}
