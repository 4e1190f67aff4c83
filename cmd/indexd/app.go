package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
	"go.temporal.io/sdk/client"
	temporalworker "go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/logging"
	"github.com/fyrsmithlabs/indexd/internal/metrics"
	"github.com/fyrsmithlabs/indexd/internal/queue"
	"github.com/fyrsmithlabs/indexd/internal/registry"
	"github.com/fyrsmithlabs/indexd/internal/retry"
	"github.com/fyrsmithlabs/indexd/internal/scheduler"
	"github.com/fyrsmithlabs/indexd/internal/search"
	"github.com/fyrsmithlabs/indexd/internal/secrets"
	"github.com/fyrsmithlabs/indexd/internal/source"
	"github.com/fyrsmithlabs/indexd/internal/status"
	"github.com/fyrsmithlabs/indexd/internal/telemetry"
	"github.com/fyrsmithlabs/indexd/internal/trigger"
	"github.com/fyrsmithlabs/indexd/internal/worker"
	"github.com/fyrsmithlabs/indexd/internal/workflows"
)

// app holds every long-lived component of the daemon.
type app struct {
	cfg       *config.Config
	log       *logging.Logger
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	metrics   *metrics.Metrics

	registry *registry.Registry
	status   *status.Store
	source   *source.FS
	sched    scheduler.Scheduler
	queue    *queue.Queue
	retries  *retry.Manager
	worker   *worker.Worker
	search   *search.Searcher
	redactor *secrets.Redactor

	memory   *scheduler.Memory
	temporal client.Client
	tworker  temporalworker.Worker

	nc      *nats.Conn
	nats    *trigger.NATS
	watchWG sync.WaitGroup
	stopW   context.CancelFunc
}

// initTelemetry builds the OpenTelemetry providers from cfg.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	tc.Endpoint = cfg.Telemetry.Endpoint
	tc.Protocol = cfg.Telemetry.Protocol
	tc.Insecure = cfg.Telemetry.Insecure
	tc.SampleRate = cfg.Telemetry.SampleRate
	tc.ServiceVersion = version
	return telemetry.New(ctx, tc)
}

// initLogger initializes the structured logger writing to out.
func initLogger(cfg *config.Config, out io.Writer, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc.Level = level
	lc.Format = cfg.Logging.Format
	lc.Output = out
	lc.OTEL = cfg.Telemetry.Enabled
	return logging.NewLogger(lc, tel.LoggerProvider())
}

// newApp loads configuration and wires the pipeline. Logs go to out.
// Nothing runs until start.
func newApp(ctx context.Context, configPath string, out io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log, err := initLogger(cfg, out, tel)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{
		cfg:       cfg,
		log:       log,
		logger:    log.Underlying(),
		telemetry: tel,
		metrics:   metrics.Default(),
	}
	if degraded, reason := tel.Degraded(); degraded {
		a.logger.Warn("telemetry degraded", zap.String("reason", reason))
	}
	if err := a.wire(ctx); err != nil {
		a.close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	var err error

	if a.registry, err = registry.Builtin(cfg, logger); err != nil {
		return fmt.Errorf("building registry: %w", err)
	}

	a.status, err = status.Open(ctx, cfg.Status.Path, logger,
		status.WithTransitionHook(func(_ content.Ref, from, to content.Status) {
			a.metrics.RecordTransition(string(from), string(to))
		}))
	if err != nil {
		return err
	}

	if a.source, err = source.NewFS(cfg.Source.Root); err != nil {
		return fmt.Errorf("opening content source: %w", err)
	}

	switch cfg.Scheduler.Provider {
	case "temporal":
		a.temporal, err = workflows.Dial(workflows.ClientConfig{
			HostPort:  cfg.Scheduler.Temporal.HostPort,
			Namespace: cfg.Scheduler.Temporal.Namespace,
		}, logger)
		if err != nil {
			return err
		}
		a.sched = workflows.NewScheduler(a.temporal, cfg.Scheduler.Temporal.TaskQueue, logger)
	default:
		a.memory = scheduler.NewMemory(scheduler.MemoryConfig{Workers: cfg.Scheduler.Memory.Workers}, logger)
		a.sched = a.memory
	}

	if cfg.Redaction.Enabled {
		allowlist, err := secrets.LoadAllowlist(cfg.Redaction.AllowlistPath)
		if err != nil {
			return fmt.Errorf("loading redaction allowlist: %w", err)
		}
		if a.redactor, err = secrets.NewRedactor(allowlist, logger); err != nil {
			return err
		}
	}

	a.queue = queue.New(a.sched, cfg.Site.ID, a.metrics, logger)
	a.retries = retry.New(a.sched, a.queue, a.status, cfg.Site.ID, logger, retry.WithMetrics(a.metrics))

	deps := worker.Deps{
		Strategies: a.registry,
		Source:     a.source,
		Status:     a.status,
		Scheduler:  a.sched,
		Retries:    a.retries,
		Metrics:    a.metrics,
		Logger:     logger,
	}
	if a.redactor != nil {
		deps.Redactor = a.redactor
	}
	if a.worker, err = worker.New(worker.ConfigFrom(cfg), deps); err != nil {
		return err
	}

	a.search = search.New(a.registry, cfg.Site.ID, cfg.Site.URL, a.metrics, logger)

	provider, store := a.registry.Active()
	logger.Info("pipeline wired",
		zap.Int("site_id", cfg.Site.ID),
		zap.String("collection", a.worker.Collection()),
		zap.String("scheduler", cfg.Scheduler.Provider),
		zap.String("embedding_provider", provider),
		zap.String("vector_store", store),
		zap.Bool("redaction", a.redactor != nil))
	return nil
}

// start runs the scheduler and the enabled triggers.
func (a *app) start(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	if a.memory != nil {
		a.memory.Start(ctx)
	}
	if a.temporal != nil {
		ts := a.sched.(*workflows.Scheduler)
		a.tworker = workflows.NewWorker(a.temporal, cfg.Scheduler.Temporal.TaskQueue, ts.Handlers())
		if err := a.tworker.Start(); err != nil {
			return fmt.Errorf("starting temporal worker: %w", err)
		}
	}

	if cfg.NATS.Enabled {
		nc, err := trigger.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		a.nc = nc
		a.nats = trigger.NewNATS(nc, trigger.NATSConfig{Subject: cfg.NATS.Subject, Queue: cfg.NATS.Queue}, a.queue, logger)
		if err := a.nats.Start(); err != nil {
			return err
		}
	}

	if cfg.Source.Watch {
		watchCtx, cancel := context.WithCancel(ctx)
		a.stopW = cancel
		w := trigger.NewWatcher(a.source, a.queue, trigger.DefaultDebounce, logger)
		a.watchWG.Add(1)
		go func() {
			defer a.watchWG.Done()
			if err := w.Run(watchCtx); err != nil {
				logger.Error("content watcher stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

// close stops triggers first so no new jobs arrive, then the scheduler,
// then the stores.
func (a *app) close(ctx context.Context) {
	var errs []error

	if a.nats != nil {
		errs = append(errs, a.nats.Stop())
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.stopW != nil {
		a.stopW()
		a.watchWG.Wait()
	}

	if a.memory != nil {
		errs = append(errs, a.memory.Stop(ctx))
	}
	if a.tworker != nil {
		a.tworker.Stop()
	}
	if a.temporal != nil {
		a.temporal.Close()
	}

	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	if a.status != nil {
		errs = append(errs, a.status.Close())
	}
	errs = append(errs, a.telemetry.Shutdown(ctx))

	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown completed with errors", zap.Error(err))
	}
	_ = a.log.Sync()
}
