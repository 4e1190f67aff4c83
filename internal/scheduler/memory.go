package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryConfig configures the in-process scheduler.
type MemoryConfig struct {
	// Workers is the number of jobs run concurrently.
	// Default: 4
	Workers int
}

type entry struct {
	id    string
	key   string
	group string
	job   Job
	timer *time.Timer
}

// Memory is an in-process Scheduler: delayed jobs wait on timers and ready
// jobs run on a fixed pool of goroutines. Pending jobs are lost on exit.
type Memory struct {
	*Handlers

	logger  *zap.Logger
	workers int
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*entry
	ready   []*entry
	running int
	closed  bool
	wake    chan struct{}

	stopLoop context.CancelFunc
	stopJobs context.CancelFunc
	wg       sync.WaitGroup
}

var _ Scheduler = (*Memory)(nil)

// NewMemory creates a stopped in-process scheduler. Jobs submitted before
// Start wait until it runs.
func NewMemory(cfg MemoryConfig, logger *zap.Logger) *Memory {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		Handlers: NewHandlers(),
		logger:   logger.Named("scheduler"),
		workers:  cfg.Workers,
		now:      time.Now,
		pending:  make(map[string]*entry),
		wake:     make(chan struct{}, 1),
	}
}

func pendingKey(group string, job Job) string {
	return group + "/" + job.Key()
}

func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// EnqueueAsync implements Scheduler. An equivalent delayed job is promoted
// to run now.
func (m *Memory) EnqueueAsync(_ context.Context, job Job, group string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}
	key := pendingKey(group, job)
	if e, ok := m.pending[key]; ok {
		if e.timer != nil && e.timer.Stop() {
			e.timer = nil
			m.ready = append(m.ready, e)
			m.signal()
		}
		return e.id, nil
	}

	e := &entry{id: uuid.NewString(), key: key, group: group, job: job}
	m.pending[key] = e
	m.ready = append(m.ready, e)
	m.signal()

	m.logger.Debug("job enqueued",
		zap.String("job_id", e.id),
		zap.String("job", key),
	)
	return e.id, nil
}

// HasScheduled implements Scheduler.
func (m *Memory) HasScheduled(_ context.Context, job Job, group string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[pendingKey(group, job)]
	return ok, nil
}

// ScheduleDelayed implements Scheduler. A time in the past runs at once.
func (m *Memory) ScheduleDelayed(ctx context.Context, at time.Time, job Job, group string) (string, error) {
	delay := at.Sub(m.now())
	if delay <= 0 {
		return m.EnqueueAsync(ctx, job, group)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}
	key := pendingKey(group, job)
	if e, ok := m.pending[key]; ok {
		return e.id, nil
	}

	e := &entry{id: uuid.NewString(), key: key, group: group, job: job}
	e.timer = time.AfterFunc(delay, func() { m.promote(e) })
	m.pending[key] = e

	m.logger.Debug("job scheduled",
		zap.String("job_id", e.id),
		zap.String("job", key),
		zap.Duration("delay", delay),
	)
	return e.id, nil
}

func (m *Memory) promote(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.pending[e.key] != e || e.timer == nil {
		return
	}
	e.timer = nil
	m.ready = append(m.ready, e)
	m.signal()
}

// Pending returns the number of jobs waiting to start.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Running returns the number of jobs currently executing.
func (m *Memory) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start launches the worker pool. Job contexts derive from ctx.
func (m *Memory) Start(ctx context.Context) {
	loopCtx, stopLoop := context.WithCancel(ctx)
	jobCtx, stopJobs := context.WithCancel(context.WithoutCancel(ctx))
	m.stopLoop, m.stopJobs = stopLoop, stopJobs

	for range m.workers {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				e := m.next(loopCtx)
				if e == nil {
					return
				}
				m.run(jobCtx, e)
			}
		}()
	}
	m.logger.Info("scheduler started", zap.Int("workers", m.workers))
}

func (m *Memory) next(ctx context.Context) *entry {
	for {
		if ctx.Err() != nil {
			return nil
		}
		m.mu.Lock()
		if len(m.ready) > 0 {
			e := m.ready[0]
			m.ready = m.ready[1:]
			delete(m.pending, e.key)
			m.running++
			if len(m.ready) > 0 {
				m.signal()
			}
			m.mu.Unlock()
			return e
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
		}
	}
}

func (m *Memory) run(ctx context.Context, e *entry) {
	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("job panicked",
				zap.String("job_id", e.id),
				zap.String("job", e.key),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
	}()

	if err := m.Dispatch(ctx, e.job); err != nil {
		m.logger.Warn("job failed",
			zap.String("job_id", e.id),
			zap.String("job", e.key),
			zap.Error(err),
		)
		return
	}
	m.logger.Debug("job completed",
		zap.String("job_id", e.id),
		zap.String("job", e.key),
		zap.Duration("duration", m.now().Sub(start)),
	)
}

// Stop stops dispatching, drops delayed jobs and waits for running jobs.
// When ctx expires first, running jobs are cancelled.
func (m *Memory) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	dropped := len(m.pending)
	m.mu.Unlock()

	if m.stopLoop == nil {
		return nil
	}
	m.stopLoop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.stopJobs()
		<-done
	}
	m.stopJobs()

	m.logger.Info("scheduler stopped", zap.Int("dropped_jobs", dropped))
	return nil
}
