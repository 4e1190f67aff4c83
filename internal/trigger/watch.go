package trigger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/source"
)

// DefaultDebounce coalesces the burst of events an editor or copy emits.
const DefaultDebounce = 500 * time.Millisecond

// Watcher pushes index jobs for manifests that change under a source
// root. Manifests live one directory deep, so only the root and its
// immediate subdirectories are watched.
type Watcher struct {
	fs       *source.FS
	pusher   Pusher
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[content.Ref]content.Operation
	timers  map[content.Ref]*time.Timer
	ctx     context.Context
}

// NewWatcher creates a watcher over fs. A non-positive debounce selects
// DefaultDebounce.
func NewWatcher(fs *source.FS, p Pusher, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		fs:       fs,
		pusher:   p,
		debounce: debounce,
		logger:   logger.Named("trigger.watch"),
		pending:  make(map[content.Ref]content.Operation),
		timers:   make(map[content.Ref]*time.Timer),
	}
}

// Run watches until ctx is done. It returns once the watch is torn down.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fs watcher: %w", err)
	}
	defer fw.Close()

	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	root := w.fs.Root()
	if err := fw.Add(root); err != nil {
		return fmt.Errorf("watching %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("listing %s: %w", root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := fw.Add(filepath.Join(root, e.Name())); err != nil {
				w.logger.Warn("cannot watch content directory", zap.String("dir", e.Name()), zap.Error(err))
			}
		}
	}
	w.logger.Info("watching content root", zap.String("root", root))

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fs watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == w.fs.Root() {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := fw.Add(event.Name); err != nil {
				w.logger.Warn("cannot watch content directory", zap.String("dir", event.Name), zap.Error(err))
			}
			return
		}
	}

	ref, ok := w.fs.RefFromPath(event.Name)
	if !ok {
		return
	}

	var op content.Operation
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		op = content.OpUpdate
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		op = content.OpDelete
	default:
		return
	}
	w.schedule(ref, op)
}

// schedule records the latest operation for ref and pushes it once the
// debounce window passes without further events.
func (w *Watcher) schedule(ref content.Ref, op content.Operation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[ref] = op
	if t, ok := w.timers[ref]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[ref] = time.AfterFunc(w.debounce, func() { w.flush(ref) })
}

func (w *Watcher) flush(ref content.Ref) {
	w.mu.Lock()
	op, ok := w.pending[ref]
	delete(w.pending, ref)
	delete(w.timers, ref)
	ctx := w.ctx
	w.mu.Unlock()
	if !ok || ctx == nil || ctx.Err() != nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	id, err := w.pusher.Push(pctx, ref.ID, ref.Type, op)
	if err != nil {
		w.logger.Warn("file change not queued", zap.Stringer("content", ref), zap.Error(err))
		return
	}
	w.logger.Debug("file change queued",
		zap.Stringer("content", ref),
		zap.String("operation", string(op)),
		zap.String("job_id", id),
	)
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ref, t := range w.timers {
		t.Stop()
		delete(w.timers, ref)
		delete(w.pending, ref)
	}
}
