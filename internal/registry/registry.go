// Package registry holds the pluggable strategies of the indexing pipeline:
// extractors, chunkers, embedding providers and vector stores.
//
// A Registry is built once at startup and passed to the components that
// need it. Every entry is keyed by a validated name; registering a name
// twice is an error. Providers and stores are registered as factories and
// the active one is opened on first use, so a process without a usable
// backend still starts and reports a configuration error per job.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/chunking"
	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/embeddings"
	"github.com/fyrsmithlabs/indexd/internal/extraction"
	"github.com/fyrsmithlabs/indexd/internal/vectorstore"
)

// Errors for registry operations.
var (
	ErrInvalidName   = errors.New("invalid name: must be lowercase alphanumeric with hyphens/underscores")
	ErrDuplicate     = errors.New("name already registered")
	ErrNotRegistered = fmt.Errorf("strategy not registered: %w", content.ErrConfiguration)
	ErrNotConfigured = fmt.Errorf("no active backend selected: %w", content.ErrConfiguration)
)

// namePattern validates strategy names.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateName checks a strategy name.
func ValidateName(name string) error {
	if len(name) > 64 {
		return fmt.Errorf("%w: name too long (max 64)", ErrInvalidName)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ProviderFactory opens an embedding provider.
type ProviderFactory func(ctx context.Context) (embeddings.Provider, error)

// StoreFactory opens a vector store.
type StoreFactory func(ctx context.Context) (vectorstore.Store, error)

// Registry is the strategy table.
type Registry struct {
	mu sync.RWMutex

	extractors     []extraction.Extractor
	extractorNames map[string]bool
	chunkers       map[string]chunking.Chunker
	providers      map[string]ProviderFactory
	stores         map[string]StoreFactory

	activeProvider string
	activeStore    string
	provider       embeddings.Provider
	store          vectorstore.Store

	logger *zap.Logger
}

// New returns an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		extractorNames: make(map[string]bool),
		chunkers:       make(map[string]chunking.Chunker),
		providers:      make(map[string]ProviderFactory),
		stores:         make(map[string]StoreFactory),
		logger:         logger.Named("registry"),
	}
}

// RegisterExtractor adds e. Extractors are consulted in registration
// order.
func (r *Registry) RegisterExtractor(e extraction.Extractor) error {
	if e == nil {
		return errors.New("extractor is nil")
	}
	name := e.Name()
	if err := ValidateName(name); err != nil {
		return fmt.Errorf("extractor: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.extractorNames[name] {
		return fmt.Errorf("extractor %s: %w", name, ErrDuplicate)
	}
	r.extractorNames[name] = true
	r.extractors = append(r.extractors, e)
	return nil
}

// Extractor returns the first extractor supporting kind, a content type or
// a MIME type.
func (r *Registry) Extractor(kind string) (extraction.Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.extractors {
		if e.Supports(kind) {
			return e, true
		}
	}
	return nil, false
}

// RegisterChunker adds c under c.Name().
func (r *Registry) RegisterChunker(c chunking.Chunker) error {
	if c == nil {
		return errors.New("chunker is nil")
	}
	name := c.Name()
	if err := ValidateName(name); err != nil {
		return fmt.Errorf("chunker: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chunkers[name]; ok {
		return fmt.Errorf("chunker %s: %w", name, ErrDuplicate)
	}
	r.chunkers[name] = c
	return nil
}

// Chunker returns the chunker registered as name. Unknown names fall back
// to the page strategy when it is registered; the boolean reports whether
// name itself was found.
func (r *Registry) Chunker(name string) (chunking.Chunker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.chunkers[name]; ok {
		return c, true
	}
	return r.chunkers[chunking.StrategyPage], false
}

// RegisterProvider adds an embedding provider factory.
func (r *Registry) RegisterProvider(name string, f ProviderFactory) error {
	if err := ValidateName(name); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if f == nil {
		return fmt.Errorf("provider %s: factory is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		return fmt.Errorf("provider %s: %w", name, ErrDuplicate)
	}
	r.providers[name] = f
	return nil
}

// RegisterStore adds a vector store factory.
func (r *Registry) RegisterStore(name string, f StoreFactory) error {
	if err := ValidateName(name); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if f == nil {
		return fmt.Errorf("store %s: factory is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[name]; ok {
		return fmt.Errorf("store %s: %w", name, ErrDuplicate)
	}
	r.stores[name] = f
	return nil
}

// Use selects the active provider and store. Empty names leave nothing
// selected. Previously opened backends are closed.
func (r *Registry) Use(provider, store string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if provider != "" {
		if _, ok := r.providers[provider]; !ok {
			return fmt.Errorf("provider %q: %w", provider, ErrNotRegistered)
		}
	}
	if store != "" {
		if _, ok := r.stores[store]; !ok {
			return fmt.Errorf("store %q: %w", store, ErrNotRegistered)
		}
	}

	err := r.closeLocked()
	r.activeProvider, r.activeStore = provider, store
	return err
}

// Provider returns the active embedding provider, opening it on first use.
// The factory runs without holding the registry lock. A failed open is not
// cached.
func (r *Registry) Provider(ctx context.Context) (embeddings.Provider, error) {
	r.mu.RLock()
	p, name := r.provider, r.activeProvider
	open := r.providers[name]
	r.mu.RUnlock()

	if p != nil {
		return p, nil
	}
	if name == "" {
		return nil, fmt.Errorf("embedding provider: %w", ErrNotConfigured)
	}
	p, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening embedding provider %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.provider != nil || r.activeProvider != name {
		// Lost the race to a concurrent open or Use.
		_ = p.Close()
		if r.provider != nil {
			return r.provider, nil
		}
		return nil, fmt.Errorf("embedding provider %s: deselected while opening: %w", name, ErrNotConfigured)
	}
	r.logger.Info("embedding provider opened",
		zap.String("provider", name),
		zap.String("model", p.Model()),
		zap.Int("dimension", p.Dimension()),
	)
	r.provider = p
	return p, nil
}

// Store returns the active vector store, opening it on first use. The
// factory runs without holding the registry lock. A failed open is not
// cached.
func (r *Registry) Store(ctx context.Context) (vectorstore.Store, error) {
	r.mu.RLock()
	s, name := r.store, r.activeStore
	open := r.stores[name]
	r.mu.RUnlock()

	if s != nil {
		return s, nil
	}
	if name == "" {
		return nil, fmt.Errorf("vector store: %w", ErrNotConfigured)
	}
	s, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening vector store %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil || r.activeStore != name {
		_ = s.Close()
		if r.store != nil {
			return r.store, nil
		}
		return nil, fmt.Errorf("vector store %s: deselected while opening: %w", name, ErrNotConfigured)
	}
	r.logger.Info("vector store opened", zap.String("store", name))
	r.store = s
	return s, nil
}

// Active returns the names of the selected provider and store.
func (r *Registry) Active() (provider, store string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeProvider, r.activeStore
}

// Close closes the opened backends.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Registry) closeLocked() error {
	var errs []error
	if r.provider != nil {
		errs = append(errs, r.provider.Close())
		r.provider = nil
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
		r.store = nil
	}
	return errors.Join(errs...)
}

// Names lists the registered names per kind, sorted.
type Names struct {
	Extractors []string `json:"extractors"`
	Chunkers   []string `json:"chunkers"`
	Providers  []string `json:"providers"`
	Stores     []string `json:"stores"`
}

// Names returns every registered name.
func (r *Registry) Names() Names {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := Names{
		Extractors: sortedKeys(r.extractorNames),
		Chunkers:   sortedKeys(r.chunkers),
		Providers:  sortedKeys(r.providers),
		Stores:     sortedKeys(r.stores),
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
