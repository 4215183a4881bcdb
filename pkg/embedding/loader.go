package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ken/pokescan/pkg/embedding/models"
)

// ErrInitialization is returned while the embedding model has failed to load.
// It persists until the host calls Retry.
var ErrInitialization = errors.New("embedding model failed to initialize")

// Factory constructs the embedding model
type Factory func(ctx context.Context) (models.EmbeddingModel, error)

// Loader performs the one-time model initialization and caches the result,
// success or failure. A failed load is never retried implicitly.
type Loader struct {
	factory Factory
	logger  *slog.Logger

	mu        sync.Mutex
	attempted bool
	model     models.EmbeddingModel
	err       error
}

// NewLoader creates a loader around factory
func NewLoader(factory Factory, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{factory: factory, logger: logger}
}

// Load returns the cached model, running the factory on the first call only
func (l *Loader) Load(ctx context.Context) (models.EmbeddingModel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.attempted {
		l.initLocked(ctx)
	}
	return l.model, l.err
}

// Retry discards a cached failure and runs the factory again. A model that
// already loaded is returned as is.
func (l *Loader) Retry(ctx context.Context) (models.EmbeddingModel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.model == nil {
		l.initLocked(ctx)
	}
	return l.model, l.err
}

func (l *Loader) initLocked(ctx context.Context) {
	l.attempted = true
	l.logger.Info("loading embedding model")

	model, err := l.factory(ctx)
	if err != nil {
		l.model = nil
		l.err = fmt.Errorf("%w: %w", ErrInitialization, err)
		l.logger.Error("embedding model failed to load", "error", err)
		return
	}

	l.model = model
	l.err = nil
	l.logger.Info("embedding model loaded", "model", model.Name(), "dimension", model.Dimension())
}

// Loaded reports whether a model is available
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model != nil
}

// Close releases the loaded model, if any
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.model == nil {
		return nil
	}
	err := l.model.Close()
	l.model = nil
	l.attempted = false
	return err
}
