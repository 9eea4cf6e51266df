// Package handlers provides the content-handler registry and the built-in
// handlers. A content handler owns the update-type-specific mechanics of a
// deployment; the workflow engine only speaks the capability interface.
package handlers

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/edgekit/updagent/pkg/workflow"
)

// Factory creates a content handler instance for one update type.
type Factory func() (workflow.ContentHandler, error)

// Registry maps update types ("script/v1", "simulator/v1", ...) to handler
// factories. Handlers are created once and cached; a deployment stream for
// the same update type reuses the instance.
type Registry struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	factories map[string]Factory
	instances map[string]workflow.ContentHandler
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("module", "handlers"),
		factories: make(map[string]Factory),
		instances: make(map[string]workflow.ContentHandler),
	}
}

// Register adds a factory for an update type, replacing any previous one.
func (r *Registry) Register(updateType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("Registering content handler", "updateType", updateType)
	r.factories[updateType] = factory
	delete(r.instances, updateType)
}

// Resolve returns the handler for an update type, creating it on first use.
func (r *Registry) Resolve(updateType string) (workflow.ContentHandler, error) {
	r.mu.RLock()
	if handler, ok := r.instances[updateType]; ok {
		r.mu.RUnlock()

		return handler, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if handler, ok := r.instances[updateType]; ok {
		return handler, nil
	}

	factory, ok := r.factories[updateType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", workflow.ErrNoHandler, updateType)
	}

	handler, err := factory()
	if err != nil {
		return nil, fmt.Errorf("create content handler for %q: %w", updateType, err)
	}

	r.instances[updateType] = handler

	return handler, nil
}

// UpdateTypes lists the registered update types.
func (r *Registry) UpdateTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}

	return types
}
