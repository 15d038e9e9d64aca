package materializers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/engine"
)

// Handler creates items of one type.
type Handler interface {
	CreateFromTemplate(ctx context.Context, tmpl *engine.ItemTemplate, dctx *engine.DeploymentContext) (*engine.CreatedItem, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, tmpl *engine.ItemTemplate, dctx *engine.DeploymentContext) (*engine.CreatedItem, error)

// CreateFromTemplate calls f(ctx, tmpl, dctx).
func (f HandlerFunc) CreateFromTemplate(ctx context.Context, tmpl *engine.ItemTemplate, dctx *engine.DeploymentContext) (*engine.CreatedItem, error) {
	return f(ctx, tmpl, dctx)
}

// Registry dispatches item creation to a handler selected by item type.
// It implements engine.Materializer.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// handlers maps item type to handler.
	handlers map[string]Handler

	// fallback handles types without a registered handler, if set.
	fallback Handler

	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With().Str("component", "materializers").Logger(),
	}
}

// Register registers a handler for an item type.
func (r *Registry) Register(itemType string, h Handler) error {
	if itemType == "" {
		return fmt.Errorf("item type is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", itemType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[itemType]; exists {
		return fmt.Errorf("handler for %s already registered", itemType)
	}
	r.handlers[itemType] = h

	r.logger.Debug().Str("item_type", itemType).Msg("Handler registered")
	return nil
}

// SetFallback sets the handler used for types without a registered handler.
func (r *Registry) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Lookup returns the handler for an item type.
func (r *Registry) Lookup(itemType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[itemType]; ok {
		return h, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, engine.NewPermanentError(fmt.Sprintf("no handler registered for item type %q", itemType), nil).
		WithCode(engine.ErrCodeNotFound).
		WithOperation("lookup")
}

// Types returns the registered item types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create implements engine.Materializer.
func (r *Registry) Create(ctx context.Context, id string, tmpl *engine.ItemTemplate, dctx *engine.DeploymentContext) (*engine.CreatedItem, error) {
	h, err := r.Lookup(tmpl.Type)
	if err != nil {
		return nil, err
	}

	item, err := h.CreateFromTemplate(ctx, tmpl, dctx)
	if err != nil {
		return nil, err
	}
	if item != nil && item.TemplateID == "" {
		item.TemplateID = id
	}
	return item, nil
}

// RegisterUnsupported registers an UnsupportedHandler for each type.
func (r *Registry) RegisterUnsupported(types ...string) error {
	for _, t := range types {
		if err := r.Register(t, &UnsupportedHandler{Type: t}); err != nil {
			return err
		}
	}
	return nil
}

// DefaultUnsupportedTypes lists item types whose creation is not implemented.
var DefaultUnsupportedTypes = []string{"Velocity", "Web Experience"}
