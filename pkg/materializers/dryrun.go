package materializers

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/deployer/pkg/engine"
)

// DryRunHandler simulates item creation. Created ids are derived from the
// template id, so repeated dry runs produce the same output.
type DryRunHandler struct {
	// Delay is an optional simulated creation latency.
	Delay time.Duration

	mu      sync.Mutex
	created []string
}

// CreateFromTemplate returns a simulated item.
func (h *DryRunHandler) CreateFromTemplate(ctx context.Context, tmpl *engine.ItemTemplate, dctx *engine.DeploymentContext) (*engine.CreatedItem, error) {
	if h.Delay > 0 {
		select {
		case <-time.After(h.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	createdID := "dryrun-" + tmpl.ItemID

	h.mu.Lock()
	h.created = append(h.created, tmpl.ItemID)
	h.mu.Unlock()

	return &engine.CreatedItem{
		TemplateID: tmpl.ItemID,
		CreatedID:  createdID,
		Type:       tmpl.Type,
		Facts: map[string]interface{}{
			"itemId":       createdID,
			"dryRun":       true,
			"dependencies": resolveDependencies(tmpl, dctx),
		},
	}, nil
}

// Created returns the template ids simulated so far, in creation order.
func (h *DryRunHandler) Created() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, len(h.created))
	copy(out, h.created)
	return out
}
