package materializers

import (
	"context"
	"fmt"

	"github.com/openfroyo/deployer/pkg/engine"
)

// UnsupportedHandler rejects every item of its type.
type UnsupportedHandler struct {
	Type string
}

// CreateFromTemplate always fails.
func (h *UnsupportedHandler) CreateFromTemplate(_ context.Context, tmpl *engine.ItemTemplate, _ *engine.DeploymentContext) (*engine.CreatedItem, error) {
	itemType := h.Type
	if itemType == "" {
		itemType = tmpl.Type
	}
	return nil, engine.NewPermanentError(fmt.Sprintf("%s items are not yet supported", itemType), nil).
		WithCode(engine.ErrCodeValidation).
		WithResource(tmpl.ItemID)
}
