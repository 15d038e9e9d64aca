package materializers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/stores"
)

// CatalogWriter persists created catalog items.
type CatalogWriter interface {
	PutCatalogItem(ctx context.Context, item *stores.CatalogItem) error
}

// CatalogHandler creates items in a local catalog. Placeholders in the item
// and data payloads are substituted from the deployment context before the
// item is stored.
type CatalogHandler struct {
	writer  CatalogWriter
	baseURL string
	logger  zerolog.Logger
}

// NewCatalogHandler creates a handler writing to w. baseURL prefixes the url
// fact published for each created item.
func NewCatalogHandler(w CatalogWriter, baseURL string, logger zerolog.Logger) *CatalogHandler {
	if baseURL == "" {
		baseURL = "catalog://items"
	}
	return &CatalogHandler{
		writer:  w,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With().Str("component", "catalog").Logger(),
	}
}

// CreateFromTemplate stores the item and returns its new id.
func (h *CatalogHandler) CreateFromTemplate(ctx context.Context, tmpl *engine.ItemTemplate, dctx *engine.DeploymentContext) (*engine.CreatedItem, error) {
	start := time.Now()

	item, err := ReplaceInItem(tmpl.Item, tmpl, dctx)
	if err != nil {
		return nil, engine.NewPermanentError("invalid item payload", err).WithResource(tmpl.ItemID)
	}
	data, err := ReplaceInItem(tmpl.Data, tmpl, dctx)
	if err != nil {
		return nil, engine.NewPermanentError("invalid data payload", err).WithResource(tmpl.ItemID)
	}

	deps := resolveDependencies(tmpl, dctx)
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	resources := tmpl.Resources
	if resources == nil {
		resources = []string{}
	}
	resourcesJSON, err := json.Marshal(resources)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resources: %w", err)
	}

	createdID := strings.ReplaceAll(uuid.New().String(), "-", "")
	url := fmt.Sprintf("%s/%s", h.baseURL, createdID)

	record := &stores.CatalogItem{
		ID:           createdID,
		TemplateID:   tmpl.ItemID,
		Type:         tmpl.Type,
		Title:        titleOf(item, tmpl.ItemID),
		URL:          url,
		Item:         string(orEmptyObject(item)),
		Data:         string(orEmptyObject(data)),
		Resources:    string(resourcesJSON),
		Dependencies: string(depsJSON),
	}

	if err := h.writer.PutCatalogItem(ctx, record); err != nil {
		return nil, engine.NewTransientError("failed to write catalog item", err).
			WithResource(tmpl.ItemID).
			WithOperation("put_catalog_item")
	}

	h.logger.Debug().
		Str("item_id", tmpl.ItemID).
		Str("created_id", createdID).
		Str("type", tmpl.Type).
		Msg("Catalog item created")

	return &engine.CreatedItem{
		TemplateID: tmpl.ItemID,
		CreatedID:  createdID,
		Type:       tmpl.Type,
		Facts: map[string]interface{}{
			"itemId": createdID,
			"type":   tmpl.Type,
			"url":    url,
		},
		CreatedAt: record.CreatedAt,
		Duration:  time.Since(start),
	}, nil
}

func titleOf(item json.RawMessage, fallback string) string {
	var fields struct {
		Title string `json:"title"`
	}
	if len(item) > 0 && json.Unmarshal(item, &fields) == nil && fields.Title != "" {
		return fields.Title
	}
	return fallback
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
