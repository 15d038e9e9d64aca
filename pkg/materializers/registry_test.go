package materializers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/stores"
)

// mockCatalogWriter keeps catalog items in memory.
type mockCatalogWriter struct {
	mu    sync.Mutex
	items map[string]*stores.CatalogItem
	err   error
}

func (w *mockCatalogWriter) PutCatalogItem(_ context.Context, item *stores.CatalogItem) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.items == nil {
		w.items = make(map[string]*stores.CatalogItem)
	}
	w.items[item.ID] = item
	return nil
}

func (w *mockCatalogWriter) byTemplate(templateID string) *stores.CatalogItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, item := range w.items {
		if item.TemplateID == templateID {
			return item
		}
	}
	return nil
}

func TestRegistry_Dispatch(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())

	var got string
	err := reg.Register("Web Map", HandlerFunc(func(_ context.Context, tmpl *engine.ItemTemplate, _ *engine.DeploymentContext) (*engine.CreatedItem, error) {
		got = tmpl.ItemID
		return &engine.CreatedItem{CreatedID: "map-1"}, nil
	}))
	if err != nil {
		t.Fatalf("Failed to register handler: %v", err)
	}

	item, err := reg.Create(context.Background(), "m1", &engine.ItemTemplate{ItemID: "m1", Type: "Web Map"}, engine.NewDeploymentContext())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != "m1" || item.CreatedID != "map-1" || item.TemplateID != "m1" {
		t.Errorf("Unexpected dispatch result: got=%s item=%+v", got, item)
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	h := &DryRunHandler{}

	if err := reg.Register("Dashboard", h); err != nil {
		t.Fatalf("First registration failed: %v", err)
	}
	if err := reg.Register("Dashboard", h); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
	if err := reg.Register("", h); err == nil {
		t.Error("Expected empty type to fail")
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())

	_, err := reg.Create(context.Background(), "x", &engine.ItemTemplate{ItemID: "x", Type: "Notebook"}, engine.NewDeploymentContext())
	if engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected %s, got %v", engine.ErrCodeNotFound, err)
	}

	reg.SetFallback(&DryRunHandler{})
	item, err := reg.Create(context.Background(), "x", &engine.ItemTemplate{ItemID: "x", Type: "Notebook"}, engine.NewDeploymentContext())
	if err != nil {
		t.Fatalf("Expected fallback to handle unknown type, got: %v", err)
	}
	if item.CreatedID != "dryrun-x" {
		t.Errorf("Expected dryrun-x, got %s", item.CreatedID)
	}
}

func TestRegistry_UnsupportedTypes(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	if err := reg.RegisterUnsupported(DefaultUnsupportedTypes...); err != nil {
		t.Fatalf("Failed to register unsupported types: %v", err)
	}
	reg.SetFallback(&DryRunHandler{})

	if types := reg.Types(); len(types) != 2 || types[0] != "Velocity" || types[1] != "Web Experience" {
		t.Errorf("Unexpected types: %v", types)
	}

	_, err := reg.Create(context.Background(), "v", &engine.ItemTemplate{ItemID: "v", Type: "Velocity"}, engine.NewDeploymentContext())
	if err == nil || !strings.Contains(err.Error(), "Velocity items are not yet supported") {
		t.Errorf("Expected unsupported error, got %v", err)
	}
}

func TestRegistry_WithCoordinator(t *testing.T) {
	writer := &mockCatalogWriter{}
	reg := NewRegistry(zerolog.Nop())
	reg.SetFallback(NewCatalogHandler(writer, "https://catalog.example.com/items/", zerolog.Nop()))
	if err := reg.RegisterUnsupported("Velocity"); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	templates := []engine.ItemTemplate{
		{ItemID: "layer", Type: "Feature Service", Item: json.RawMessage(`{"title":"Parcels"}`)},
		{
			ItemID:       "map",
			Type:         "Web Map",
			Dependencies: []string{"layer"},
			Item:         json.RawMessage(`{"title":"Parcel Map"}`),
			Data:         json.RawMessage(`{"operationalLayers":[{"itemId":"{{layer.itemId}}","url":"{{layer.url}}/0"}]}`),
		},
		{ItemID: "feed", Type: "Velocity", Dependencies: []string{"layer"}},
		{ItemID: "app", Type: "Dashboard", Dependencies: []string{"feed"}},
	}

	created, err := engine.NewCoordinator(reg).Deploy(context.Background(), templates, engine.NewDeploymentContext(), nil)

	var derr *engine.DeploymentError
	if !errors.As(err, &derr) {
		t.Fatalf("Expected *DeploymentError, got %v", err)
	}
	if len(created) != 2 {
		t.Errorf("Expected layer and map to be created, got %v", created)
	}

	var dep *engine.DependencyFailedError
	if !errors.As(derr.Failed["app"], &dep) || dep.RootCause != "feed" {
		t.Errorf("Expected app to be skipped because of feed, got %v", derr.Failed["app"])
	}

	layer := writer.byTemplate("layer")
	mapItem := writer.byTemplate("map")
	if layer == nil || mapItem == nil {
		t.Fatalf("Expected layer and map in catalog, got %v", writer.items)
	}
	if layer.Title != "Parcels" {
		t.Errorf("Expected title Parcels, got %s", layer.Title)
	}
	if !strings.Contains(mapItem.Data, `"itemId":"`+layer.ID+`"`) {
		t.Errorf("Expected map data to reference layer id %s, got %s", layer.ID, mapItem.Data)
	}
	if !strings.Contains(mapItem.Data, "https://catalog.example.com/items/"+layer.ID+"/0") {
		t.Errorf("Expected map data to reference layer url, got %s", mapItem.Data)
	}
	if !strings.Contains(mapItem.Dependencies, layer.ID) {
		t.Errorf("Expected dependency map to hold layer id, got %s", mapItem.Dependencies)
	}
}

func TestCatalogHandler_WriteFailureIsTransient(t *testing.T) {
	writer := &mockCatalogWriter{err: errors.New("database is locked")}
	h := NewCatalogHandler(writer, "", zerolog.Nop())

	_, err := h.CreateFromTemplate(context.Background(), &engine.ItemTemplate{ItemID: "a", Type: "Web Map"}, engine.NewDeploymentContext())
	if !engine.IsTransient(err) {
		t.Errorf("Expected transient error, got %v", err)
	}
}

func TestCatalogHandler_InvalidPayload(t *testing.T) {
	h := NewCatalogHandler(&mockCatalogWriter{}, "", zerolog.Nop())

	_, err := h.CreateFromTemplate(context.Background(),
		&engine.ItemTemplate{ItemID: "a", Type: "Web Map", Item: json.RawMessage(`{not json`)},
		engine.NewDeploymentContext())
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}

func TestDryRunHandler_Deterministic(t *testing.T) {
	h := &DryRunHandler{}
	dctx := engine.NewDeploymentContext()
	dctx.Seed("ext", "ext-live", nil)

	item, err := h.CreateFromTemplate(context.Background(),
		&engine.ItemTemplate{ItemID: "a", Type: "Web Map", Dependencies: []string{"ext", "other"}}, dctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if item.CreatedID != "dryrun-a" {
		t.Errorf("Expected dryrun-a, got %s", item.CreatedID)
	}

	deps, ok := item.Facts["dependencies"].(map[string]string)
	if !ok {
		t.Fatalf("Expected dependency map, got %T", item.Facts["dependencies"])
	}
	if deps["ext"] != "ext-live" || deps["other"] != "other" {
		t.Errorf("Unexpected dependency map: %v", deps)
	}
	if created := h.Created(); len(created) != 1 || created[0] != "a" {
		t.Errorf("Unexpected created list: %v", created)
	}
}
