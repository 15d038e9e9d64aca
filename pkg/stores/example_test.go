package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleRecorder demonstrates recording a deployment through the engine.
func ExampleRecorder() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	rec := stores.NewRecorder(store)
	m := engine.MaterializerFunc(func(_ context.Context, id string, _ *engine.ItemTemplate, _ *engine.DeploymentContext) (*engine.CreatedItem, error) {
		return &engine.CreatedItem{CreatedID: "new-" + id}, nil
	})

	coord := engine.NewCoordinator(m, engine.WithRecorder(rec))
	report, err := coord.Run(ctx, engine.DeployRequest{
		SolutionName: "parcels",
		Templates: []engine.ItemTemplate{
			{ItemID: "layer"},
			{ItemID: "map", Dependencies: []string{"layer"}},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	d, _ := store.GetDeployment(ctx, report.Deployment.ID)
	fmt.Printf("%s: %s, %d/%d items\n", d.SolutionName, d.Status, d.Succeeded, d.Total)
	// Output: parcels: succeeded, 2/2 items
}

// ExampleSQLiteStore_PutCatalogItem demonstrates writing to the local catalog.
func ExampleSQLiteStore_PutCatalogItem() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	err := store.PutCatalogItem(ctx, &stores.CatalogItem{
		ID:         "3f2a",
		TemplateID: "layer",
		Type:       "Feature Service",
		Title:      "Parcels",
	})
	if err != nil {
		log.Fatal(err)
	}

	item, _ := store.GetCatalogItem(ctx, "3f2a")
	fmt.Printf("%s (%s)\n", item.Title, item.Type)
	// Output: Parcels (Feature Service)
}
