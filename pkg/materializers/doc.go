// Package materializers creates individual solution items.
//
// A Registry maps item type tags such as "Feature Service" or "Web Map" to a
// Handler and implements engine.Materializer, so it can be handed directly to
// an engine.Coordinator:
//
//	reg := materializers.NewRegistry(logger)
//	reg.SetFallback(materializers.NewCatalogHandler(store, "", logger))
//	_ = reg.RegisterUnsupported(materializers.DefaultUnsupportedTypes...)
//	coord := engine.NewCoordinator(reg)
//
// CatalogHandler writes items to the local catalog, DryRunHandler only
// simulates creation, and UnsupportedHandler rejects item types that cannot
// be created yet.
package materializers
