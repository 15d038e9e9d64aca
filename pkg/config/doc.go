// Package config loads solution documents.
//
// A solution document names a solution and lists its item templates. It may
// be written as YAML, JSON, or CUE; the format is chosen from the file
// extension.
//
//	name: parcels
//	version: "1.0"
//	facts:
//	  region: eu-west
//	factsScript: |
//	  portal = "https://" + solution.name + ".example.com"
//	templates:
//	  - itemId: layer
//	    type: Feature Service
//	    estimatedDeploymentCostFactor: 3
//	    item: {title: Parcels}
//	  - itemId: map
//	    type: Web Map
//	    dependencies: [layer]
//	    data:
//	      operationalLayers:
//	        - itemId: "{{layer.itemId}}"
//
// Every document is unified with the built-in CUE #Solution definition
// and then checked with validator struct tags and for duplicate item ids.
// Problems are reported as ValidationErrors with file positions where CUE
// provides them.
//
// # Facts scripts
//
// factsScript is an optional Starlark program run once per load with a
// timeout. It sees solution (name, version) and templates (the item ids).
// Its exported globals are merged over the static facts; names starting
// with an underscore and function definitions are not exported.
//
// # Usage
//
//	loader := config.NewLoader(config.WithLoaderLogger(logger))
//	solution, err := loader.Load(ctx, "parcels.yaml")
//	if err != nil {
//	    return err
//	}
//	templates, err := solution.ItemTemplates()
package config
