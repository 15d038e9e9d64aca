package telemetry_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Example_structuredLogging demonstrates deployment-scoped logging.
func Example_structuredLogging() {
	var buf bytes.Buffer
	logger := telemetry.NewWriterLogger(&buf, telemetry.LoggingConfig{Level: "info", Format: "json"})

	logger.NewComponentLogger("coordinator").
		WithDeploymentID("d-1").
		WithItem("layer", "Feature Service").
		Info("Item created")

	line := buf.String()
	fmt.Println(strings.Contains(line, `"deployment_id":"d-1"`))
	fmt.Println(strings.Contains(line, `"item_type":"Feature Service"`))
	// Output:
	// true
	// true
}

// Example_eventBus demonstrates subscribing to deployment events.
func Example_eventBus() {
	cfg := telemetry.DefaultConfig()

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s %s\n", event.Type, event.ItemID)
	}, telemetry.FilterByType(string(engine.EventTypeItemCompleted)))

	m := engine.MaterializerFunc(func(_ context.Context, id string, _ *engine.ItemTemplate, _ *engine.DeploymentContext) (*engine.CreatedItem, error) {
		return &engine.CreatedItem{CreatedID: "new-" + id}, nil
	})
	opts := append(tel.CoordinatorOptions(), engine.WithMaxParallel(1))
	coord := engine.NewCoordinator(m, opts...)

	_, err = coord.Run(context.Background(), engine.DeployRequest{
		SolutionName: "parcels",
		Templates: []engine.ItemTemplate{
			{ItemID: "layer"},
			{ItemID: "map", Dependencies: []string{"layer"}},
		},
	})
	if err != nil {
		panic(err)
	}
	// Output:
	// item_completed layer
	// item_completed map
}

// Example_instrumentedOperation demonstrates wrapping a command in a span.
func Example_instrumentedOperation() {
	cfg := telemetry.DefaultConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	ic := telemetry.StartOperation(ctx, "command.validate",
		attribute.String("solution.path", "solution.yaml"),
	)
	ic.Logger.Debug("Validating solution")
	ic.End(nil)

	fmt.Println("done")
	// Output: done
}

// Example_productionConfiguration demonstrates a production configuration.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()
	cfg.ServiceVersion = "1.2.3"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println(cfg.Logging.Format, cfg.Tracing.Exporter)
	// Output: json otlp
}
