// Package telemetry provides observability for the deployer.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event bus.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ApplyEnv()
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	coord := engine.NewCoordinator(materializer, tel.CoordinatorOptions(recorder)...)
//
// CoordinatorOptions wires the logger and tracer into the coordinator and
// installs a Bridge as its event publisher. The Bridge updates deployment
// and item metrics from engine events, republishes them on the EventBus,
// and forwards them to any further publishers such as the event log in
// package stores.
//
// # Metrics
//
// Metrics live in a private registry exposed by Metrics.Handler. With the
// default namespace the main series are:
//
//	deployer_deployments_started_total{solution}
//	deployer_deployments_completed_total{status}
//	deployer_deployment_duration_seconds{status}
//	deployer_items_total{type,status}
//	deployer_item_create_duration_seconds{type}
//	deployer_progress_units_total
//	deployer_errors_by_class_total{class}
//	deployer_errors_by_code_total{code}
//	deployer_policy_evaluations_total{result}
//	deployer_active_deployments
//	deployer_inflight_items
//
// A Metrics built with metrics disabled records nothing.
//
// # Tracing
//
// Supported exporters are otlp (gRPC) and stdout. The engine opens a
// "deployment.run" span per deployment and an "item.create" span per item.
package telemetry
