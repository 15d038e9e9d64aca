package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/policy"
	"github.com/openfroyo/deployer/pkg/stores"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// loadedSolution is a solution document together with its engine inputs.
type loadedSolution struct {
	solution  *config.Solution
	templates []engine.ItemTemplate
	graph     *engine.Graph
}

func newLoader() *config.Loader {
	return config.NewLoader(config.WithLoaderLogger(log.Logger))
}

// loadSolution reads path and builds its dependency graph.
func loadSolution(ctx context.Context, loader *config.Loader, path string) (*loadedSolution, error) {
	s, err := loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	templates, err := s.ItemTemplates()
	if err != nil {
		return nil, fmt.Errorf("solution %s: %w", s.Name, err)
	}
	g, err := engine.BuildGraph(templates)
	if err != nil {
		return nil, fmt.Errorf("solution %s: %w", s.Name, err)
	}
	return &loadedSolution{solution: s, templates: templates, graph: g}, nil
}

// newTelemetry builds telemetry from the defaults, DEPLOYER_* variables,
// and the global flags.
func newTelemetry() (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.ApplyEnv()
	if verbose {
		cfg.Logging.Level = "debug"
	}

	switch traceExporter {
	case "":
	case "none":
		cfg.Tracing.Enabled = false
		cfg.Tracing.Exporter = "none"
	default:
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
	}

	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsAddr
	}

	return telemetry.NewTelemetryWithLogger(cfg, telemetry.NewWriterLogger(os.Stderr, cfg.Logging))
}

// shutdownTelemetry flushes and stops tel, logging any failure.
func shutdownTelemetry(tel *telemetry.Telemetry) {
	if err := tel.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

// newPolicyEngine creates the policy gate with the configured limits and
// user policies. Results are reported to tel when it is set.
func newPolicyEngine(ctx context.Context, tel *telemetry.Telemetry) (*policy.Engine, error) {
	limits := policy.DefaultLimits()
	if len(allowedTypes) > 0 {
		limits.AllowedTypes = allowedTypes
	}

	opts := []policy.Option{policy.WithLimits(limits)}
	if tel != nil {
		opts = append(opts, policy.WithObserver(func(itemID string, res *policy.PolicyResult) {
			tel.Metrics.RecordPolicyEvaluation(res.Allowed)
			for _, v := range res.Violations {
				if err := tel.Events.PublishPolicyViolation(v.Item, v.Policy, v.Message); err != nil {
					log.Debug().Err(err).Str("item", itemID).Msg("Failed to publish policy violation")
				}
			}
		}))
	}

	eng, err := policy.NewEngine(log.Logger, opts...)
	if err != nil {
		return nil, err
	}
	if len(policyPaths) > 0 {
		if err := eng.LoadPolicies(ctx, policyPaths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func checkPolicies(ctx context.Context, eng *policy.Engine, ls *loadedSolution) (*policy.PolicyResult, error) {
	return eng.EvaluateSolution(ctx, policy.SolutionInput{
		Name:    ls.solution.Name,
		Version: ls.solution.Version,
	}, ls.graph)
}

func printPolicyResult(w io.Writer, res *policy.PolicyResult) {
	for _, v := range res.Violations {
		fmt.Fprintf(w, "  ✗ %s\n", v)
	}
	for _, v := range res.Warnings {
		fmt.Fprintf(w, "  ! %s\n", v)
	}
}

// openStore opens the database at --db and applies migrations.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
