package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/materializers"
	"github.com/openfroyo/deployer/pkg/stores"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// deployOutput is the JSON form of a deployment report.
type deployOutput struct {
	Deployment *engine.Deployment `json:"deployment"`
	Order      []string           `json:"order"`
	Items      []deployItemOutput `json:"items"`
}

type deployItemOutput struct {
	ItemID    string            `json:"item_id"`
	Type      string            `json:"type"`
	Status    engine.ItemStatus `json:"status"`
	CreatedID string            `json:"created_id,omitempty"`
	RootCause string            `json:"root_cause,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  string            `json:"duration"`
}

func newDeployCommand() *cobra.Command {
	var (
		dryRun      bool
		parallelism int
		skipPolicy  bool
		targets     []string
		baseURL     string
	)

	cmd := &cobra.Command{
		Use:   "deploy <solution>",
		Short: "Create the items of a solution",
		Long: `Create the items of a solution in dependency order.

This command:
  - Loads and validates the solution document
  - Evaluates policies and refuses to start on blocking violations
  - Creates independent items concurrently; every item waits for the
    items it depends on
  - Substitutes {{id.field}} placeholders from items created earlier
  - Skips the dependents of failed items and keeps unrelated items going
  - Records the deployment, every item result, and every event in --db

Items are created in the local catalog stored in --db. With --dry-run they
are only simulated. The command fails when any item fails.`,
		Example: `  # Deploy a solution
  deployer deploy parcels.yaml

  # Simulate the deployment
  deployer deploy --dry-run parcels.yaml

  # Deploy one dashboard and everything it needs, two items at a time
  deployer deploy --target dashboard --parallelism 2 parcels.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ls, err := loadSolution(ctx, newLoader(), args[0])
			if err != nil {
				return err
			}

			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)
			if err := tel.StartMetricsServer(); err != nil {
				return err
			}
			ctx = tel.WithContext(ctx)
			_ = tel.Events.PublishSolutionLoaded(ls.solution.Name, ls.graph.Len())

			op := telemetry.StartOperation(ctx, "deploy",
				telemetry.AttrCommand.String("deploy"),
				telemetry.AttrSolution.String(ls.solution.Name),
			)
			ctx = op.Ctx

			err = runDeploy(ctx, cmd.OutOrStdout(), tel, ls, deployOptions{
				dryRun:      dryRun,
				parallelism: parallelism,
				skipPolicy:  skipPolicy,
				targets:     targets,
				baseURL:     baseURL,
			})
			op.End(err)
			return err
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate item creation")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "max items created at once (0 = unbounded)")
	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "deploy even when policies deny")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "deploy only these items and their dependencies (repeatable)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "base URL for the url fact of created items")

	return cmd
}

type deployOptions struct {
	dryRun      bool
	parallelism int
	skipPolicy  bool
	targets     []string
	baseURL     string
}

func runDeploy(ctx context.Context, out io.Writer, tel *telemetry.Telemetry, ls *loadedSolution, opts deployOptions) error {
	logger := tel.Logger.WithSolution(ls.solution.Name)

	if !opts.skipPolicy {
		eng, err := newPolicyEngine(ctx, tel)
		if err != nil {
			return err
		}
		res, err := checkPolicies(ctx, eng, ls)
		if err != nil {
			return err
		}
		if !jsonOutput {
			printPolicyResult(os.Stderr, res)
		}
		if err := res.Err(); err != nil {
			return err
		}
	} else {
		logger.Warn("Policy checks skipped")
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := materializers.NewRegistry(logger.Zerolog())
	if opts.dryRun {
		registry.SetFallback(&materializers.DryRunHandler{})
	} else {
		registry.SetFallback(materializers.NewCatalogHandler(store, opts.baseURL, logger.Zerolog()))
	}
	if err := registry.RegisterUnsupported(materializers.DefaultUnsupportedTypes...); err != nil {
		return err
	}

	recorder := stores.NewRecorder(store)
	coordOpts := append(tel.CoordinatorOptions(recorder),
		engine.WithRecorder(recorder),
		engine.WithMaxParallel(opts.parallelism),
	)
	coord := engine.NewCoordinator(registry, coordOpts...)

	dctx := engine.NewDeploymentContext()
	dctx.SeedSolutionFacts(ls.solution.Facts)

	var progress engine.ProgressFunc
	if !jsonOutput {
		progress = newProgressPrinter(os.Stderr, totalUnits(ls.graph, opts.targets))
	}

	report, deployErr := coord.Run(ctx, engine.DeployRequest{
		SolutionName: ls.solution.Name,
		Templates:    ls.templates,
		Context:      dctx,
		Progress:     progress,
		Targets:      opts.targets,
	})
	if report == nil {
		return deployErr
	}
	if progress != nil {
		fmt.Fprintln(os.Stderr)
	}

	if jsonOutput {
		if err := printJSON(out, newDeployOutput(report)); err != nil {
			return err
		}
	} else {
		printDeployReport(out, report, opts.dryRun)
	}

	if deployErr != nil {
		return fmt.Errorf("deployment %s %s: %w", report.Deployment.ID, report.Deployment.Status, deployErr)
	}
	return nil
}

// totalUnits sums the cost factors of the items a deployment of targets
// launches. No targets means every item.
func totalUnits(g *engine.Graph, targets []string) int {
	total := 0
	if len(targets) == 0 {
		for _, id := range g.IDs() {
			total += g.Template(id).EstimatedDeploymentCostFactor
		}
		return total
	}
	selected, _ := g.Closure(targets)
	for id := range selected {
		total += g.Template(id).EstimatedDeploymentCostFactor
	}
	return total
}

// newProgressPrinter returns a ProgressFunc that redraws a percentage line.
func newProgressPrinter(w io.Writer, total int) engine.ProgressFunc {
	if total <= 0 {
		return nil
	}
	var (
		mu   sync.Mutex
		done int
	)
	return func(units int) {
		mu.Lock()
		defer mu.Unlock()
		done += units
		fmt.Fprintf(w, "\rProgress: %3d%% (%d/%d)", done*100/total, done, total)
	}
}

func newDeployOutput(report *engine.DeploymentReport) deployOutput {
	out := deployOutput{Deployment: report.Deployment, Order: report.Order}
	for _, id := range report.Order {
		if r, ok := report.Results[id]; ok {
			out.Items = append(out.Items, newItemOutput(r))
		}
	}
	return out
}

func newItemOutput(r *engine.ItemResult) deployItemOutput {
	item := deployItemOutput{
		ItemID:    r.ItemID,
		Type:      r.Type,
		Status:    r.Status,
		RootCause: r.RootCause,
		Error:     r.ErrorMessage(),
		Duration:  r.Duration.Round(time.Millisecond).String(),
	}
	if r.Outcome != nil {
		item.CreatedID = r.Outcome.CreatedID
	}
	return item
}

func printDeployReport(out io.Writer, report *engine.DeploymentReport, dryRun bool) {
	d := report.Deployment
	mode := ""
	if dryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(out, "Deployment %s of %s%s: %s\n\n", d.ID, d.SolutionName, mode, d.Status)

	for _, id := range report.Order {
		r, ok := report.Results[id]
		if !ok {
			continue
		}
		item := newItemOutput(r)
		switch r.Status {
		case engine.ItemStatusSucceeded:
			fmt.Fprintf(out, "  ✓ %-24s %-20s %s (%s)\n", id, r.Type, item.CreatedID, item.Duration)
		case engine.ItemStatusSkipped:
			fmt.Fprintf(out, "  - %-24s %-20s skipped: %s failed\n", id, r.Type, r.RootCause)
		default:
			fmt.Fprintf(out, "  ✗ %-24s %-20s %s\n", id, r.Type, item.Error)
		}
	}

	fmt.Fprintf(out, "\n%d succeeded, %d failed, %d skipped in %s\n",
		d.Summary.Succeeded, d.Summary.Failed, d.Summary.Skipped, d.Duration.Round(time.Millisecond))

	log.Debug().Str("deployment_id", d.ID).Int("progress_units", d.Summary.ProgressUnits).Msg("Deployment report printed")
}
