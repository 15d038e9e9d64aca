package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/engine"
)

// planOutput is the JSON form of a plan.
type planOutput struct {
	Solution string                `json:"solution"`
	Version  string                `json:"version,omitempty"`
	Order    []string              `json:"order"`
	Levels   [][]string            `json:"levels"`
	TopLevel []string              `json:"topLevel"`
	Items    []engine.ItemTemplate `json:"items"`
}

func newPlanCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "plan <solution>",
		Short: "Show the deployment order of a solution",
		Long: `Show the order in which the items of a solution would be created.

The plan lists:
  - The deployment order (every dependency before its dependents)
  - Levels of items that may be created concurrently
  - Top-level items (items nothing else depends on)

Nothing is created and no policies are evaluated.`,
		Example: `  # Show the plan
  deployer plan parcels.yaml

  # Render the dependency graph with Graphviz
  deployer plan --dot parcels.yaml | dot -Tpng > parcels.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ls, err := loadSolution(cmd.Context(), newLoader(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dot {
				_, err := io.WriteString(out, ls.graph.ToDOT())
				return err
			}

			order, err := ls.graph.Sequence()
			if err != nil {
				return err
			}
			levels, err := ls.graph.Levels()
			if err != nil {
				return err
			}

			log.Debug().
				Str("solution", ls.solution.Name).
				Int("items", len(order)).
				Int("levels", len(levels)).
				Msg("Plan computed")

			if jsonOutput {
				return printJSON(out, planOutput{
					Solution: ls.solution.Name,
					Version:  ls.solution.Version,
					Order:    order,
					Levels:   levels,
					TopLevel: ls.graph.TopLevelIDs(),
					Items:    ls.templates,
				})
			}

			fmt.Fprintf(out, "Solution: %s", ls.solution.Name)
			if ls.solution.Version != "" {
				fmt.Fprintf(out, " (version %s)", ls.solution.Version)
			}
			fmt.Fprintf(out, "\nItems: %d\n\n", len(order))

			fmt.Fprintln(out, "Deployment order:")
			for i, id := range order {
				tmpl := ls.graph.Template(id)
				fmt.Fprintf(out, "  %2d. %-24s %s", i+1, id, tmpl.Type)
				if deps := ls.graph.Dependencies(id); len(deps) > 0 {
					fmt.Fprintf(out, "  (after %s)", strings.Join(deps, ", "))
				}
				if ext := ls.graph.ExternalDependencies(id); len(ext) > 0 {
					fmt.Fprintf(out, "  [external: %s]", strings.Join(ext, ", "))
				}
				fmt.Fprintln(out)
			}

			fmt.Fprintln(out, "\nLevels:")
			for i, level := range levels {
				fmt.Fprintf(out, "  %d: %s\n", i, strings.Join(level, ", "))
			}

			fmt.Fprintf(out, "\nTop-level items: %s\n", strings.Join(ls.graph.TopLevelIDs(), ", "))
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in Graphviz DOT format")

	return cmd
}
