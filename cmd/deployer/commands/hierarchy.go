package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/engine"
)

func newHierarchyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hierarchy <solution>",
		Short: "Show the dependency tree of a solution",
		Long: `Show the items of a solution as a tree rooted at its top-level items.

An item shared by several dependents is printed under each of them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ls, err := loadSolution(cmd.Context(), newLoader(), args[0])
			if err != nil {
				return err
			}

			roots, err := ls.graph.Hierarchy()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, roots)
			}

			fmt.Fprintln(out, ls.solution.Name)
			printTree(out, ls.graph, roots, "")
			return nil
		},
	}
}

func printTree(out io.Writer, g *engine.Graph, nodes []*engine.HierarchyNode, prefix string) {
	for i, node := range nodes {
		branch, indent := "├── ", "│   "
		if i == len(nodes)-1 {
			branch, indent = "└── ", "    "
		}
		label := node.ID
		if tmpl := g.Template(node.ID); tmpl != nil && tmpl.Type != "" {
			label = fmt.Sprintf("%s (%s)", node.ID, tmpl.Type)
		}
		fmt.Fprintf(out, "%s%s%s\n", prefix, branch, label)
		printTree(out, g, node.Dependencies, prefix+indent)
	}
}
