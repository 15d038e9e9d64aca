package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/stores"
)

func newDeploymentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "Inspect deployment history",
		Long:  `Inspect the deployments recorded in the database given by --db.`,
	}

	cmd.AddCommand(newDeploymentsListCommand())
	cmd.AddCommand(newDeploymentsShowCommand())

	return cmd
}

func newDeploymentsListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			deployments, err := store.ListDeployments(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, deployments)
			}
			if len(deployments) == 0 {
				fmt.Fprintln(out, "No deployments recorded")
				return nil
			}

			fmt.Fprintf(out, "%-36s  %-20s  %-10s  %-19s  %s\n", "ID", "SOLUTION", "STATUS", "STARTED", "ITEMS")
			for _, d := range deployments {
				fmt.Fprintf(out, "%-36s  %-20s  %-10s  %-19s  %d/%d ok, %d failed, %d skipped\n",
					d.ID, d.SolutionName, d.Status, d.StartedAt.Local().Format(time.DateTime),
					d.Succeeded, d.Total, d.Failed, d.Skipped)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of deployments to show")

	return cmd
}

// deploymentDetail is the JSON form of deployments show.
type deploymentDetail struct {
	Deployment *stores.Deployment   `json:"deployment"`
	Items      []*stores.ItemResult `json:"items"`
	Events     []*stores.Event      `json:"events,omitempty"`
}

func newDeploymentsShowCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <deployment-id>",
		Short: "Show one deployment with its item results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			d, err := store.GetDeployment(ctx, args[0])
			if err != nil {
				return err
			}
			items, err := store.ListItemResults(ctx, d.ID)
			if err != nil {
				return err
			}

			detail := deploymentDetail{Deployment: d, Items: items}
			if events {
				detail.Events, err = store.ListEvents(ctx, &d.ID, 1000, 0)
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, detail)
			}

			fmt.Fprintf(out, "Deployment: %s\n", d.ID)
			fmt.Fprintf(out, "Solution:   %s\n", d.SolutionName)
			fmt.Fprintf(out, "Status:     %s\n", d.Status)
			fmt.Fprintf(out, "Started:    %s\n", d.StartedAt.Local().Format(time.DateTime))
			if d.CompletedAt != nil {
				fmt.Fprintf(out, "Duration:   %s\n", (time.Duration(d.DurationMs) * time.Millisecond).String())
			}
			if d.Error != nil {
				fmt.Fprintf(out, "Error:      %s\n", *d.Error)
			}

			fmt.Fprintln(out, "\nItems:")
			for _, r := range items {
				line := fmt.Sprintf("  %-24s %-20s %-10s", r.ItemID, r.ItemType, r.Status)
				switch {
				case r.CreatedID != nil:
					line += " " + *r.CreatedID
				case r.RootCause != nil:
					line += " after failure of " + *r.RootCause
				case r.Error != nil:
					line += " " + *r.Error
				}
				fmt.Fprintln(out, line)
			}

			if events {
				fmt.Fprintln(out, "\nEvents:")
				for _, e := range detail.Events {
					fmt.Fprintf(out, "  %s  %-8s %-20s %s\n",
						e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the event log")

	return cmd
}
