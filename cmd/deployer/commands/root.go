package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	dbPath        string
	verbose       bool
	jsonOutput    bool
	policyPaths   []string
	allowedTypes  []string
	traceExporter string
	metricsAddr   string

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deployer",
		Short: "Dependency-ordered solution deployer",
		Long: `deployer creates the items of a solution in dependency order.

A solution is a YAML, JSON, or CUE document listing item templates. Each
template names the items it depends on; deployer sequences them, checks
them against OPA policies, and creates independent items concurrently while
every item waits for the items it depends on.

Features:
  - Cycle detection before anything is created
  - Failure propagation limited to dependent items
  - Placeholder substitution from created items ({{layer.itemId}})
  - Starlark facts scripts and CUE schema validation
  - SQLite deployment history, Prometheus metrics, OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "deployer.db", "SQLite database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringSliceVar(&policyPaths, "policy", nil, "policy file or directory (repeatable)")
	rootCmd.PersistentFlags().StringSliceVar(&allowedTypes, "allow-type", nil, "restrict item types (repeatable)")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", "", "trace exporter: otlp, stdout, or none")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newHierarchyCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newDeploymentsCommand())

	return rootCmd
}
