package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/policy"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// validationResult is the outcome of validating one solution file.
type validationResult struct {
	Path     string                  `json:"path"`
	Solution string                  `json:"solution,omitempty"`
	Items    int                     `json:"items"`
	Order    []string                `json:"order,omitempty"`
	Policy   *policy.PolicyResult    `json:"policy,omitempty"`
	Errors   []string                `json:"errors,omitempty"`
	Problems config.ValidationErrors `json:"problems,omitempty"`
}

func (r *validationResult) ok() bool {
	return len(r.Errors) == 0 && len(r.Problems) == 0 && (r.Policy == nil || r.Policy.Allowed)
}

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate solution documents",
		Long: `Validate solution documents without deploying them.

This command checks:
  - Document syntax and the built-in CUE #Solution schema
  - Required fields and duplicate item ids
  - The facts script, if any
  - Dependency cycles
  - Policy compliance (built-in and --policy Rego files)

Directories are searched recursively for .yaml, .yml, .json, and .cue files.`,
		Example: `  # Validate every solution under ./solutions
  deployer validate ./solutions

  # Validate with custom policies and re-run on every change
  deployer validate --policy ./policies --watch parcels.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			paths := args
			if len(paths) == 0 {
				paths = []string{"."}
			}

			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			eng, err := newPolicyEngine(ctx, tel)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			err = validateOnce(ctx, out, eng, tel, paths)
			if !watch {
				return err
			}
			if err != nil {
				log.Warn().Err(err).Msg("Validation failed, watching for changes")
			}
			return watchAndValidate(ctx, out, eng, tel, paths)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when solution or policy files change")

	return cmd
}

// validateOnce validates every solution file under paths and prints a
// report. It fails when any file is invalid.
func validateOnce(ctx context.Context, out io.Writer, eng *policy.Engine, tel *telemetry.Telemetry, paths []string) error {
	files, err := config.ExpandPaths(paths...)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no solution files found in %s", strings.Join(paths, ", "))
	}

	loader := newLoader()
	results := make([]*validationResult, 0, len(files))
	failed := 0
	for _, file := range files {
		r := validateFile(ctx, loader, eng, file)
		if r.Solution != "" && tel != nil {
			_ = tel.Events.PublishSolutionLoaded(r.Solution, r.Items)
		}
		if !r.ok() {
			failed++
		}
		results = append(results, r)
	}

	if jsonOutput {
		if err := printJSON(out, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printValidation(out, r)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d solution file(s) failed validation", failed, len(files))
	}
	return nil
}

func validateFile(ctx context.Context, loader *config.Loader, eng *policy.Engine, path string) *validationResult {
	r := &validationResult{Path: path}

	ls, err := loadSolution(ctx, loader, path)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			r.Problems = verrs
		} else {
			r.Errors = append(r.Errors, err.Error())
		}
		return r
	}
	r.Solution = ls.solution.Name
	r.Items = ls.graph.Len()

	order, err := ls.graph.Sequence()
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
		return r
	}
	r.Order = order

	res, err := checkPolicies(ctx, eng, ls)
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
		return r
	}
	r.Policy = res
	return r
}

func printValidation(out io.Writer, r *validationResult) {
	name := r.Solution
	if name == "" {
		name = "?"
	}
	if r.ok() {
		fmt.Fprintf(out, "✓ %s: %s (%d items)\n", r.Path, name, r.Items)
	} else {
		fmt.Fprintf(out, "✗ %s: %s\n", r.Path, name)
	}
	for _, p := range r.Problems {
		fmt.Fprintf(out, "  ✗ %s\n", p.String())
	}
	for _, e := range r.Errors {
		fmt.Fprintf(out, "  ✗ %s\n", e)
	}
	if r.Policy != nil {
		printPolicyResult(out, r.Policy)
	}
}

// watchAndValidate re-runs validation whenever a solution file under paths
// changes or the user policies are reloaded. It returns when ctx is done.
func watchAndValidate(ctx context.Context, out io.Writer, eng *policy.Engine, tel *telemetry.Telemetry, paths []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, p := range paths {
		if err := addWatch(watcher, p); err != nil {
			return err
		}
	}

	trigger := make(chan struct{}, 1)
	notify := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	if len(policyPaths) > 0 {
		loader, err := eng.Watch(ctx, policyPaths, func(count int, err error) {
			if err != nil {
				log.Error().Err(err).Msg("Policy reload failed")
				return
			}
			_ = tel.Events.PublishPolicyReloaded(count)
			notify()
		})
		if err != nil {
			return err
		}
		defer func() { _ = loader.StopWatching() }()
	}

	log.Info().Strs("paths", paths).Msg("Watching for changes (Ctrl+C to stop)")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addWatch(watcher, event.Name)
					continue
				}
			}
			if _, err := config.FormatFromPath(event.Name); err != nil {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, notify)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")

		case <-trigger:
			fmt.Fprintf(out, "\n--- %s ---\n", time.Now().Format(time.TimeOnly))
			if err := validateOnce(ctx, out, eng, tel, paths); err != nil {
				log.Warn().Err(err).Msg("Validation failed")
			}
		}
	}
}

// addWatch watches path, or every directory below it.
func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}
