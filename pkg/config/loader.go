package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Loader reads solution documents, validates them, and evaluates their
// facts scripts.
type Loader struct {
	schemas   *SchemaRegistry
	evaluator *StarlarkEvaluator
	validate  *validator.Validate
	logger    zerolog.Logger
	parallel  int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the logger.
func WithLoaderLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger.With().Str("component", "loader").Logger()
	}
}

// WithScriptTimeout sets the facts script timeout.
func WithScriptTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.evaluator = NewStarlarkEvaluator(d)
	}
}

// WithLoadParallelism bounds how many files LoadAll reads at once.
func WithLoadParallelism(n int) LoaderOption {
	return func(l *Loader) {
		l.parallel = n
	}
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		schemas:   NewSchemaRegistry(),
		evaluator: NewStarlarkEvaluator(DefaultScriptTimeout),
		validate:  validator.New(),
		logger:    zerolog.Nop(),
		parallel:  4,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads and validates a single solution file.
func (l *Loader) Load(ctx context.Context, path string) (*Solution, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read solution %s: %w", path, err)
	}
	return l.Parse(ctx, path, format, data)
}

// LoadAll loads several files or directories concurrently. Directories are
// searched recursively for solution files. Results are returned in path
// order; the first error cancels the remaining loads.
func (l *Loader) LoadAll(ctx context.Context, paths ...string) ([]*Solution, error) {
	files, err := ExpandPaths(paths...)
	if err != nil {
		return nil, err
	}

	solutions := make([]*Solution, len(files))
	g, gctx := errgroup.WithContext(ctx)
	if l.parallel > 0 {
		g.SetLimit(l.parallel)
	}
	for i, file := range files {
		g.Go(func() error {
			s, err := l.Load(gctx, file)
			if err != nil {
				return err
			}
			solutions[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return solutions, nil
}

// Parse decodes and validates a solution document.
func (l *Loader) Parse(ctx context.Context, name string, format Format, data []byte) (*Solution, error) {
	var s Solution
	switch format {
	case FormatYAML, FormatJSON:
		if err := l.decodeYAML(name, data, &s); err != nil {
			return nil, err
		}
	case FormatCUE:
		if err := l.schemas.DecodeCUE(SchemaSolution, name, data, &s); err != nil {
			return nil, convertCUEErrors(name, err)
		}
	default:
		return nil, fmt.Errorf("unsupported solution format: %s", format)
	}

	s.Source = name
	s.LoadedAt = time.Now()

	if errs := l.check(name, &s); len(errs) > 0 {
		return nil, errs
	}

	facts, err := l.evaluator.EvaluateFacts(ctx, &s)
	if err != nil {
		return nil, fmt.Errorf("solution %s: facts script: %w", s.Name, err)
	}
	if len(facts) > 0 {
		if s.Facts == nil {
			s.Facts = make(map[string]interface{}, len(facts))
		}
		for k, v := range facts {
			s.Facts[k] = v
		}
	}

	l.logger.Debug().
		Str("solution", s.Name).
		Str("source", name).
		Int("templates", len(s.Templates)).
		Int("facts", len(s.Facts)).
		Msg("Solution loaded")

	return &s, nil
}

func (l *Loader) decodeYAML(name string, data []byte, s *Solution) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ValidationErrors{{File: name, Message: err.Error(), Severity: "error"}}
	}
	if raw == nil {
		return ValidationErrors{{File: name, Message: "empty solution document", Severity: "error"}}
	}
	if err := l.schemas.ValidateAgainstSchema(SchemaSolution, raw); err != nil {
		return convertCUEErrors(name, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(s); err != nil {
		return ValidationErrors{{File: name, Message: err.Error(), Severity: "error"}}
	}
	return nil
}

// check runs struct-tag validation and the checks CUE cannot express.
func (l *Loader) check(name string, s *Solution) ValidationErrors {
	var errs ValidationErrors

	if err := l.validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					File:     name,
					Path:     fe.Namespace(),
					Message:  fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, ValidationError{File: name, Message: err.Error(), Severity: "error"})
		}
	}

	seen := make(map[string]int, len(s.Templates))
	for i, t := range s.Templates {
		if t.ItemID == "" {
			continue
		}
		if first, dup := seen[t.ItemID]; dup {
			errs = append(errs, ValidationError{
				File:     name,
				Path:     fmt.Sprintf("templates[%d].itemId", i),
				Message:  fmt.Sprintf("duplicate item id %q (first at templates[%d])", t.ItemID, first),
				Severity: "error",
			})
			continue
		}
		seen[t.ItemID] = i
	}

	return errs
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(name string, err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:     name,
			Path:     strings.Join(e.Path(), "."),
			Message:  strings.TrimSpace(cueerrors.Details(e, nil)),
			Severity: "error",
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() == name {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: name, Message: err.Error(), Severity: "error"})
	}
	return out
}

// ExpandPaths resolves files and directories into a sorted list of
// solution files.
func ExpandPaths(paths ...string) ([]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no solution paths provided")
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		var found []string
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if _, ferr := FormatFromPath(path); ferr == nil {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", p, err)
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}
