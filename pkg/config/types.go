package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/deployer/pkg/engine"
)

// Solution is a deployable collection of item templates read from a
// solution document.
type Solution struct {
	// Name identifies the solution in deployment records.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Version is an optional free-form solution version.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Facts are solution-level facts available to placeholder substitution.
	Facts map[string]interface{} `json:"facts,omitempty" yaml:"facts,omitempty"`

	// FactsScript is an optional Starlark script whose exported globals are
	// merged into Facts when the solution is loaded.
	FactsScript string `json:"factsScript,omitempty" yaml:"factsScript,omitempty"`

	// Templates are the items of the solution.
	Templates []Template `json:"templates" yaml:"templates" validate:"dive"`

	// Source is the file the solution was loaded from.
	Source string `json:"-" yaml:"-"`

	// LoadedAt is when the solution was loaded.
	LoadedAt time.Time `json:"-" yaml:"-"`
}

// Template is one item of a solution document.
type Template struct {
	ItemID                        string                 `json:"itemId" yaml:"itemId" validate:"required"`
	Type                          string                 `json:"type" yaml:"type" validate:"required"`
	Dependencies                  []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"dive,required"`
	EstimatedDeploymentCostFactor int                    `json:"estimatedDeploymentCostFactor,omitempty" yaml:"estimatedDeploymentCostFactor,omitempty" validate:"gte=0"`
	Item                          map[string]interface{} `json:"item,omitempty" yaml:"item,omitempty"`
	Data                          interface{}            `json:"data,omitempty" yaml:"data,omitempty"`
	Resources                     []string               `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// ItemTemplates converts the solution's templates to engine templates.
func (s *Solution) ItemTemplates() ([]engine.ItemTemplate, error) {
	out := make([]engine.ItemTemplate, 0, len(s.Templates))
	for i := range s.Templates {
		t := &s.Templates[i]
		tmpl := engine.ItemTemplate{
			ItemID:                        t.ItemID,
			Type:                          t.Type,
			Dependencies:                  append([]string(nil), t.Dependencies...),
			EstimatedDeploymentCostFactor: t.EstimatedDeploymentCostFactor,
			Resources:                     append([]string(nil), t.Resources...),
		}
		if t.Item != nil {
			raw, err := json.Marshal(t.Item)
			if err != nil {
				return nil, fmt.Errorf("template %s: failed to encode item: %w", t.ItemID, err)
			}
			tmpl.Item = raw
		}
		if t.Data != nil {
			raw, err := json.Marshal(t.Data)
			if err != nil {
				return nil, fmt.Errorf("template %s: failed to encode data: %w", t.ItemID, err)
			}
			tmpl.Data = raw
		}
		out = append(out, tmpl)
	}
	return out, nil
}

// TemplateIDs returns the item ids in document order.
func (s *Solution) TemplateIDs() []string {
	ids := make([]string, len(s.Templates))
	for i, t := range s.Templates {
		ids[i] = t.ItemID
	}
	return ids
}

// ValidationError describes one problem found in a solution document.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a document fails schema or struct validation.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	switch len(errs) {
	case 0:
		return "no validation errors"
	case 1:
		return errs[0].String()
	}
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = "  " + e.String()
	}
	return fmt.Sprintf("%d validation errors:\n%s", len(errs), strings.Join(lines, "\n"))
}

// Format is the syntax of a solution document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath selects the document format from the file extension.
func FormatFromPath(path string) (Format, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		return FormatYAML, nil
	case strings.HasSuffix(lower, ".json"):
		return FormatJSON, nil
	case strings.HasSuffix(lower, ".cue"):
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported solution file extension: %s", path)
	}
}

// StarlarkResult is the result of a Starlark evaluation.
type StarlarkResult struct {
	// Output holds the exported globals of the script.
	Output map[string]interface{}

	// Error is set when evaluation failed.
	Error string

	ExecutionTime time.Duration
}
