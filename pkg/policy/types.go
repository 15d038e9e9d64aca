package policy

import (
	"fmt"
	"time"

	"github.com/openfroyo/deployer/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError blocks a deployment.
	SeverityError Severity = "error"

	// SeverityCritical blocks a deployment.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny a deployment.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy is a Rego module with its metadata.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego source. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is applied to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies shipped with the deployer.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that produced the violation.
	Policy string `json:"policy"`

	// Item is the item id the violation refers to.
	Item string `json:"item,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details holds any extra fields of the deny object.
	Details map[string]interface{} `json:"details,omitempty"`
}

func (v Violation) String() string {
	if v.Item == "" {
		return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s (item %s)", v.Severity, v.Policy, v.Message, v.Item)
}

// PolicyResult is the outcome of evaluating policies against one item or a
// whole solution.
type PolicyResult struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations (error and critical).
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations (info and warning).
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedItems is the number of items evaluated.
	EvaluatedItems int `json:"evaluated_items"`

	// EvaluatedAt is when the evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Err returns a POLICY_DENIED engine error when the result is not allowed.
func (r *PolicyResult) Err() error {
	if r == nil || r.Allowed {
		return nil
	}
	msg := fmt.Sprintf("%d blocking policy violation(s)", len(r.Violations))
	if len(r.Violations) > 0 {
		msg += ", first: " + r.Violations[0].String()
	}
	e := engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodePolicyDenied)
	if len(r.Violations) > 0 && r.Violations[0].Item != "" {
		e = e.WithResource(r.Violations[0].Item)
	}
	return e
}

// add files a violation under Violations or Warnings.
func (r *PolicyResult) add(v Violation) {
	if v.Severity.Blocking() {
		r.Violations = append(r.Violations, v)
		r.Allowed = false
		return
	}
	r.Warnings = append(r.Warnings, v)
}

// Input is the document a policy sees as input. It describes one item in
// the context of its solution and dependency graph.
type Input struct {
	Solution SolutionInput `json:"solution"`
	Item     ItemInput     `json:"item"`
	Graph    GraphInput    `json:"graph"`
	Limits   Limits        `json:"limits"`
}

// SolutionInput identifies the solution being deployed.
type SolutionInput struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ItemInput describes the item under evaluation.
type ItemInput struct {
	ID                            string   `json:"id"`
	Type                          string   `json:"type"`
	Dependencies                  []string `json:"dependencies"`
	ExternalDependencies          []string `json:"externalDependencies"`
	EstimatedDeploymentCostFactor int      `json:"estimatedDeploymentCostFactor"`
	Dependents                    []string `json:"dependents"`
}

// GraphInput summarizes the solution graph.
type GraphInput struct {
	Size     int      `json:"size"`
	TopLevel []string `json:"topLevel"`
}

// Limits are the thresholds the built-in policies check against. They are
// exposed to user policies as input.limits.
type Limits struct {
	// MaxDependencies is the dependency fan-out above which an item is flagged.
	MaxDependencies int `json:"maxDependencies"`

	// MaxCostFactor is the cost factor above which an item is flagged.
	MaxCostFactor int `json:"maxCostFactor"`

	// AllowedTypes restricts item types. Empty allows every type.
	AllowedTypes []string `json:"allowedTypes"`
}

// DefaultLimits returns the thresholds used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxDependencies: 25,
		MaxCostFactor:   100,
		AllowedTypes:    []string{},
	}
}

// PolicyBundle is a named collection of policies stored in one JSON file.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}
