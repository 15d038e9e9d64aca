package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies against the items of a solution.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	limits   Limits
	observer func(itemID string, result *PolicyResult)
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits sets the thresholds exposed as input.limits.
func WithLimits(limits Limits) Option {
	return func(e *Engine) {
		if limits.AllowedTypes == nil {
			limits.AllowedTypes = []string{}
		}
		e.limits = limits
	}
}

// WithObserver registers a function called with every per-item result.
func WithObserver(fn func(itemID string, result *PolicyResult)) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// NewEngine creates a policy engine with the built-in policies compiled.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		limits:   DefaultLimits(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Limits returns the configured thresholds.
func (e *Engine) Limits() Limits {
	return e.limits
}

// EvaluateSolution evaluates every enabled policy once per item of g and
// merges the results.
func (e *Engine) EvaluateSolution(ctx context.Context, solution SolutionInput, g *engine.Graph) (*PolicyResult, error) {
	start := time.Now()
	merged := &PolicyResult{Allowed: true}

	topLevel := g.TopLevelIDs()
	for _, id := range g.IDs() {
		res, err := e.EvaluateItem(ctx, solution, g, id, topLevel)
		if err != nil {
			return nil, err
		}
		merged.Violations = append(merged.Violations, res.Violations...)
		merged.Warnings = append(merged.Warnings, res.Warnings...)
		merged.Allowed = merged.Allowed && res.Allowed
		if merged.EvaluatedPolicies == nil {
			merged.EvaluatedPolicies = res.EvaluatedPolicies
		}
		merged.EvaluatedItems++
	}

	merged.EvaluatedAt = time.Now()
	merged.Duration = time.Since(start)

	e.logger.Debug().
		Str("solution", solution.Name).
		Int("items", merged.EvaluatedItems).
		Int("violations", len(merged.Violations)).
		Int("warnings", len(merged.Warnings)).
		Dur("duration", merged.Duration).
		Msg("Solution policy evaluation completed")

	return merged, nil
}

// EvaluateItem evaluates every enabled policy against item id of g.
// topLevel may be nil, in which case it is computed from g.
func (e *Engine) EvaluateItem(ctx context.Context, solution SolutionInput, g *engine.Graph, id string, topLevel []string) (*PolicyResult, error) {
	tmpl := g.Template(id)
	if tmpl == nil {
		return nil, &engine.TemplateNotFoundError{ItemID: id}
	}
	if topLevel == nil {
		topLevel = g.TopLevelIDs()
	}

	input := &Input{
		Solution: solution,
		Item: ItemInput{
			ID:                            id,
			Type:                          tmpl.Type,
			Dependencies:                  nonNil(g.Dependencies(id)),
			ExternalDependencies:          nonNil(g.ExternalDependencies(id)),
			EstimatedDeploymentCostFactor: tmpl.EstimatedDeploymentCostFactor,
			Dependents:                    nonNil(g.Dependents(id)),
		},
		Graph: GraphInput{
			Size:     g.Len(),
			TopLevel: nonNil(topLevel),
		},
		Limits: e.limits,
	}

	res, err := e.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}
	if e.observer != nil {
		e.observer(id, res)
	}
	return res, nil
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*PolicyResult, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &PolicyResult{Allowed: true, EvaluatedItems: 1}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("item", input.Item.ID).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s on item %s: %w", name, input.Item.ID, err)
		}
		for _, v := range violations {
			result.add(v)
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)
	return result, nil
}

// evaluatePolicy runs one prepared deny query.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d, input.Item.ID))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// newViolation converts one deny value into a Violation. Strings become the
// message; objects may carry message, severity, and item.
func newViolation(p *Policy, value interface{}, itemID string) Violation {
	v := Violation{
		Policy:   p.Name,
		Item:     itemID,
		Severity: p.Severity,
	}

	switch d := value.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		for key, val := range d {
			switch key {
			case "message":
				v.Message = fmt.Sprint(val)
			case "severity":
				if s := Severity(fmt.Sprint(val)); s.Valid() {
					v.Severity = s
				}
			case "item":
				if s, ok := val.(string); ok && s != "" {
					v.Item = s
				}
			default:
				if v.Details == nil {
					v.Details = make(map[string]interface{})
				}
				v.Details[key] = val
			}
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}

	if v.Message == "" {
		v.Message = "denied by " + p.Name
	}
	return v
}

// compile parses and prepares the deny query of p.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: p, query: query, compiled: time.Now()}, nil
}

// LoadPolicies loads policy files and directories and compiles them. A
// compile failure leaves the engine unchanged.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and adds policies, replacing any with the same name.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")
	return nil
}

// ReplaceUserPolicies swaps every non built-in policy for policies. It is
// the reload function used by Watch.
func (e *Engine) ReplaceUserPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	return nil
}

func compileAll(ctx context.Context, policies []Policy) (map[string]*compiledPolicy, error) {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		cp, err := compile(ctx, &p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}
	return compiled, nil
}

// Watch reloads user policies from paths whenever they change on disk.
// onReload, if set, is called after every reload attempt.
func (e *Engine) Watch(ctx context.Context, paths []string, onReload func(count int, err error)) (*Loader, error) {
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		err := e.ReplaceUserPolicies(ctx, policies)
		if onReload != nil {
			onReload(len(policies), err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// sortedNames must be called with e.mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
