package policy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return eng
}

func mustGraph(t *testing.T, templates ...engine.ItemTemplate) *engine.Graph {
	t.Helper()
	g, err := engine.BuildGraph(templates)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	return g
}

func TestNewEngine_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		if !p.Builtin || !p.Enabled {
			t.Errorf("policy %s: builtin=%v enabled=%v", p.Name, p.Builtin, p.Enabled)
		}
		names = append(names, p.Name)
	}

	want := "cost-factor-sanity,dependency-fan-out,item-id-format,item-type-allow-list"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("ListPolicies() = %s, want %s", got, want)
	}
}

func TestEvaluateSolution_Builtins(t *testing.T) {
	tests := []struct {
		name          string
		limits        Limits
		templates     []engine.ItemTemplate
		wantAllowed   bool
		wantPolicy    string
		wantItem      string
		wantViolation bool
		wantWarning   bool
	}{
		{
			name:   "clean solution",
			limits: DefaultLimits(),
			templates: []engine.ItemTemplate{
				{ItemID: "layer", Type: "Feature Service", EstimatedDeploymentCostFactor: 3},
				{ItemID: "map", Type: "Web Map", Dependencies: []string{"layer"}},
			},
			wantAllowed: true,
		},
		{
			name:   "bad item id",
			limits: DefaultLimits(),
			templates: []engine.ItemTemplate{
				{ItemID: "bad id!", Type: "Web Map"},
			},
			wantPolicy:    "item-id-format",
			wantItem:      "bad id!",
			wantViolation: true,
		},
		{
			name:   "type not allowed",
			limits: Limits{AllowedTypes: []string{"Web Map"}},
			templates: []engine.ItemTemplate{
				{ItemID: "map", Type: "Web Map"},
				{ItemID: "dash", Type: "Dashboard", Dependencies: []string{"map"}},
			},
			wantPolicy:    "item-type-allow-list",
			wantItem:      "dash",
			wantViolation: true,
		},
		{
			name:   "fan-out counts external dependencies",
			limits: Limits{MaxDependencies: 1},
			templates: []engine.ItemTemplate{
				{ItemID: "a", Type: "Web Map"},
				{ItemID: "b", Type: "Dashboard", Dependencies: []string{"a", "external-basemap"}},
			},
			wantAllowed: true,
			wantPolicy:  "dependency-fan-out",
			wantItem:    "b",
			wantWarning: true,
		},
		{
			name:   "cost factor over limit",
			limits: Limits{MaxCostFactor: 10},
			templates: []engine.ItemTemplate{
				{ItemID: "big", Type: "Feature Service", EstimatedDeploymentCostFactor: 11},
			},
			wantAllowed: true,
			wantPolicy:  "cost-factor-sanity",
			wantItem:    "big",
			wantWarning: true,
		},
		{
			name:   "zero limits disable thresholds",
			limits: Limits{},
			templates: []engine.ItemTemplate{
				{ItemID: "big", Type: "Feature Service", EstimatedDeploymentCostFactor: 1000},
			},
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, WithLimits(tt.limits))
			g := mustGraph(t, tt.templates...)

			res, err := eng.EvaluateSolution(context.Background(), SolutionInput{Name: "parcels"}, g)
			if err != nil {
				t.Fatalf("EvaluateSolution() error = %v", err)
			}
			if res.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v (violations %v)", res.Allowed, tt.wantAllowed, res.Violations)
			}
			if res.EvaluatedItems != len(tt.templates) {
				t.Errorf("EvaluatedItems = %d, want %d", res.EvaluatedItems, len(tt.templates))
			}
			if len(res.EvaluatedPolicies) != 4 {
				t.Errorf("EvaluatedPolicies = %v", res.EvaluatedPolicies)
			}

			if !tt.wantViolation && !tt.wantWarning {
				if len(res.Violations)+len(res.Warnings) != 0 {
					t.Errorf("unexpected findings: %v %v", res.Violations, res.Warnings)
				}
				return
			}

			list := res.Warnings
			if tt.wantViolation {
				list = res.Violations
			}
			if len(list) != 1 {
				t.Fatalf("findings = %v, want exactly one", list)
			}
			if list[0].Policy != tt.wantPolicy || list[0].Item != tt.wantItem {
				t.Errorf("finding = %+v, want policy %s item %s", list[0], tt.wantPolicy, tt.wantItem)
			}
		})
	}
}

func TestEvaluateSolution_UserPolicy(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicies(context.Background(), []Policy{{
		Name:     "dashboards-top-level",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.dashboards

import rego.v1

deny contains msg if {
	input.item.type == "Dashboard"
	count(input.item.dependents) > 0
	msg := sprintf("dashboard %s of %s must be top level", [input.item.id, input.solution.name])
}

deny contains {"message": "single item solution", "severity": "info", "size": input.graph.size} if {
	input.graph.size == 1
}
`,
	}})
	if err != nil {
		t.Fatalf("AddPolicies() error = %v", err)
	}

	g := mustGraph(t,
		engine.ItemTemplate{ItemID: "dash", Type: "Dashboard"},
		engine.ItemTemplate{ItemID: "app", Type: "Web Experience", Dependencies: []string{"dash"}},
	)
	res, err := eng.EvaluateSolution(context.Background(), SolutionInput{Name: "parcels"}, g)
	if err != nil {
		t.Fatalf("EvaluateSolution() error = %v", err)
	}
	if res.Allowed || len(res.Violations) != 1 {
		t.Fatalf("result = %+v, want one blocking violation", res)
	}
	v := res.Violations[0]
	if v.Severity != SeverityError || v.Item != "dash" || v.Message != "dashboard dash of parcels must be top level" {
		t.Errorf("violation = %+v", v)
	}

	var denied *engine.EngineError
	if err := res.Err(); !errors.As(err, &denied) || denied.Code != engine.ErrCodePolicyDenied {
		t.Errorf("Err() = %v, want POLICY_DENIED", err)
	}

	single := mustGraph(t, engine.ItemTemplate{ItemID: "only", Type: "Web Map"})
	res, err = eng.EvaluateSolution(context.Background(), SolutionInput{Name: "x"}, single)
	if err != nil {
		t.Fatalf("EvaluateSolution() error = %v", err)
	}
	if !res.Allowed || len(res.Warnings) != 1 {
		t.Fatalf("result = %+v, want one warning", res)
	}
	w := res.Warnings[0]
	if w.Severity != SeverityInfo || w.Item != "only" || w.Details["size"] == nil {
		t.Errorf("warning = %+v", w)
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v for allowed result", res.Err())
	}
}

func TestEngine_DisableAndReplace(t *testing.T) {
	eng := newTestEngine(t)
	g := mustGraph(t, engine.ItemTemplate{ItemID: "bad id", Type: "Web Map"})

	if err := eng.DisablePolicy("item-id-format"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	res, err := eng.EvaluateSolution(context.Background(), SolutionInput{}, g)
	if err != nil || !res.Allowed {
		t.Fatalf("with id policy disabled: %+v, %v", res, err)
	}
	if err := eng.EnablePolicy("item-id-format"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	if err := eng.DisablePolicy("nope"); err == nil {
		t.Error("DisablePolicy() expected error for unknown policy")
	}

	user := Policy{Name: "user", Enabled: true, Rego: "package u\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"}
	if err := eng.AddPolicies(context.Background(), []Policy{user}); err != nil {
		t.Fatalf("AddPolicies() error = %v", err)
	}
	if p, err := eng.GetPolicy("user"); err != nil || p.Severity != SeverityWarning {
		t.Errorf("GetPolicy(user) = %+v, %v, want default warning severity", p, err)
	}

	if err := eng.ReplaceUserPolicies(context.Background(), nil); err != nil {
		t.Fatalf("ReplaceUserPolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("user"); err == nil {
		t.Error("user policy survived ReplaceUserPolicies")
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("built-ins lost: %v", eng.ListPolicies())
	}
}

func TestEngine_CompileErrorLeavesEngineUnchanged(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicies(context.Background(), []Policy{
		{Name: "ok", Enabled: true, Rego: "package ok\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"},
		{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny contains"},
	})
	if err == nil {
		t.Fatal("AddPolicies() expected compile error")
	}
	if _, err := eng.GetPolicy("ok"); err == nil {
		t.Error("partial load: policy ok was added")
	}
}

func TestEngine_Observer(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	eng := newTestEngine(t, WithObserver(func(itemID string, res *PolicyResult) {
		mu.Lock()
		defer mu.Unlock()
		seen[itemID] = res.Allowed
	}))

	g := mustGraph(t,
		engine.ItemTemplate{ItemID: "good", Type: "Web Map"},
		engine.ItemTemplate{ItemID: "bad id", Type: "Web Map"},
	)
	if _, err := eng.EvaluateSolution(context.Background(), SolutionInput{}, g); err != nil {
		t.Fatalf("EvaluateSolution() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !seen["good"] || seen["bad id"] {
		t.Errorf("observer saw %v", seen)
	}
}

func TestEvaluateItem_UnknownItem(t *testing.T) {
	eng := newTestEngine(t)
	g := mustGraph(t, engine.ItemTemplate{ItemID: "a", Type: "Web Map"})

	_, err := eng.EvaluateItem(context.Background(), SolutionInput{}, g, "missing", nil)
	var nf *engine.TemplateNotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("EvaluateItem() error = %v, want TemplateNotFoundError", err)
	}
}
