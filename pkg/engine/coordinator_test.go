package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockMaterializer records calls and checks that every in-collection
// dependency was created before an item is materialized.
type mockMaterializer struct {
	mu         sync.Mutex
	calls      []string
	failures   map[string]error
	delay      time.Duration
	active     int
	maxActive  int
	violations []string
}

func newMockMaterializer() *mockMaterializer {
	return &mockMaterializer{failures: make(map[string]error)}
}

func (m *mockMaterializer) Create(ctx context.Context, id string, tmpl *ItemTemplate, dctx *DeploymentContext) (*CreatedItem, error) {
	m.mu.Lock()
	m.calls = append(m.calls, id)
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	for _, dep := range tmpl.Dependencies {
		h, ok := dctx.Handle(dep)
		if !ok {
			continue
		}
		item, err := h.Result()
		if !h.Settled() || err != nil || item == nil {
			m.violations = append(m.violations, fmt.Sprintf("%s before %s", id, dep))
		}
	}
	failure := m.failures[id]
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	m.active--
	m.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	return &CreatedItem{
		CreatedID: "created-" + id,
		Facts:     map[string]interface{}{"id": "created-" + id},
	}, nil
}

func (m *mockMaterializer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockMaterializer) called(id string) bool {
	for _, c := range m.Calls() {
		if c == id {
			return true
		}
	}
	return false
}

// mockPublisher collects published events.
type mockPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (p *mockPublisher) Publish(_ context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *mockPublisher) count(eventType EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// mockRecorder keeps the last saved copy of each record.
type mockRecorder struct {
	mu          sync.Mutex
	deployments []Deployment
	items       map[string]*ItemResult
}

func (r *mockRecorder) SaveDeployment(_ context.Context, d *Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments = append(r.deployments, *d)
	return nil
}

func (r *mockRecorder) SaveItemResult(_ context.Context, _ string, result *ItemResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items == nil {
		r.items = make(map[string]*ItemResult)
	}
	r.items[result.ItemID] = result
	return nil
}

func diamond() []ItemTemplate {
	return []ItemTemplate{
		tmpl("A"),
		tmpl("B", "A"),
		tmpl("C", "A"),
		tmpl("D", "B", "C"),
	}
}

func TestCoordinator_Deploy_Diamond(t *testing.T) {
	m := newMockMaterializer()
	m.delay = 5 * time.Millisecond
	coord := NewCoordinator(m)
	dctx := NewDeploymentContext()

	created, err := coord.Deploy(context.Background(), diamond(), dctx, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	calls := m.Calls()
	if len(calls) != 4 {
		t.Fatalf("Expected 4 materializer calls, got %v", calls)
	}
	if calls[0] != "A" {
		t.Errorf("Expected A to be created first, got %v", calls)
	}
	if calls[3] != "D" {
		t.Errorf("Expected D to be created last, got %v", calls)
	}
	if len(m.violations) > 0 {
		t.Errorf("Items created before their dependencies: %v", m.violations)
	}

	if len(created) != 4 {
		t.Fatalf("Expected 4 created items, got %d", len(created))
	}
	if created["D"].CreatedID != "created-D" || created["D"].TemplateID != "D" {
		t.Errorf("Unexpected outcome for D: %+v", created["D"])
	}
	if id, ok := dctx.CreatedID("B"); !ok || id != "created-B" {
		t.Errorf("Expected context to hold created-B, got %q", id)
	}
	if dctx.Facts("C")["id"] != "created-C" {
		t.Errorf("Expected facts of C in context, got %v", dctx.Facts("C"))
	}
}

func TestCoordinator_Deploy_ExternalDependency(t *testing.T) {
	m := newMockMaterializer()
	coord := NewCoordinator(m)

	created, err := coord.Deploy(context.Background(), []ItemTemplate{tmpl("A", "X")}, NewDeploymentContext(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !m.called("A") {
		t.Error("Expected A to be materialized")
	}
	if m.called("X") {
		t.Error("External dependency X must not be materialized")
	}
	if len(created) != 1 {
		t.Errorf("Expected 1 created item, got %d", len(created))
	}
}

func TestCoordinator_Deploy_Cycle(t *testing.T) {
	m := newMockMaterializer()
	coord := NewCoordinator(m)
	dctx := NewDeploymentContext()

	created, err := coord.Deploy(context.Background(), []ItemTemplate{tmpl("A", "B"), tmpl("B", "A")}, dctx, nil)

	var cyc *CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("Expected *CyclicDependencyError, got %v", err)
	}
	if created != nil {
		t.Errorf("Expected no created items, got %v", created)
	}
	if len(m.Calls()) != 0 {
		t.Errorf("Expected no materializer calls, got %v", m.Calls())
	}
	if dctx.Len() != 0 {
		t.Errorf("Expected untouched context, got %d slots", dctx.Len())
	}
}

func TestCoordinator_Deploy_FailurePropagation(t *testing.T) {
	boom := errors.New("backend unavailable")
	m := newMockMaterializer()
	m.failures["A"] = boom
	coord := NewCoordinator(m)

	templates := []ItemTemplate{
		tmpl("A"),
		tmpl("B", "A"),
		tmpl("C", "B"),
		tmpl("E"),
	}

	created, err := coord.Deploy(context.Background(), templates, NewDeploymentContext(), nil)
	if err == nil {
		t.Fatal("Expected deployment error, got nil")
	}

	if m.called("B") || m.called("C") {
		t.Errorf("Dependents of a failed item must not be materialized, calls: %v", m.Calls())
	}
	if !m.called("E") {
		t.Error("Independent item E should still be materialized")
	}
	if _, ok := created["E"]; !ok || len(created) != 1 {
		t.Errorf("Expected only E to be created, got %v", created)
	}

	var derr *DeploymentError
	if !errors.As(err, &derr) {
		t.Fatalf("Expected *DeploymentError, got %T", err)
	}
	if len(derr.Failed) != 3 {
		t.Errorf("Expected 3 failed items, got %d", len(derr.Failed))
	}
	if derr.First != "A" {
		t.Errorf("Expected first failure A, got %s", derr.First)
	}
	if roots := derr.RootCauses(); len(roots) != 1 {
		t.Errorf("Expected 1 root cause, got %v", roots)
	}

	var merr *MaterializationError
	if !errors.As(derr.Failed["A"], &merr) || merr.ItemID != "A" {
		t.Errorf("Expected A to fail with *MaterializationError, got %v", derr.Failed["A"])
	}
	if !errors.Is(err, boom) {
		t.Error("Expected backend error to be reachable with errors.Is")
	}

	for _, id := range []string{"B", "C"} {
		var dep *DependencyFailedError
		if !errors.As(derr.Failed[id], &dep) {
			t.Fatalf("Expected %s to fail with *DependencyFailedError, got %v", id, derr.Failed[id])
		}
		if dep.RootCause != "A" {
			t.Errorf("Expected root cause A for %s, got %s", id, dep.RootCause)
		}
		if CodeOf(derr.Failed[id]) != ErrCodeDependencyFailed {
			t.Errorf("Expected code %s for %s, got %s", ErrCodeDependencyFailed, id, CodeOf(derr.Failed[id]))
		}
	}
}

func TestCoordinator_Deploy_ScenarioD(t *testing.T) {
	m := newMockMaterializer()
	m.failures["A"] = errors.New("rejected")
	coord := NewCoordinator(m)

	_, err := coord.Deploy(context.Background(), []ItemTemplate{tmpl("A"), tmpl("B", "A")}, NewDeploymentContext(), nil)

	var derr *DeploymentError
	if !errors.As(err, &derr) {
		t.Fatalf("Expected *DeploymentError, got %v", err)
	}
	if calls := m.Calls(); len(calls) != 1 || calls[0] != "A" {
		t.Errorf("Expected only A to be materialized, got %v", calls)
	}
	if _, ok := derr.Failed["A"]; !ok {
		t.Error("Expected A to be reported as failed")
	}
	var dep *DependencyFailedError
	if !errors.As(derr.Failed["B"], &dep) {
		t.Errorf("Expected B to fail by propagation, got %v", derr.Failed["B"])
	}
}

func TestCoordinator_Deploy_NilItemIsFailure(t *testing.T) {
	coord := NewCoordinator(MaterializerFunc(func(context.Context, string, *ItemTemplate, *DeploymentContext) (*CreatedItem, error) {
		return nil, nil
	}))

	_, err := coord.Deploy(context.Background(), []ItemTemplate{tmpl("A")}, NewDeploymentContext(), nil)

	var merr *MaterializationError
	if !errors.As(err, &merr) {
		t.Errorf("Expected *MaterializationError, got %v", err)
	}
}

func TestCoordinator_Deploy_Empty(t *testing.T) {
	m := newMockMaterializer()
	coord := NewCoordinator(m)
	dctx := NewDeploymentContext()

	created, err := coord.Deploy(context.Background(), nil, dctx, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if created == nil || len(created) != 0 {
		t.Errorf("Expected empty map, got %v", created)
	}
	if dctx.Len() != 0 {
		t.Errorf("Expected unchanged context, got %d slots", dctx.Len())
	}
}

func TestCoordinator_Deploy_ProgressTicks(t *testing.T) {
	var units int64
	var calls int64
	progress := func(n int) {
		atomic.AddInt64(&calls, 1)
		atomic.AddInt64(&units, int64(n))
		if n != 1 {
			t.Errorf("Expected progress units of 1, got %d", n)
		}
	}

	var seenByB int64
	m := MaterializerFunc(func(_ context.Context, id string, _ *ItemTemplate, _ *DeploymentContext) (*CreatedItem, error) {
		if id == "B" {
			atomic.StoreInt64(&seenByB, atomic.LoadInt64(&units))
		}
		if id == "C" {
			return nil, errors.New("no")
		}
		return &CreatedItem{CreatedID: id + "-1"}, nil
	})

	templates := []ItemTemplate{
		{ItemID: "A", EstimatedDeploymentCostFactor: 3},
		{ItemID: "B", Dependencies: []string{"A"}, EstimatedDeploymentCostFactor: 2},
		{ItemID: "C", EstimatedDeploymentCostFactor: 5},
		{ItemID: "Z", EstimatedDeploymentCostFactor: 0},
	}

	report, _ := NewCoordinator(m).Run(context.Background(), DeployRequest{
		Templates: templates,
		Progress:  progress,
	})

	if got := atomic.LoadInt64(&units); got != 5 {
		t.Errorf("Expected 5 progress units, got %d", got)
	}
	if got := atomic.LoadInt64(&calls); got != 5 {
		t.Errorf("Expected 5 progress calls, got %d", got)
	}
	// A's ticks land before its handle resolves, so B sees all of them
	if got := atomic.LoadInt64(&seenByB); got < 3 {
		t.Errorf("Expected B to observe at least 3 units, got %d", got)
	}
	if report.Deployment.Summary.ProgressUnits != 5 {
		t.Errorf("Expected summary progress 5, got %d", report.Deployment.Summary.ProgressUnits)
	}
	if report.Results["C"].ProgressUnits != 0 {
		t.Errorf("Failed item should report no progress, got %d", report.Results["C"].ProgressUnits)
	}
}

func TestCoordinator_MaxParallel(t *testing.T) {
	m := newMockMaterializer()
	m.delay = 20 * time.Millisecond
	coord := NewCoordinator(m, WithMaxParallel(2))

	templates := make([]ItemTemplate, 8)
	for i := range templates {
		templates[i] = tmpl(fmt.Sprintf("item-%d", i))
	}

	if _, err := coord.Deploy(context.Background(), templates, NewDeploymentContext(), nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if m.maxActive > 2 {
		t.Errorf("Expected at most 2 concurrent materializations, got %d", m.maxActive)
	}
	if len(m.Calls()) != 8 {
		t.Errorf("Expected 8 calls, got %d", len(m.Calls()))
	}
}

func TestCoordinator_Run_Cancelled(t *testing.T) {
	m := newMockMaterializer()
	coord := NewCoordinator(m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := coord.Run(ctx, DeployRequest{Templates: diamond()})
	if err == nil {
		t.Fatal("Expected error for cancelled deployment")
	}
	if len(m.Calls()) != 0 {
		t.Errorf("Expected no materializer calls, got %v", m.Calls())
	}
	if report.Deployment.Status != DeploymentStatusCancelled {
		t.Errorf("Expected status cancelled, got %s", report.Deployment.Status)
	}
	if CodeOf(report.Results["A"].Error) != ErrCodeCancelled {
		t.Errorf("Expected A to be cancelled, got %v", report.Results["A"].Error)
	}
}

func TestCoordinator_Run_Targets(t *testing.T) {
	m := newMockMaterializer()
	coord := NewCoordinator(m)

	templates := []ItemTemplate{tmpl("A"), tmpl("B", "A"), tmpl("C")}
	report, err := coord.Run(context.Background(), DeployRequest{Templates: templates, Targets: []string{"B"}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if m.called("C") {
		t.Error("C is not a target and should not be materialized")
	}
	if len(report.Created) != 2 {
		t.Errorf("Expected A and B to be created, got %v", report.Created)
	}
}

func TestCoordinator_Run_MissingTarget(t *testing.T) {
	m := newMockMaterializer()
	coord := NewCoordinator(m)

	report, err := coord.Run(context.Background(), DeployRequest{
		Templates: []ItemTemplate{tmpl("A")},
		Targets:   []string{"A", "ghost"},
	})

	var tnf *TemplateNotFoundError
	if !errors.As(err, &tnf) || tnf.ItemID != "ghost" {
		t.Fatalf("Expected *TemplateNotFoundError for ghost, got %v", err)
	}
	if _, ok := report.Created["A"]; !ok {
		t.Error("Expected A to be created")
	}
	if report.Deployment.Status != DeploymentStatusPartial {
		t.Errorf("Expected partial status, got %s", report.Deployment.Status)
	}
	if len(report.Order) != 2 || report.Order[0] != "A" || report.Order[1] != "ghost" {
		t.Errorf("Expected order [A ghost], got %v", report.Order)
	}
	if r := report.Results["ghost"]; r == nil || r.Status != ItemStatusFailed {
		t.Errorf("Expected a failed result for ghost, got %+v", r)
	}
}

func TestCoordinator_Run_AlreadyRegistered(t *testing.T) {
	coord := NewCoordinator(newMockMaterializer())
	dctx := NewDeploymentContext()
	dctx.Register("A")

	_, err := coord.Run(context.Background(), DeployRequest{Templates: []ItemTemplate{tmpl("A")}, Context: dctx})
	if CodeOf(err) != ErrCodeAlreadyExists {
		t.Errorf("Expected %s, got %v", ErrCodeAlreadyExists, err)
	}
}

func TestCoordinator_Run_RecordsAndPublishes(t *testing.T) {
	m := newMockMaterializer()
	m.failures["C"] = errors.New("quota exceeded")
	pub := &mockPublisher{}
	rec := &mockRecorder{}
	coord := NewCoordinator(m, WithEventPublisher(pub), WithRecorder(rec))

	report, err := coord.Run(context.Background(), DeployRequest{SolutionName: "demo", Templates: diamond()})
	if err == nil {
		t.Fatal("Expected deployment error")
	}

	if report.Deployment.Status != DeploymentStatusPartial {
		t.Errorf("Expected partial, got %s", report.Deployment.Status)
	}
	summary := report.Deployment.Summary
	if summary.Total != 4 || summary.Succeeded != 2 || summary.Failed != 1 || summary.Skipped != 1 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if report.Results["D"].RootCause != "C" {
		t.Errorf("Expected D root cause C, got %q", report.Results["D"].RootCause)
	}

	rec.mu.Lock()
	if len(rec.deployments) != 2 {
		t.Errorf("Expected 2 deployment saves, got %d", len(rec.deployments))
	}
	if last := rec.deployments[len(rec.deployments)-1]; last.Status != DeploymentStatusPartial || last.CompletedAt == nil {
		t.Errorf("Unexpected final record: %+v", last)
	}
	if len(rec.items) != 4 {
		t.Errorf("Expected 4 item results, got %d", len(rec.items))
	}
	rec.mu.Unlock()

	if pub.count(EventTypeDeploymentStarted) != 1 {
		t.Error("Expected one deployment_started event")
	}
	if pub.count(EventTypeDeploymentFailed) != 1 {
		t.Error("Expected one deployment_failed event")
	}
	if pub.count(EventTypeItemCompleted) != 2 {
		t.Errorf("Expected 2 item_completed events, got %d", pub.count(EventTypeItemCompleted))
	}
	if pub.count(EventTypeItemSkipped) != 1 {
		t.Errorf("Expected 1 item_skipped event, got %d", pub.count(EventTypeItemSkipped))
	}
}

func TestCoordinator_DependencyFactsVisible(t *testing.T) {
	var layerURL string
	m := MaterializerFunc(func(_ context.Context, id string, _ *ItemTemplate, dctx *DeploymentContext) (*CreatedItem, error) {
		switch id {
		case "layer":
			return &CreatedItem{CreatedID: "L1", Facts: map[string]interface{}{"url": "https://host/L1"}}, nil
		case "map":
			layerURL, _ = dctx.Facts("layer")["url"].(string)
		}
		return &CreatedItem{CreatedID: id + "-id"}, nil
	})

	_, err := NewCoordinator(m).Deploy(context.Background(),
		[]ItemTemplate{tmpl("map", "layer"), tmpl("layer")}, NewDeploymentContext(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if layerURL != "https://host/L1" {
		t.Errorf("Expected map to see layer url, got %q", layerURL)
	}
}
