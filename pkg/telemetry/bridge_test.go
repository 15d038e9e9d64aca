package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openfroyo/deployer/pkg/engine"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*engine.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, event *engine.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m
}

func TestBridge_RecordsDeploymentMetrics(t *testing.T) {
	metrics := newTestMetrics(t)
	bus, _ := NewEventBus(EventsConfig{Enabled: true, BufferSize: 10})
	next := &capturePublisher{}

	var mu sync.Mutex
	var busEvents []Event
	bus.Subscribe(func(e Event) {
		mu.Lock()
		busEvents = append(busEvents, e)
		mu.Unlock()
	}, nil)

	m := engine.MaterializerFunc(func(_ context.Context, id string, _ *engine.ItemTemplate, _ *engine.DeploymentContext) (*engine.CreatedItem, error) {
		if id == "B" {
			return nil, engine.NewTransientError("backend unavailable", nil)
		}
		return &engine.CreatedItem{CreatedID: "new-" + id}, nil
	})
	coord := engine.NewCoordinator(m, engine.WithEventPublisher(NewBridge(metrics, bus, next)))

	_, err := coord.Run(context.Background(), engine.DeployRequest{
		SolutionName: "parcels",
		Templates: []engine.ItemTemplate{
			{ItemID: "A", Type: "Feature Service", EstimatedDeploymentCostFactor: 3},
			{ItemID: "B", Type: "Web Map", Dependencies: []string{"A"}},
			{ItemID: "C", Type: "Dashboard", Dependencies: []string{"B"}},
		},
	})
	if err == nil {
		t.Fatal("Run() expected error")
	}

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"started", testutil.ToFloat64(metrics.deploymentsStarted.WithLabelValues("parcels")), 1},
		{"completed partial", testutil.ToFloat64(metrics.deploymentsCompleted.WithLabelValues("partial")), 1},
		{"active", testutil.ToFloat64(metrics.activeDeployments), 0},
		{"inflight", testutil.ToFloat64(metrics.inflightItems), 0},
		{"A succeeded", testutil.ToFloat64(metrics.itemsSettled.WithLabelValues("Feature Service", "succeeded")), 1},
		{"B failed", testutil.ToFloat64(metrics.itemsSettled.WithLabelValues("Web Map", "failed")), 1},
		{"C skipped", testutil.ToFloat64(metrics.itemsSettled.WithLabelValues("Dashboard", "skipped")), 1},
		{"progress", testutil.ToFloat64(metrics.progress), 3},
		{"transient class", testutil.ToFloat64(metrics.errorsByClass.WithLabelValues("transient")), 1},
		{"materialization code", testutil.ToFloat64(metrics.errorsByCode.WithLabelValues(engine.ErrCodeMaterializationFailed)), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	next.mu.Lock()
	forwarded := len(next.events)
	next.mu.Unlock()
	mu.Lock()
	published := len(busEvents)
	mu.Unlock()
	if forwarded == 0 || forwarded != published {
		t.Errorf("forwarded %d events, bus received %d", forwarded, published)
	}
}

func TestBridge_JoinsForwardErrors(t *testing.T) {
	backendErr := errors.New("disk full")
	b := NewBridge(nil, nil, &capturePublisher{err: backendErr})

	err := b.Publish(context.Background(), &engine.Event{Type: engine.EventTypeProgress})
	if !errors.Is(err, backendErr) {
		t.Errorf("Publish() error = %v, want %v", err, backendErr)
	}
}

func TestBridge_SkippedWithoutStartHasNoDuration(t *testing.T) {
	metrics := newTestMetrics(t)
	b := NewBridge(metrics, nil)
	ctx := context.Background()

	_ = b.Publish(ctx, &engine.Event{Type: engine.EventTypeItemStarted, DeploymentID: "d", ItemID: "A", ItemType: "Web Map", Timestamp: time.Now()})
	if got := testutil.ToFloat64(metrics.inflightItems); got != 1 {
		t.Fatalf("inflight = %v, want 1", got)
	}
	_ = b.Publish(ctx, &engine.Event{Type: engine.EventTypeItemSkipped, DeploymentID: "d", ItemID: "B", ItemType: "Web Map", Timestamp: time.Now()})
	if got := testutil.ToFloat64(metrics.inflightItems); got != 1 {
		t.Errorf("inflight after unrelated skip = %v, want 1", got)
	}
	_ = b.Publish(ctx, &engine.Event{Type: engine.EventTypeItemCompleted, DeploymentID: "d", ItemID: "A", ItemType: "Web Map", Timestamp: time.Now()})
	if got := testutil.ToFloat64(metrics.inflightItems); got != 0 {
		t.Errorf("inflight after completion = %v, want 0", got)
	}
	if got := testutil.CollectAndCount(metrics.itemDuration); got != 1 {
		t.Errorf("item duration series = %d, want 1", got)
	}
}

func TestMetrics_DisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordDeploymentStarted("x")
	m.RecordDeploymentCompleted("succeeded", time.Second)
	m.RecordItemStarted()
	m.RecordItemSettled("Web Map", "succeeded", time.Second, true)
	m.RecordProgress(3)
	m.RecordError("transient", "X")
	m.RecordPolicyEvaluation(false)

	if m.Registry() != nil {
		t.Error("Registry() should be nil when disabled")
	}
	if err := m.StartMetricsServer(NewWriterLogger(nil, LoggingConfig{}).Zerolog()); err != nil {
		t.Errorf("StartMetricsServer() error = %v", err)
	}
}

func TestMetrics_PolicyEvaluations(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordPolicyEvaluation(true)
	m.RecordPolicyEvaluation(true)
	m.RecordPolicyEvaluation(false)

	if got := testutil.ToFloat64(m.policyEvaluations.WithLabelValues("allowed")); got != 2 {
		t.Errorf("allowed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.policyEvaluations.WithLabelValues("denied")); got != 1 {
		t.Errorf("denied = %v, want 1", got)
	}
}
