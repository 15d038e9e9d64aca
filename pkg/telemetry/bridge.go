package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openfroyo/deployer/pkg/engine"
)

// Bridge is an engine.EventPublisher that turns deployment events into
// metrics and bus events, then forwards them to the next publishers.
type Bridge struct {
	metrics *Metrics
	bus     *EventBus
	next    []engine.EventPublisher

	mu      sync.Mutex
	started map[string]time.Time
}

// NewBridge creates a bridge. metrics and bus may be nil.
func NewBridge(metrics *Metrics, bus *EventBus, next ...engine.EventPublisher) *Bridge {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Bridge{
		metrics: metrics,
		bus:     bus,
		next:    next,
		started: make(map[string]time.Time),
	}
}

// Publish implements engine.EventPublisher.
func (b *Bridge) Publish(ctx context.Context, event *engine.Event) error {
	b.record(event)

	var errs []error
	if b.bus != nil {
		if err := b.bus.Publish(fromEngineEvent(event)); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range b.next {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bridge) record(event *engine.Event) {
	key := event.DeploymentID + "/" + event.ItemID

	switch event.Type {
	case engine.EventTypeDeploymentStarted:
		solution, _ := event.Details["solution"].(string)
		b.metrics.RecordDeploymentStarted(solution)

	case engine.EventTypeDeploymentCompleted, engine.EventTypeDeploymentFailed:
		status, _ := event.Details["status"].(string)
		seconds, _ := event.Details["duration"].(float64)
		b.metrics.RecordDeploymentCompleted(status, time.Duration(seconds*float64(time.Second)))

	case engine.EventTypeItemStarted:
		b.mu.Lock()
		b.started[key] = event.Timestamp
		b.mu.Unlock()
		b.metrics.RecordItemStarted()

	case engine.EventTypeItemCompleted:
		duration, started := b.settle(key, event.Timestamp)
		b.metrics.RecordItemSettled(event.ItemType, string(engine.ItemStatusSucceeded), duration, started)
		if units, ok := event.Details["progress_units"].(int); ok {
			b.metrics.RecordProgress(units)
		}

	case engine.EventTypeItemFailed:
		duration, started := b.settle(key, event.Timestamp)
		b.metrics.RecordItemSettled(event.ItemType, string(engine.ItemStatusFailed), duration, started)
		class, _ := event.Details["class"].(string)
		code, _ := event.Details["code"].(string)
		b.metrics.RecordError(class, code)

	case engine.EventTypeItemSkipped:
		duration, started := b.settle(key, event.Timestamp)
		b.metrics.RecordItemSettled(event.ItemType, string(engine.ItemStatusSkipped), duration, started)
	}
}

func (b *Bridge) settle(key string, at time.Time) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start, ok := b.started[key]
	if !ok {
		return 0, false
	}
	delete(b.started, key)
	return at.Sub(start), true
}

func fromEngineEvent(event *engine.Event) Event {
	return Event{
		ID:           event.ID,
		Timestamp:    event.Timestamp,
		Type:         string(event.Type),
		Source:       "engine",
		DeploymentID: event.DeploymentID,
		ItemID:       event.ItemID,
		ItemType:     event.ItemType,
		Message:      event.Message,
		Level:        event.Level,
		Data:         event.Details,
	}
}
