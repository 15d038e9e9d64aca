package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a telemetry event delivered to in-process subscribers.
type Event struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Type         string                 `json:"type"`
	Source       string                 `json:"source"`
	DeploymentID string                 `json:"deployment_id,omitempty"`
	ItemID       string                 `json:"item_id,omitempty"`
	ItemType     string                 `json:"item_type,omitempty"`
	Message      string                 `json:"message"`
	Level        string                 `json:"level"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Event types emitted outside the deployment engine. Engine events keep
// their own type names.
const (
	EventTypeSolutionLoaded  = "solution_loaded"
	EventTypePolicyViolation = "policy_violation"
	EventTypePolicyReloaded  = "policy_reloaded"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventBus fans events out to subscribers, synchronously or from a
// background goroutine.
type EventBus struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	dropped     int
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventBus creates a new event bus with the given configuration.
func NewEventBus(cfg EventsConfig) (*EventBus, error) {
	if !cfg.Enabled {
		return &EventBus{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := &EventBus{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		bus.wg.Add(1)
		go bus.processEvents()
	}

	return bus, nil
}

// Publish delivers event to every matching subscriber.
func (b *EventBus) Publish(event Event) error {
	if !b.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	for _, filter := range b.filters {
		if !filter(event) {
			b.mu.RUnlock()
			return nil
		}
	}
	b.mu.RUnlock()

	if !b.config.EnableAsync {
		b.deliver(event)
		return nil
	}

	select {
	case <-b.ctx.Done():
		return fmt.Errorf("event bus stopped")
	default:
	}
	select {
	case b.buffer <- event:
		return nil
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// PublishSolutionLoaded publishes a solution loaded event.
func (b *EventBus) PublishSolutionLoaded(solution string, items int) error {
	return b.Publish(Event{
		Type:    EventTypeSolutionLoaded,
		Source:  "config",
		Message: fmt.Sprintf("Solution %s loaded with %d item(s)", solution, items),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"solution": solution, "items": items},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (b *EventBus) PublishPolicyViolation(itemID, policyName, reason string) error {
	return b.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		ItemID:  itemID,
		Message: fmt.Sprintf("Policy violation on item %s: %s - %s", itemID, policyName, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"policy": policyName, "reason": reason},
	})
}

// PublishPolicyReloaded publishes a policy reload event.
func (b *EventBus) PublishPolicyReloaded(policies int) error {
	return b.Publish(Event{
		Type:    EventTypePolicyReloaded,
		Source:  "policy",
		Message: fmt.Sprintf("Reloaded %d policy module(s)", policies),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"policies": policies},
	})
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (b *EventBus) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddFilter adds a bus-wide event filter.
func (b *EventBus) AddFilter(filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, filter)
}

// Dropped returns the number of events dropped because the buffer was full.
func (b *EventBus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *EventBus) processEvents() {
	defer b.wg.Done()

	batch := make([]Event, 0, b.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			b.deliver(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-b.buffer:
			batch = append(batch, event)
			if len(batch) >= b.config.MaxBatchSize || len(b.buffer) == 0 {
				flush()
			}
		case <-b.ctx.Done():
			for {
				select {
				case event := <-b.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *EventBus) deliver(event Event) {
	b.mu.RLock()
	entries := make([]subscriberEntry, len(b.subscribers))
	copy(entries, b.subscribers)
	b.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the background goroutine.
func (b *EventBus) Shutdown(ctx context.Context) error {
	if !b.config.Enabled {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	min := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= min
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByDeploymentID accepts events of one deployment.
func FilterByDeploymentID(deploymentID string) EventFilter {
	return func(event Event) bool {
		return event.DeploymentID == deploymentID
	}
}

// FilterByItemID accepts events of one item.
func FilterByItemID(itemID string) EventFilter {
	return func(event Event) bool {
		return event.ItemID == itemID
	}
}
