package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/deployer/pkg/engine"
)

// Recorder adapts a Store to the engine's DeploymentRecorder and
// EventPublisher interfaces.
type Recorder struct {
	store Store
}

// NewRecorder creates a recorder that writes to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// SaveDeployment creates the deployment record on first save and updates it
// afterwards.
func (r *Recorder) SaveDeployment(ctx context.Context, d *engine.Deployment) error {
	record, err := deploymentRecord(d)
	if err != nil {
		return err
	}

	err = r.store.UpdateDeployment(ctx, record)
	if errors.Is(err, ErrNotFound) {
		return r.store.CreateDeployment(ctx, record)
	}
	return err
}

// SaveItemResult persists the settled result of one item.
func (r *Recorder) SaveItemResult(ctx context.Context, deploymentID string, result *engine.ItemResult) error {
	record := &ItemResult{
		DeploymentID:  deploymentID,
		ItemID:        result.ItemID,
		ItemType:      result.Type,
		Status:        result.Status,
		DurationMs:    result.Duration.Milliseconds(),
		ProgressUnits: result.ProgressUnits,
		Facts:         "{}",
	}
	if !result.StartedAt.IsZero() {
		started := result.StartedAt
		record.StartedAt = &started
	}
	if !result.CompletedAt.IsZero() {
		completed := result.CompletedAt
		record.CompletedAt = &completed
	}
	if result.RootCause != "" {
		rootCause := result.RootCause
		record.RootCause = &rootCause
	}
	if result.Error != nil {
		msg := result.Error.Error()
		code := engine.CodeOf(result.Error)
		record.Error = &msg
		record.ErrorCode = &code
	}
	if result.Outcome != nil {
		createdID := result.Outcome.CreatedID
		record.CreatedID = &createdID
		if len(result.Outcome.Facts) > 0 {
			facts, err := json.Marshal(result.Outcome.Facts)
			if err != nil {
				return fmt.Errorf("failed to marshal facts: %w", err)
			}
			record.Facts = string(facts)
		}
	}

	return r.store.SaveItemResult(ctx, record)
}

// Publish appends an engine event to the event log.
func (r *Recorder) Publish(ctx context.Context, event *engine.Event) error {
	record := &Event{
		EventID:   event.ID,
		Type:      string(event.Type),
		Level:     eventLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if event.DeploymentID != "" {
		deploymentID := event.DeploymentID
		record.DeploymentID = &deploymentID
	}
	if event.ItemID != "" {
		itemID := event.ItemID
		record.ItemID = &itemID
	}
	if len(event.Details) > 0 {
		details, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
		detailsStr := string(details)
		record.Details = &detailsStr
	}

	return r.store.AppendEvent(ctx, record)
}

func deploymentRecord(d *engine.Deployment) (*Deployment, error) {
	metadata := "{}"
	if len(d.Metadata) > 0 {
		b, err := json.Marshal(d.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal deployment metadata: %w", err)
		}
		metadata = string(b)
	}

	record := &Deployment{
		ID:            d.ID,
		SolutionName:  d.SolutionName,
		Status:        d.Status,
		StartedAt:     d.StartedAt,
		CompletedAt:   d.CompletedAt,
		DurationMs:    d.Duration.Milliseconds(),
		Total:         d.Summary.Total,
		Succeeded:     d.Summary.Succeeded,
		Failed:        d.Summary.Failed,
		Skipped:       d.Summary.Skipped,
		ProgressUnits: d.Summary.ProgressUnits,
		Metadata:      metadata,
	}
	if d.Error != "" {
		msg := d.Error
		record.Error = &msg
	}
	return record, nil
}

func eventLevel(level string) EventLevel {
	switch EventLevel(level) {
	case EventLevelDebug, EventLevelInfo, EventLevelWarning, EventLevelError:
		return EventLevel(level)
	case "warn":
		return EventLevelWarning
	default:
		return EventLevelInfo
	}
}
