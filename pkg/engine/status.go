package engine

import (
	"fmt"
)

// DeploymentStatus represents the overall status of a deployment.
type DeploymentStatus string

const (
	// DeploymentStatusPending indicates the deployment is created but not yet started.
	DeploymentStatusPending DeploymentStatus = "pending"

	// DeploymentStatusRunning indicates item tasks are in flight.
	DeploymentStatusRunning DeploymentStatus = "running"

	// DeploymentStatusSucceeded indicates every item was created.
	DeploymentStatusSucceeded DeploymentStatus = "succeeded"

	// DeploymentStatusFailed indicates no item was created.
	DeploymentStatusFailed DeploymentStatus = "failed"

	// DeploymentStatusCancelled indicates the caller cancelled the deployment.
	DeploymentStatusCancelled DeploymentStatus = "cancelled"

	// DeploymentStatusPartial indicates some items were created and some failed.
	DeploymentStatusPartial DeploymentStatus = "partial"
)

// IsTerminal returns true if the status represents a final state.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStatusSucceeded || s == DeploymentStatusFailed ||
		s == DeploymentStatusCancelled || s == DeploymentStatusPartial
}

// IsActive returns true if the deployment is pending or running.
func (s DeploymentStatus) IsActive() bool {
	return s == DeploymentStatusPending || s == DeploymentStatusRunning
}

// Validate checks if the deployment status is valid.
func (s DeploymentStatus) Validate() error {
	switch s {
	case DeploymentStatusPending, DeploymentStatusRunning, DeploymentStatusSucceeded,
		DeploymentStatusFailed, DeploymentStatusCancelled, DeploymentStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid deployment status: %s", s)
	}
}

// ItemStatus represents the status of a single item within a deployment.
type ItemStatus string

const (
	// ItemStatusPending indicates the task is waiting on its dependencies.
	ItemStatusPending ItemStatus = "pending"

	// ItemStatusRunning indicates the materializer has been invoked.
	ItemStatusRunning ItemStatus = "running"

	// ItemStatusSucceeded indicates the item was created.
	ItemStatusSucceeded ItemStatus = "succeeded"

	// ItemStatusFailed indicates the item's own creation failed.
	ItemStatusFailed ItemStatus = "failed"

	// ItemStatusSkipped indicates an ancestor failed and the item was never materialized.
	ItemStatusSkipped ItemStatus = "skipped"
)

// IsTerminal returns true if the item status represents a final state.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusSucceeded || s == ItemStatusFailed || s == ItemStatusSkipped
}

// Validate checks if the item status is valid.
func (s ItemStatus) Validate() error {
	switch s {
	case ItemStatusPending, ItemStatusRunning, ItemStatusSucceeded,
		ItemStatusFailed, ItemStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid item status: %s", s)
	}
}

// EventType represents the type of event in the deployment timeline.
type EventType string

const (
	// EventTypeDeploymentStarted indicates a deployment has started.
	EventTypeDeploymentStarted EventType = "deployment_started"

	// EventTypeDeploymentCompleted indicates every item was created.
	EventTypeDeploymentCompleted EventType = "deployment_completed"

	// EventTypeDeploymentFailed indicates the deployment ended with failures.
	EventTypeDeploymentFailed EventType = "deployment_failed"

	// EventTypeItemStarted indicates an item's materializer was invoked.
	EventTypeItemStarted EventType = "item_started"

	// EventTypeItemCompleted indicates an item was created.
	EventTypeItemCompleted EventType = "item_completed"

	// EventTypeItemFailed indicates an item's creation failed.
	EventTypeItemFailed EventType = "item_failed"

	// EventTypeItemSkipped indicates an item was skipped due to an upstream failure.
	EventTypeItemSkipped EventType = "item_skipped"

	// EventTypeProgress indicates progress units were reported.
	EventTypeProgress EventType = "progress"
)

// deploymentStatusFor derives the final deployment status from a summary.
func deploymentStatusFor(summary DeploymentSummary, cancelled bool) DeploymentStatus {
	switch {
	case cancelled:
		return DeploymentStatusCancelled
	case summary.Failed == 0 && summary.Skipped == 0:
		return DeploymentStatusSucceeded
	case summary.Succeeded > 0:
		return DeploymentStatusPartial
	default:
		return DeploymentStatusFailed
	}
}
