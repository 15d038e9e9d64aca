package engine

import (
	"context"
)

// Materializer creates a single item in the target environment.
//
// Create is invoked only after every in-collection dependency of the item has
// been created, so implementations may read the created ids and facts of
// those dependencies from dctx. Any returned error is wrapped in a
// MaterializationError by the coordinator.
type Materializer interface {
	Create(ctx context.Context, id string, tmpl *ItemTemplate, dctx *DeploymentContext) (*CreatedItem, error)
}

// MaterializerFunc adapts an ordinary function to the Materializer interface.
type MaterializerFunc func(ctx context.Context, id string, tmpl *ItemTemplate, dctx *DeploymentContext) (*CreatedItem, error)

// Create calls f(ctx, id, tmpl, dctx).
func (f MaterializerFunc) Create(ctx context.Context, id string, tmpl *ItemTemplate, dctx *DeploymentContext) (*CreatedItem, error) {
	return f(ctx, id, tmpl, dctx)
}

// ProgressFunc receives units of completed work. It is called from item task
// goroutines and must be safe for concurrent use.
type ProgressFunc func(units int)

// EventPublisher publishes deployment events.
type EventPublisher interface {
	// Publish publishes an event. Errors are logged and never fail a deployment.
	Publish(ctx context.Context, event *Event) error
}

// DeploymentRecorder persists deployment and item records.
type DeploymentRecorder interface {
	// SaveDeployment creates or updates a deployment record.
	SaveDeployment(ctx context.Context, deployment *Deployment) error

	// SaveItemResult persists the settled result of one item.
	SaveItemResult(ctx context.Context, deploymentID string, result *ItemResult) error
}
