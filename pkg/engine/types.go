package engine

import (
	"encoding/json"
	"time"
)

// ItemTemplate describes one deployable item and the items it depends on.
// Templates are immutable inputs; the engine never modifies them.
type ItemTemplate struct {
	// ItemID is the unique, stable identifier of the item within the solution.
	ItemID string `json:"itemId"`

	// Type is the item type tag used to select a materializer handler.
	Type string `json:"type"`

	// Dependencies lists the ids of items that must exist before this one.
	// Ids absent from the deployed collection are treated as already satisfied.
	Dependencies []string `json:"dependencies,omitempty"`

	// EstimatedDeploymentCostFactor scales progress reporting for this item.
	EstimatedDeploymentCostFactor int `json:"estimatedDeploymentCostFactor"`

	// Item is the opaque item metadata.
	Item json.RawMessage `json:"item,omitempty"`

	// Data is the opaque item data.
	Data json.RawMessage `json:"data,omitempty"`

	// Resources lists opaque resource file references.
	Resources []string `json:"resources,omitempty"`
}

// DeploymentOrder is a sequence of item ids in which every in-collection
// dependency precedes its dependents.
type DeploymentOrder []string

// Index returns the position of id in the order, or -1.
func (o DeploymentOrder) Index(id string) int {
	for i, v := range o {
		if v == id {
			return i
		}
	}
	return -1
}

// CreatedItem is the outcome of a successful materialization.
type CreatedItem struct {
	// TemplateID is the template's item id.
	TemplateID string `json:"template_id"`

	// CreatedID is the runtime id assigned by the target environment.
	CreatedID string `json:"created_id"`

	// Type is the item type tag.
	Type string `json:"type"`

	// Facts are substitution values produced for downstream items.
	Facts map[string]interface{} `json:"facts,omitempty"`

	// CreatedAt is when the materializer returned.
	CreatedAt time.Time `json:"created_at"`

	// Duration is how long the materializer call took.
	Duration time.Duration `json:"duration"`
}

// ItemResult is the per-item record of a deployment.
type ItemResult struct {
	// ItemID is the template's item id.
	ItemID string `json:"item_id"`

	// Type is the item type tag.
	Type string `json:"type"`

	// Status is the final item status.
	Status ItemStatus `json:"status"`

	// Outcome is set when Status is succeeded.
	Outcome *CreatedItem `json:"outcome,omitempty"`

	// Error is the reason the item did not deploy.
	Error error `json:"-"`

	// RootCause is the id of the failed ancestor for skipped items.
	RootCause string `json:"root_cause,omitempty"`

	// StartedAt is when the item task was launched.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the item task settled.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the time between launch and settlement.
	Duration time.Duration `json:"duration"`

	// ProgressUnits is the number of progress units emitted.
	ProgressUnits int `json:"progress_units"`
}

// ErrorMessage returns the error text, or an empty string.
func (r *ItemResult) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Error()
}

// DeploymentSummary contains summary statistics for a deployment.
type DeploymentSummary struct {
	Total         int `json:"total"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	Skipped       int `json:"skipped"`
	ProgressUnits int `json:"progress_units"`
}

// Deployment is the record of one Deploy invocation.
type Deployment struct {
	// ID is the unique identifier for this deployment.
	ID string `json:"id"`

	// SolutionName names the solution being deployed.
	SolutionName string `json:"solution_name"`

	// Status is the current status of the deployment.
	Status DeploymentStatus `json:"status"`

	// StartedAt is when the deployment started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the deployment finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total deployment time.
	Duration time.Duration `json:"duration"`

	// Summary contains per-status counts.
	Summary DeploymentSummary `json:"summary"`

	// Error is the aggregate failure message, if any.
	Error string `json:"error,omitempty"`

	// Metadata contains additional deployment information.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Event represents a deployment event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// DeploymentID is the deployment this event belongs to.
	DeploymentID string `json:"deployment_id"`

	// ItemID is the item, if applicable.
	ItemID string `json:"item_id,omitempty"`

	// ItemType is the item type tag, if applicable.
	ItemType string `json:"item_type,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// HierarchyNode is one node of a solution's dependency tree.
type HierarchyNode struct {
	ID           string           `json:"id"`
	Dependencies []*HierarchyNode `json:"dependencies"`
}
