package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/deployer/pkg/engine"
)

// ErrNotFound is wrapped by every lookup that finds no row.
var ErrNotFound = errors.New("not found")

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Deployment represents a deployment run record
type Deployment struct {
	ID            string                  `json:"id"`
	SolutionName  string                  `json:"solution_name"`
	Status        engine.DeploymentStatus `json:"status"`
	StartedAt     time.Time               `json:"started_at"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
	DurationMs    int64                   `json:"duration_ms"`
	Total         int                     `json:"total"`
	Succeeded     int                     `json:"succeeded"`
	Failed        int                     `json:"failed"`
	Skipped       int                     `json:"skipped"`
	ProgressUnits int                     `json:"progress_units"`
	Error         *string                 `json:"error,omitempty"`
	Metadata      string                  `json:"metadata"` // JSON blob
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// ItemResult represents the settled outcome of one item within a deployment
type ItemResult struct {
	DeploymentID  string            `json:"deployment_id"`
	ItemID        string            `json:"item_id"`
	ItemType      string            `json:"item_type"`
	Status        engine.ItemStatus `json:"status"`
	CreatedID     *string           `json:"created_id,omitempty"`
	RootCause     *string           `json:"root_cause,omitempty"`
	Error         *string           `json:"error,omitempty"`
	ErrorCode     *string           `json:"error_code,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	DurationMs    int64             `json:"duration_ms"`
	ProgressUnits int               `json:"progress_units"`
	Facts         string            `json:"facts"` // JSON blob
}

// Event represents an append-only deployment event
type Event struct {
	ID           int64      `json:"id"`
	EventID      string     `json:"event_id"`
	DeploymentID *string    `json:"deployment_id,omitempty"`
	ItemID       *string    `json:"item_id,omitempty"`
	Type         string     `json:"type"`
	Level        EventLevel `json:"level"`
	Message      string     `json:"message"`
	Details      *string    `json:"details,omitempty"` // JSON blob
	Timestamp    time.Time  `json:"timestamp"`
}

// CatalogItem represents an item created in the local catalog
type CatalogItem struct {
	ID           string    `json:"id"`
	TemplateID   string    `json:"template_id"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Item         string    `json:"item"`         // JSON blob
	Data         string    `json:"data"`         // JSON blob
	Resources    string    `json:"resources"`    // JSON array
	Dependencies string    `json:"dependencies"` // JSON object, template id -> created id
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Deployment operations
	CreateDeployment(ctx context.Context, d *Deployment) error
	UpdateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	ListDeployments(ctx context.Context, limit, offset int) ([]*Deployment, error)
	DeleteDeployment(ctx context.Context, id string) error

	// ItemResult operations
	SaveItemResult(ctx context.Context, result *ItemResult) error
	ListItemResults(ctx context.Context, deploymentID string) ([]*ItemResult, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, deploymentID *string, limit, offset int) ([]*Event, error)

	// Catalog operations
	PutCatalogItem(ctx context.Context, item *CatalogItem) error
	GetCatalogItem(ctx context.Context, id string) (*CatalogItem, error)
	ListCatalogItems(ctx context.Context, limit, offset int) ([]*CatalogItem, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
