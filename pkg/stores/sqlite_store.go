package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !isMemory(s.path) {
		pragmas += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}
	dsn := fmt.Sprintf("%s?%s", s.path, pragmas)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateDeployment creates a new deployment record
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	query := `
		INSERT INTO deployments (
			id, solution_name, status, started_at, completed_at, duration_ms,
			total, succeeded, failed, skipped, progress_units,
			error, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Metadata == "" {
		d.Metadata = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.SolutionName,
		d.Status,
		d.StartedAt,
		d.CompletedAt,
		d.DurationMs,
		d.Total,
		d.Succeeded,
		d.Failed,
		d.Skipped,
		d.ProgressUnits,
		d.Error,
		d.Metadata,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}

	return nil
}

// UpdateDeployment updates the mutable fields of a deployment record
func (s *SQLiteStore) UpdateDeployment(ctx context.Context, d *Deployment) error {
	query := `
		UPDATE deployments
		SET status = ?, completed_at = ?, duration_ms = ?,
			total = ?, succeeded = ?, failed = ?, skipped = ?, progress_units = ?,
			error = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`

	d.UpdatedAt = time.Now()
	if d.Metadata == "" {
		d.Metadata = "{}"
	}

	result, err := s.db.ExecContext(ctx, query,
		d.Status,
		d.CompletedAt,
		d.DurationMs,
		d.Total,
		d.Succeeded,
		d.Failed,
		d.Skipped,
		d.ProgressUnits,
		d.Error,
		d.Metadata,
		d.UpdatedAt,
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("deployment %s: %w", d.ID, ErrNotFound)
	}

	return nil
}

const deploymentColumns = `
	id, solution_name, status, started_at, completed_at, duration_ms,
	total, succeeded, failed, skipped, progress_units,
	error, metadata, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeployment(row rowScanner) (*Deployment, error) {
	d := &Deployment{}
	err := row.Scan(
		&d.ID,
		&d.SolutionName,
		&d.Status,
		&d.StartedAt,
		&d.CompletedAt,
		&d.DurationMs,
		&d.Total,
		&d.Succeeded,
		&d.Failed,
		&d.Skipped,
		&d.ProgressUnits,
		&d.Error,
		&d.Metadata,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return d, err
}

// GetDeployment retrieves a deployment by ID
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`

	d, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	return d, nil
}

// ListDeployments lists deployments, most recent first
func (s *SQLiteStore) ListDeployments(ctx context.Context, limit, offset int) ([]*Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

// DeleteDeployment deletes a deployment and its item results
func (s *SQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}

	return nil
}

// SaveItemResult creates or replaces the result of one item
func (s *SQLiteStore) SaveItemResult(ctx context.Context, r *ItemResult) error {
	query := `
		INSERT INTO item_results (
			deployment_id, item_id, item_type, status, created_id, root_cause,
			error, error_code, started_at, completed_at, duration_ms, progress_units, facts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (deployment_id, item_id) DO UPDATE SET
			item_type = excluded.item_type,
			status = excluded.status,
			created_id = excluded.created_id,
			root_cause = excluded.root_cause,
			error = excluded.error,
			error_code = excluded.error_code,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			progress_units = excluded.progress_units,
			facts = excluded.facts
	`

	if r.Facts == "" {
		r.Facts = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		r.DeploymentID,
		r.ItemID,
		r.ItemType,
		r.Status,
		r.CreatedID,
		r.RootCause,
		r.Error,
		r.ErrorCode,
		r.StartedAt,
		r.CompletedAt,
		r.DurationMs,
		r.ProgressUnits,
		r.Facts,
	)
	if err != nil {
		return fmt.Errorf("failed to save item result: %w", err)
	}

	return nil
}

// ListItemResults lists the item results of a deployment in start order
func (s *SQLiteStore) ListItemResults(ctx context.Context, deploymentID string) ([]*ItemResult, error) {
	query := `
		SELECT deployment_id, item_id, item_type, status, created_id, root_cause,
			   error, error_code, started_at, completed_at, duration_ms, progress_units, facts
		FROM item_results
		WHERE deployment_id = ?
		ORDER BY started_at ASC, item_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list item results: %w", err)
	}
	defer rows.Close()

	results := []*ItemResult{}
	for rows.Next() {
		r := &ItemResult{}
		err := rows.Scan(
			&r.DeploymentID,
			&r.ItemID,
			&r.ItemType,
			&r.Status,
			&r.CreatedID,
			&r.RootCause,
			&r.Error,
			&r.ErrorCode,
			&r.StartedAt,
			&r.CompletedAt,
			&r.DurationMs,
			&r.ProgressUnits,
			&r.Facts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item results: %w", err)
	}

	return results, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, deployment_id, item_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if event.Level == "" {
		event.Level = EventLevelInfo
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.DeploymentID,
		event.ItemID,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents lists events in insertion order, optionally for one deployment
func (s *SQLiteStore) ListEvents(ctx context.Context, deploymentID *string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, deployment_id, item_id, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR deployment_id = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, deploymentID, deploymentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.DeploymentID,
			&event.ItemID,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// PutCatalogItem creates or replaces a catalog item
func (s *SQLiteStore) PutCatalogItem(ctx context.Context, item *CatalogItem) error {
	query := `
		INSERT INTO catalog_items (
			id, template_id, type, title, url, item, data, resources, dependencies, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			template_id = excluded.template_id,
			type = excluded.type,
			title = excluded.title,
			url = excluded.url,
			item = excluded.item,
			data = excluded.data,
			resources = excluded.resources,
			dependencies = excluded.dependencies,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		item.ID,
		item.TemplateID,
		item.Type,
		item.Title,
		item.URL,
		orDefault(item.Item, "{}"),
		orDefault(item.Data, "{}"),
		orDefault(item.Resources, "[]"),
		orDefault(item.Dependencies, "{}"),
		item.CreatedAt,
		item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put catalog item: %w", err)
	}

	return nil
}

const catalogColumns = `id, template_id, type, title, url, item, data, resources, dependencies, created_at, updated_at`

func scanCatalogItem(row rowScanner) (*CatalogItem, error) {
	item := &CatalogItem{}
	err := row.Scan(
		&item.ID,
		&item.TemplateID,
		&item.Type,
		&item.Title,
		&item.URL,
		&item.Item,
		&item.Data,
		&item.Resources,
		&item.Dependencies,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

// GetCatalogItem retrieves a catalog item by ID
func (s *SQLiteStore) GetCatalogItem(ctx context.Context, id string) (*CatalogItem, error) {
	query := `SELECT ` + catalogColumns + ` FROM catalog_items WHERE id = ?`

	item, err := scanCatalogItem(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog item: %w", err)
	}

	return item, nil
}

// ListCatalogItems lists catalog items in creation order
func (s *SQLiteStore) ListCatalogItems(ctx context.Context, limit, offset int) ([]*CatalogItem, error) {
	query := `SELECT ` + catalogColumns + ` FROM catalog_items ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog items: %w", err)
	}
	defer rows.Close()

	items := []*CatalogItem{}
	for rows.Next() {
		item, err := scanCatalogItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan catalog item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating catalog items: %w", err)
	}

	return items, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
