package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/openfroyo/deployer/pkg/engine"

// Coordinator deploys a collection of item templates. It launches one task
// per item; each task waits for its dependencies to be created, invokes the
// materializer, and settles the item's completion handle. Independent
// subtrees deploy concurrently and a failure only poisons its dependents.
type Coordinator struct {
	// materializer creates individual items
	materializer Materializer

	// logger is the component logger
	logger zerolog.Logger

	// publisher publishes deployment events, if set
	publisher EventPublisher

	// recorder persists deployment records, if set
	recorder DeploymentRecorder

	// tracer starts deployment and item spans
	tracer trace.Tracer

	// maxParallel bounds concurrent materializer calls; 0 means unbounded
	maxParallel int
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger used by the coordinator.
func WithLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger.With().Str("component", "coordinator").Logger()
	}
}

// WithEventPublisher sets the event publisher.
func WithEventPublisher(p EventPublisher) CoordinatorOption {
	return func(c *Coordinator) { c.publisher = p }
}

// WithRecorder sets the deployment recorder.
func WithRecorder(r DeploymentRecorder) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = r }
}

// WithTracer sets the tracer. By default the global OpenTelemetry tracer
// provider is used.
func WithTracer(t trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) { c.tracer = t }
}

// WithMaxParallel bounds the number of concurrent materializer calls.
// Waiting on dependencies does not count against the bound.
func WithMaxParallel(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n < 0 {
			n = 0
		}
		c.maxParallel = n
	}
}

// NewCoordinator creates a coordinator that creates items with m.
func NewCoordinator(m Materializer, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		materializer: m,
		logger:       zerolog.Nop(),
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeployRequest describes one deployment.
type DeployRequest struct {
	// SolutionName names the solution for records and events.
	SolutionName string

	// Templates is the full template collection.
	Templates []ItemTemplate

	// Context is the shared deployment context. A new one is created if nil.
	Context *DeploymentContext

	// Progress receives progress units, if set.
	Progress ProgressFunc

	// Targets restricts the deployment to these ids and their in-collection
	// dependencies. An empty list deploys every template. A target absent
	// from Templates fails with a TemplateNotFoundError.
	Targets []string
}

// DeploymentReport is the full result of a deployment.
type DeploymentReport struct {
	// Deployment is the deployment record.
	Deployment *Deployment

	// Order is the sequenced order of the launched items. Requested targets
	// that are not part of the collection follow at the end.
	Order DeploymentOrder

	// Results holds the settled result of every launched item.
	Results map[string]*ItemResult

	// Created holds the outcomes of the items that were created.
	Created map[string]*CreatedItem
}

// Deploy creates every template in dependency order. It returns once every
// item task has settled. The returned map always holds the items that were
// created; the error is a *DeploymentError when any item failed, or a
// sequencing error when nothing was attempted.
func (c *Coordinator) Deploy(
	ctx context.Context,
	templates []ItemTemplate,
	dctx *DeploymentContext,
	progress ProgressFunc,
) (map[string]*CreatedItem, error) {
	report, err := c.Run(ctx, DeployRequest{
		Templates: templates,
		Context:   dctx,
		Progress:  progress,
	})
	if report == nil {
		return nil, err
	}
	return report.Created, err
}

// deploymentRun holds the mutable state of one Run call.
type deploymentRun struct {
	deployment *Deployment
	graph      *Graph
	dctx       *DeploymentContext
	progress   ProgressFunc
	sem        *semaphore.Weighted

	mu        sync.Mutex
	results   map[string]*ItemResult
	firstRoot string
	firstAny  string
}

// Run deploys req and returns the full report.
func (c *Coordinator) Run(ctx context.Context, req DeployRequest) (*DeploymentReport, error) {
	dctx := req.Context
	if dctx == nil {
		dctx = NewDeploymentContext()
	}

	graph, err := BuildGraph(req.Templates)
	if err != nil {
		return nil, err
	}

	// Cycles are fatal before anything is deployed
	order, err := graph.Sequence()
	if err != nil {
		c.logger.Error().Err(err).Str("solution", req.SolutionName).Msg("Sequencing failed")
		return nil, err
	}

	launch, missing := selectItems(graph, order, req.Targets)
	all := append(append(DeploymentOrder{}, launch...), missing...)

	started := time.Now()
	deployment := &Deployment{
		ID:           uuid.New().String(),
		SolutionName: req.SolutionName,
		Status:       DeploymentStatusPending,
		StartedAt:    started,
		Summary:      DeploymentSummary{Total: len(launch) + len(missing)},
		Metadata:     make(map[string]interface{}),
	}
	report := &DeploymentReport{
		Deployment: deployment,
		Order:      all,
		Results:    make(map[string]*ItemResult),
		Created:    make(map[string]*CreatedItem),
	}

	if deployment.Summary.Total == 0 {
		deployment.Status = DeploymentStatusSucceeded
		deployment.CompletedAt = &started
		return report, nil
	}

	for _, id := range all {
		if _, exists := dctx.Handle(id); exists {
			return nil, NewPermanentError("item already registered in deployment context", nil).
				WithCode(ErrCodeAlreadyExists).WithResource(id)
		}
	}

	ctx, span := c.tracer.Start(ctx, "deployment.run", trace.WithAttributes(
		attribute.String("deployment.id", deployment.ID),
		attribute.String("solution.name", req.SolutionName),
		attribute.Int("deployment.items", deployment.Summary.Total),
	))
	defer span.End()

	logger := c.logger.With().Str("deployment_id", deployment.ID).Logger()
	logger.Info().
		Str("solution", req.SolutionName).
		Int("items", deployment.Summary.Total).
		Int("max_parallel", c.maxParallel).
		Msg("Deployment started")

	deployment.Status = DeploymentStatusRunning
	c.save(ctx, deployment)
	c.publish(ctx, &Event{
		Type:         EventTypeDeploymentStarted,
		DeploymentID: deployment.ID,
		Message:      fmt.Sprintf("Deployment of %d item(s) started", deployment.Summary.Total),
		Level:        "info",
		Details: map[string]interface{}{
			"solution": req.SolutionName,
			"order":    []string(launch),
		},
	})

	run := &deploymentRun{
		deployment: deployment,
		graph:      graph,
		dctx:       dctx,
		progress:   req.Progress,
		results:    make(map[string]*ItemResult, deployment.Summary.Total),
	}
	if c.maxParallel > 0 {
		run.sem = semaphore.NewWeighted(int64(c.maxParallel))
	}

	// Every handle exists before any task starts, so a task can always find
	// the handles of its dependencies regardless of launch order.
	for _, id := range all {
		dctx.Register(id)
	}

	var wg sync.WaitGroup
	for _, id := range all {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			result := c.runItem(ctx, run, id)
			run.store(result)
			c.saveItem(ctx, deployment.ID, result)
		}(id)
	}
	wg.Wait()

	// Finalize the deployment record
	failures := make(map[string]error)
	summary := DeploymentSummary{Total: deployment.Summary.Total}
	for id, result := range run.results {
		report.Results[id] = result
		summary.ProgressUnits += result.ProgressUnits
		switch result.Status {
		case ItemStatusSucceeded:
			summary.Succeeded++
			report.Created[id] = result.Outcome
		case ItemStatusSkipped:
			summary.Skipped++
			failures[id] = result.Error
		default:
			summary.Failed++
			failures[id] = result.Error
		}
	}

	completed := time.Now()
	deployment.Summary = summary
	deployment.CompletedAt = &completed
	deployment.Duration = completed.Sub(started)
	deployment.Status = deploymentStatusFor(summary, ctx.Err() != nil)

	var deployErr error
	if len(failures) > 0 {
		first := run.firstRoot
		if first == "" {
			first = run.firstAny
		}
		derr := &DeploymentError{Failed: failures, First: first}
		deployment.Error = derr.Error()
		deployErr = derr
		span.RecordError(derr)
		span.SetStatus(codes.Error, derr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("deployment.status", string(deployment.Status)))

	c.save(ctx, deployment)

	event := &Event{
		DeploymentID: deployment.ID,
		Details: map[string]interface{}{
			"status":    string(deployment.Status),
			"succeeded": summary.Succeeded,
			"failed":    summary.Failed,
			"skipped":   summary.Skipped,
			"duration":  deployment.Duration.Seconds(),
		},
	}
	if deployErr == nil {
		event.Type = EventTypeDeploymentCompleted
		event.Level = "info"
		event.Message = "Deployment completed successfully"
		logger.Info().Dur("duration", deployment.Duration).Msg("Deployment completed")
	} else {
		event.Type = EventTypeDeploymentFailed
		event.Level = "error"
		event.Message = fmt.Sprintf("Deployment completed with status: %s", deployment.Status)
		logger.Warn().
			Str("status", string(deployment.Status)).
			Int("succeeded", summary.Succeeded).
			Int("failed", summary.Failed).
			Int("skipped", summary.Skipped).
			Dur("duration", deployment.Duration).
			Msg("Deployment finished with failures")
	}
	c.publish(ctx, event)

	return report, deployErr
}

// runItem runs the task of a single item and returns its settled result.
func (c *Coordinator) runItem(ctx context.Context, run *deploymentRun, id string) *ItemResult {
	result := &ItemResult{
		ItemID:    id,
		Status:    ItemStatusPending,
		StartedAt: time.Now(),
	}
	handle, _ := run.dctx.Handle(id)

	fail := func(status ItemStatus, err error) *ItemResult {
		handle.reject(err)
		result.Status = status
		result.Error = err
		result.CompletedAt = time.Now()
		result.Duration = result.CompletedAt.Sub(result.StartedAt)

		var dep *DependencyFailedError
		eventType := EventTypeItemFailed
		if errors.As(err, &dep) {
			result.RootCause = dep.RootCause
			eventType = EventTypeItemSkipped
		}
		c.logger.Debug().
			Str("deployment_id", run.deployment.ID).
			Str("item_id", id).
			Str("status", string(status)).
			Err(err).
			Msg("Item did not deploy")
		c.publish(ctx, &Event{
			Type:         eventType,
			DeploymentID: run.deployment.ID,
			ItemID:       id,
			ItemType:     result.Type,
			Message:      err.Error(),
			Level:        "error",
			Details: map[string]interface{}{
				"code":  CodeOf(err),
				"class": string(classOf(err)),
			},
		})
		return result
	}

	tmpl := run.graph.Template(id)
	if tmpl == nil {
		return fail(ItemStatusFailed, &TemplateNotFoundError{ItemID: id})
	}
	result.Type = tmpl.Type

	if err := c.awaitDependencies(ctx, run, id); err != nil {
		var dep *DependencyFailedError
		if errors.As(err, &dep) {
			return fail(ItemStatusSkipped, err)
		}
		return fail(ItemStatusFailed, cancelledError(id, err))
	}

	if run.sem != nil {
		if err := run.sem.Acquire(ctx, 1); err != nil {
			return fail(ItemStatusFailed, cancelledError(id, err))
		}
		defer run.sem.Release(1)
	}
	if err := ctx.Err(); err != nil {
		return fail(ItemStatusFailed, cancelledError(id, err))
	}

	itemCtx, span := c.tracer.Start(ctx, "item.create", trace.WithAttributes(
		attribute.String("deployment.id", run.deployment.ID),
		attribute.String("item.id", id),
		attribute.String("item.type", tmpl.Type),
	))

	result.Status = ItemStatusRunning
	c.publish(ctx, &Event{
		Type:         EventTypeItemStarted,
		DeploymentID: run.deployment.ID,
		ItemID:       id,
		ItemType:     tmpl.Type,
		Message:      fmt.Sprintf("Creating item %s", id),
		Level:        "info",
	})

	callStart := time.Now()
	item, err := c.materializer.Create(itemCtx, id, tmpl, run.dctx)
	if err == nil && item == nil {
		err = fmt.Errorf("materializer returned no item")
	}
	if err != nil {
		merr := &MaterializationError{ItemID: id, Type: tmpl.Type, Err: err}
		span.RecordError(merr)
		span.SetStatus(codes.Error, merr.Error())
		span.End()
		run.noteFailure(id, true)
		return fail(ItemStatusFailed, merr)
	}

	if item.TemplateID == "" {
		item.TemplateID = id
	}
	if item.Type == "" {
		item.Type = tmpl.Type
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if item.Duration == 0 {
		item.Duration = time.Since(callStart)
	}
	run.dctx.recordCreated(id, item)

	// One progress unit per cost unit, before the handle resolves
	for i := 0; i < tmpl.EstimatedDeploymentCostFactor; i++ {
		if run.progress != nil {
			run.progress(1)
		}
	}
	result.ProgressUnits = tmpl.EstimatedDeploymentCostFactor

	span.SetAttributes(attribute.String("item.created_id", item.CreatedID))
	span.SetStatus(codes.Ok, "")
	span.End()

	handle.resolve(item)

	result.Status = ItemStatusSucceeded
	result.Outcome = item
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	c.logger.Debug().
		Str("deployment_id", run.deployment.ID).
		Str("item_id", id).
		Str("created_id", item.CreatedID).
		Dur("duration", item.Duration).
		Msg("Item created")
	c.publish(ctx, &Event{
		Type:         EventTypeItemCompleted,
		DeploymentID: run.deployment.ID,
		ItemID:       id,
		ItemType:     tmpl.Type,
		Message:      fmt.Sprintf("Created item %s as %s", id, item.CreatedID),
		Level:        "info",
		Details: map[string]interface{}{
			"created_id":     item.CreatedID,
			"progress_units": result.ProgressUnits,
		},
	})

	return result
}

// awaitDependencies waits concurrently for every in-collection dependency of
// id. It returns as soon as one dependency fails.
func (c *Coordinator) awaitDependencies(ctx context.Context, run *deploymentRun, id string) error {
	deps := run.graph.Dependencies(id)
	if len(deps) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, dep := range deps {
		dep := dep
		g.Go(func() error {
			handle, ok := run.dctx.Handle(dep)
			if !ok {
				return &DependencyFailedError{ItemID: id, RootCause: dep, Err: &TemplateNotFoundError{ItemID: dep}}
			}
			_, err := handle.Wait(gctx)
			if err != nil && gctx.Err() != nil && handle.Settled() {
				// Both channels were ready; the settled result wins
				_, err = handle.Result()
			}
			if err == nil {
				return nil
			}
			if !handle.Settled() {
				return err
			}

			root, cause := dep, err
			var upstream *DependencyFailedError
			if errors.As(err, &upstream) {
				root, cause = upstream.RootCause, upstream.Err
			}
			return &DependencyFailedError{ItemID: id, RootCause: root, Err: cause}
		})
	}

	err := g.Wait()
	if err != nil {
		run.noteFailure(id, false)
	}
	return err
}

// selectItems returns the ids to launch in deployment order, and the
// targets that are not part of the collection.
func selectItems(g *Graph, order DeploymentOrder, targets []string) (DeploymentOrder, []string) {
	if len(targets) == 0 {
		return order, nil
	}

	wanted, missing := g.Closure(targets)
	launch := make(DeploymentOrder, 0, len(wanted))
	for _, id := range order {
		if wanted[id] {
			launch = append(launch, id)
		}
	}
	return launch, missing
}

// cancelledError classifies a context error for an item.
func cancelledError(id string, err error) error {
	return NewPermanentError("deployment cancelled", err).
		WithCode(ErrCodeCancelled).
		WithResource(id)
}

// store records the settled result of an item.
func (r *deploymentRun) store(result *ItemResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results[result.ItemID] = result
	if result.Status == ItemStatusFailed && r.firstRoot == "" {
		r.firstRoot = result.ItemID
	}
	if result.Status != ItemStatusSucceeded && r.firstAny == "" {
		r.firstAny = result.ItemID
	}
}

// noteFailure records the order in which failures are observed.
func (r *deploymentRun) noteFailure(id string, root bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if root && r.firstRoot == "" {
		r.firstRoot = id
	}
	if r.firstAny == "" {
		r.firstAny = id
	}
}

// save persists the deployment record, logging failures.
func (c *Coordinator) save(ctx context.Context, deployment *Deployment) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.SaveDeployment(context.WithoutCancel(ctx), deployment); err != nil {
		c.logger.Error().Err(err).Str("deployment_id", deployment.ID).Msg("Failed to save deployment")
	}
}

// saveItem persists an item result, logging failures.
func (c *Coordinator) saveItem(ctx context.Context, deploymentID string, result *ItemResult) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.SaveItemResult(context.WithoutCancel(ctx), deploymentID, result); err != nil {
		c.logger.Error().Err(err).
			Str("deployment_id", deploymentID).
			Str("item_id", result.ItemID).
			Msg("Failed to save item result")
	}
}

// publish publishes an event. Publishing errors never fail a deployment.
func (c *Coordinator) publish(ctx context.Context, event *Event) {
	if c.publisher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := c.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish event")
	}
}
