// Package engine provides the dependency-ordered deployment core of the deployer.
//
// # Overview
//
// A solution is a collection of item templates. Each template names the items
// it depends on. The engine deploys a solution in three steps:
//
//  1. Graph - Index templates and split dependency edges (BuildGraph)
//  2. Sequence - Compute a creation order and reject cycles (Sequence)
//  3. Deploy - Create every item after its dependencies exist (Coordinator)
//
// Dependencies that name an id outside the collection are treated as already
// satisfied, for example an item that exists in the target environment before
// the deployment starts.
//
// # Sequencing
//
// Sequence runs a three-color depth-first traversal over a color map that is
// local to the call. A back-edge fails with a *CyclicDependencyError listing
// the ids on the cycle:
//
//	order, err := engine.Sequence(templates)
//	var cyc *engine.CyclicDependencyError
//	if errors.As(err, &cyc) {
//	    fmt.Println(strings.Join(cyc.Cycle, " -> "))
//	}
//
// # Deployment
//
// The Coordinator starts one goroutine per item. Every item owns a one-shot
// completion Handle registered in the DeploymentContext before any task runs.
// A task waits on the handles of its dependencies, then calls the
// Materializer, records the created id and facts in the context, reports
// progress, and resolves its own handle.
//
// A failing item rejects its handle with a *MaterializationError. Its
// dependents never call the materializer; they fail with a
// *DependencyFailedError naming the root cause. Independent items keep
// deploying, and Deploy returns the items that were created together with a
// *DeploymentError:
//
//	coord := engine.NewCoordinator(m, engine.WithMaxParallel(4))
//	created, err := coord.Deploy(ctx, templates, engine.NewDeploymentContext(), nil)
//
// # Error Classification
//
// Errors returned by the engine carry a code (see CodeOf) and, for
// EngineError values, a class:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Resource conflicts requiring retry
//   - Permanent: Non-recoverable errors
//
// The coordinator never retries. The class is kept so materializers that wrap
// a transport can report it.
//
// # Thread Safety
//
// DeploymentContext and Handle are safe for concurrent use. A Coordinator may
// run several deployments at once as long as each uses its own context.
package engine
