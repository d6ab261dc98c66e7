package deployment

import (
	"sort"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/common/sokovanerrors"
	"github.com/sokovanproject/sokovan/internal/recorder"
)

// Repository is the persistence boundary of the deployment executor. All write
// methods apply their changes in one transaction; route updates are guarded by
// route id.
type Repository interface {
	// FetchActiveRoutes returns the non-terminated routes of each deployment,
	// read from one transaction.
	FetchActiveRoutes(ctx *sokovancontext.Context, deploymentIDs []uuid.UUID) (map[uuid.UUID][]Route, error)
	// FetchPolicies returns the rollout policy per deployment.
	FetchPolicies(ctx *sokovancontext.Context, deploymentIDs []uuid.UUID) (map[uuid.UUID]Policy, error)
	// ScaleRoutes inserts the new route rows and marks the listed routes
	// TERMINATING with traffic INACTIVE, atomically.
	ScaleRoutes(ctx *sokovancontext.Context, creations []RouteCreation, terminateIDs []uuid.UUID) error
	// CompleteRollingUpdates promotes the given revision per deployment,
	// clears the deploying pointer and moves the deployment to READY.
	CompleteRollingUpdates(ctx *sokovancontext.Context, promoted map[uuid.UUID]uuid.UUID) error
	// UpdateTraffic applies traffic status flips per route.
	UpdateTraffic(ctx *sokovancontext.Context, updates []TrafficUpdate) error
	// MarkStopping marks the deployments STOPPING.
	MarkStopping(ctx *sokovancontext.Context, deploymentIDs []uuid.UUID) error
	// MarkStopped completes fully drained deployments to STOPPED.
	MarkStopped(ctx *sokovancontext.Context, deploymentIDs []uuid.UUID) error
}

// ExecutionError records why one deployment could not be processed this cycle.
type ExecutionError struct {
	DeploymentID uuid.UUID
	Reason       string
	Code         sokovanerrors.ErrorCode
}

// RouteChanges counts the route rows one operation created and terminated for
// a deployment.
type RouteChanges struct {
	Created    int
	Terminated int
}

// ExecutionResult is the outcome of one executor operation over a batch of
// deployments. Skipped deployments made progress but have not converged yet.
type ExecutionResult struct {
	Successes []uuid.UUID
	Skipped   []uuid.UUID
	Errors    []ExecutionError
	Routes    map[uuid.UUID]RouteChanges
	SubSteps  map[uuid.UUID][]recorder.SubStepResult
}

func (r *ExecutionResult) fail(deploymentID uuid.UUID, err error) {
	r.Errors = append(r.Errors, ExecutionError{
		DeploymentID: deploymentID,
		Reason:       err.Error(),
		Code:         sokovanerrors.CodeFromError(err),
	})
}

func (r *ExecutionResult) recordRoutes(deploymentID uuid.UUID, created int, terminated int) {
	if created == 0 && terminated == 0 {
		return
	}
	if r.Routes == nil {
		r.Routes = make(map[uuid.UUID]RouteChanges)
	}
	changes := r.Routes[deploymentID]
	changes.Created += created
	changes.Terminated += terminated
	r.Routes[deploymentID] = changes
}

// Executor drives deployment reconciliation: rolling updates, replica scaling
// and teardown. It computes decisions from one route snapshot per call and
// applies them through the repository in batch.
type Executor struct {
	repository Repository
	clock      clockwork.Clock
}

func NewExecutor(repository Repository, clock clockwork.Clock) *Executor {
	return &Executor{
		repository: repository,
		clock:      clock,
	}
}

// rollingUpdateDecision is the outcome of evaluating one deployment's rollout.
type rollingUpdateDecision struct {
	creations    []RouteCreation
	terminateIDs []uuid.UUID
	complete     bool
	rollback     bool
}

// ExecuteRollingUpdateCycle runs one reconciliation cycle for DEPLOYING
// deployments. Per-deployment evaluation failures are recorded and do not
// block the other deployments; repository failures abort the cycle.
func (e *Executor) ExecuteRollingUpdateCycle(ctx *sokovancontext.Context, deployments []*Deployment) (*ExecutionResult, error) {
	ids := deploymentIDs(deployments)
	routes, err := e.repository.FetchActiveRoutes(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch routes for rolling update")
	}
	policies, err := e.repository.FetchPolicies(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch deployment policies")
	}

	result := &ExecutionResult{}
	pool := recorder.NewPool(e.clock)
	var creations []RouteCreation
	var terminateIDs []uuid.UUID
	promoted := make(map[uuid.UUID]uuid.UUID)

	for _, deployment := range deployments {
		rec := pool.Recorder(deployment.ID)
		policy, ok := policies[deployment.ID]
		if !ok {
			policy = Policy{RollingUpdate: DefaultRollingUpdateSpec()}
		}
		decision, err := e.evaluateRollingUpdate(rec, deployment, routes[deployment.ID], policy)
		if err != nil {
			ctx.Log.WithError(err).Warnf("failed to evaluate rolling update for deployment %s", deployment.ID)
			result.fail(deployment.ID, err)
			continue
		}
		switch {
		case decision.rollback:
			// Tear down the failed new routes and settle back on the current
			// revision.
			terminateIDs = append(terminateIDs, decision.terminateIDs...)
			result.recordRoutes(deployment.ID, 0, len(decision.terminateIDs))
			revert := deployment.CurrentRevisionID
			if revert == uuid.Nil {
				revert = deployment.DeployingRevisionID
			}
			promoted[deployment.ID] = revert
			result.Successes = append(result.Successes, deployment.ID)
		case decision.complete:
			if deployment.DeployingRevisionID != uuid.Nil {
				promoted[deployment.ID] = deployment.DeployingRevisionID
			}
			result.Successes = append(result.Successes, deployment.ID)
		default:
			creations = append(creations, decision.creations...)
			terminateIDs = append(terminateIDs, decision.terminateIDs...)
			result.recordRoutes(deployment.ID, len(decision.creations), len(decision.terminateIDs))
			result.Skipped = append(result.Skipped, deployment.ID)
		}
	}

	if len(creations) > 0 || len(terminateIDs) > 0 {
		if err := e.repository.ScaleRoutes(ctx, creations, terminateIDs); err != nil {
			return nil, errors.Wrap(err, "failed to apply rolling update route changes")
		}
	}
	if len(promoted) > 0 {
		if err := e.repository.CompleteRollingUpdates(ctx, promoted); err != nil {
			return nil, errors.Wrap(err, "failed to complete rolling updates")
		}
	}

	result.SubSteps = pool.FlattenAll()
	return result, nil
}

// evaluateRollingUpdate decides one deployment's rollout actions for this
// cycle without touching storage.
func (e *Executor) evaluateRollingUpdate(rec *recorder.Recorder, deployment *Deployment, routes []Route, policy Policy) (rollingUpdateDecision, error) {
	var decision rollingUpdateDecision

	err := rec.Phase("evaluate_rolling_update", func() error {
		spec := policy.RollingUpdate
		if err := spec.Validate(); err != nil {
			return err
		}

		if deployment.DeployingRevisionID == uuid.Nil {
			// DEPLOYING with nothing to roll; treat as converged.
			decision.complete = true
			return nil
		}

		var oldRoutes, newRoutes []Route
		_ = rec.Step("classify_routes", func() error {
			for _, route := range routes {
				switch route.RevisionID {
				case deployment.DeployingRevisionID:
					newRoutes = append(newRoutes, route)
				case deployment.CurrentRevisionID:
					oldRoutes = append(oldRoutes, route)
				}
			}
			return nil
		})

		target := deployment.Replicas.TargetReplicas
		var newHealthy, newPending, oldActive []Route
		for _, route := range newRoutes {
			switch route.Status {
			case RouteHealthy:
				newHealthy = append(newHealthy, route)
			case RouteProvisioning, RouteUnhealthy, RouteDegraded:
				newPending = append(newPending, route)
			}
		}
		for _, route := range oldRoutes {
			if route.Status.IsActive() {
				oldActive = append(oldActive, route)
			}
		}

		return rec.Step("check_completion", func() error {
			allNewFailed := len(newRoutes) > 0 && len(newPending) == 0
			for _, route := range newRoutes {
				if route.Status != RouteFailedToStart {
					allNewFailed = false
					break
				}
			}
			if allNewFailed && policy.RollbackOnFailure {
				decision.rollback = true
				for _, route := range newRoutes {
					decision.terminateIDs = append(decision.terminateIDs, route.ID)
				}
				return nil
			}

			if len(newHealthy) >= target && len(oldActive) == 0 {
				decision.complete = true
				return nil
			}

			canCreate := min(max(0, spec.MaxSurge-len(newPending)), max(0, target-len(newRoutes)))
			for i := 0; i < canCreate; i++ {
				decision.creations = append(decision.creations, newRouteCreation(deployment, deployment.DeployingRevisionID))
			}

			// Old routes come down only once healthy new routes exist, and
			// never below the availability floor.
			if len(newHealthy) > 0 && len(oldActive) > 0 {
				minAvailable := max(0, target-spec.MaxUnavailable)
				totalHealthy := len(newHealthy)
				for _, route := range oldRoutes {
					if route.Status == RouteHealthy {
						totalHealthy++
					}
				}
				canTerminate := min(max(0, totalHealthy-minAvailable), len(oldActive))
				sorted := sortByTerminationPriority(oldActive)
				for _, route := range sorted[:canTerminate] {
					decision.terminateIDs = append(decision.terminateIDs, route.ID)
				}
			}
			return nil
		})
	})
	if err != nil {
		return rollingUpdateDecision{}, err
	}
	return decision, nil
}

// ScaleDeployments converges each deployment's active route count to its
// replica target for the current revision.
func (e *Executor) ScaleDeployments(ctx *sokovancontext.Context, deployments []*Deployment) (*ExecutionResult, error) {
	routes, err := e.repository.FetchActiveRoutes(ctx, deploymentIDs(deployments))
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch routes for scaling")
	}

	result := &ExecutionResult{}
	pool := recorder.NewPool(e.clock)
	var creations []RouteCreation
	var terminateIDs []uuid.UUID

	for _, deployment := range deployments {
		rec := pool.Recorder(deployment.ID)
		var out []RouteCreation
		var in []uuid.UUID
		err := rec.Phase("evaluate_scaling", func() error {
			return rec.Step("calculate_scale_action", func() error {
				active := routes[deployment.ID]
				target := deployment.Replicas.TargetReplicas
				switch {
				case len(active) < target:
					for i := 0; i < target-len(active); i++ {
						out = append(out, newRouteCreation(deployment, deployment.CurrentRevisionID))
					}
				case len(active) > target:
					sorted := sortByTerminationPriority(active)
					for _, route := range sorted[:len(active)-target] {
						in = append(in, route.ID)
					}
				}
				return nil
			})
		})
		if err != nil {
			result.fail(deployment.ID, err)
			continue
		}
		if len(out) > 0 || len(in) > 0 {
			creations = append(creations, out...)
			terminateIDs = append(terminateIDs, in...)
			result.recordRoutes(deployment.ID, len(out), len(in))
			result.Successes = append(result.Successes, deployment.ID)
		} else {
			result.Skipped = append(result.Skipped, deployment.ID)
		}
	}

	if len(creations) > 0 || len(terminateIDs) > 0 {
		if err := e.repository.ScaleRoutes(ctx, creations, terminateIDs); err != nil {
			return nil, errors.Wrap(err, "failed to apply scaling route changes")
		}
	}

	result.SubSteps = pool.FlattenAll()
	return result, nil
}

// VerifyReadyReplicas flags READY deployments whose active route count has
// drifted from the replica target so the coordinator can schedule scaling.
func (e *Executor) VerifyReadyReplicas(ctx *sokovancontext.Context, deployments []*Deployment) (*ExecutionResult, error) {
	routes, err := e.repository.FetchActiveRoutes(ctx, deploymentIDs(deployments))
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch routes for replica verification")
	}

	result := &ExecutionResult{}
	pool := recorder.NewPool(e.clock)
	for _, deployment := range deployments {
		rec := pool.Recorder(deployment.ID)
		err := rec.Phase("verify_replicas", func() error {
			return rec.Step("compare_route_count", func() error {
				active := routes[deployment.ID]
				if len(active) != deployment.Replicas.TargetReplicas {
					return &sokovanerrors.ReplicaCountMismatchError{
						DeploymentID: deployment.ID.String(),
						Expected:     deployment.Replicas.TargetReplicas,
						Actual:       len(active),
					}
				}
				return nil
			})
		})
		if err != nil {
			ctx.Log.WithError(err).Warnf("deployment %s has mismatched active routes", deployment.ID)
			result.fail(deployment.ID, err)
			continue
		}
		result.Successes = append(result.Successes, deployment.ID)
	}

	result.SubSteps = pool.FlattenAll()
	return result, nil
}

// DestroyDeployments tears a batch of deployments down. Deployments with
// routes still up get them marked TERMINATING with traffic INACTIVE and move
// to STOPPING; a deployment whose routes are all gone completes to STOPPED.
// Only completions count as successes, so one teardown yields one success.
func (e *Executor) DestroyDeployments(ctx *sokovancontext.Context, deployments []*Deployment) (*ExecutionResult, error) {
	routes, err := e.repository.FetchActiveRoutes(ctx, deploymentIDs(deployments))
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch routes for teardown")
	}

	result := &ExecutionResult{}
	pool := recorder.NewPool(e.clock)
	var terminateIDs []uuid.UUID
	var stopping []uuid.UUID
	var stopped []uuid.UUID

	for _, deployment := range deployments {
		rec := pool.Recorder(deployment.ID)
		remaining := routes[deployment.ID]
		var active []uuid.UUID
		_ = rec.Phase("destroy_deployment", func() error {
			return rec.Step("terminate_routes", func() error {
				for _, route := range remaining {
					if route.Status.IsActive() {
						active = append(active, route.ID)
					}
				}
				return nil
			})
		})
		if len(remaining) == 0 {
			stopped = append(stopped, deployment.ID)
			result.Successes = append(result.Successes, deployment.ID)
			continue
		}
		terminateIDs = append(terminateIDs, active...)
		result.recordRoutes(deployment.ID, 0, len(active))
		if deployment.State != StateStopping {
			stopping = append(stopping, deployment.ID)
		}
		result.Skipped = append(result.Skipped, deployment.ID)
	}

	if len(terminateIDs) > 0 {
		if err := e.repository.ScaleRoutes(ctx, nil, terminateIDs); err != nil {
			return nil, errors.Wrap(err, "failed to terminate routes for teardown")
		}
	}
	if len(stopping) > 0 {
		if err := e.repository.MarkStopping(ctx, stopping); err != nil {
			return nil, errors.Wrap(err, "failed to mark deployments stopping")
		}
	}
	if len(stopped) > 0 {
		if err := e.repository.MarkStopped(ctx, stopped); err != nil {
			return nil, errors.Wrap(err, "failed to mark deployments stopped")
		}
	}

	result.SubSteps = pool.FlattenAll()
	return result, nil
}

// ReconcileTraffic recomputes traffic status from route health: a route is
// ACTIVE exactly when it is HEALTHY and belongs to the serving revision.
func (e *Executor) ReconcileTraffic(ctx *sokovancontext.Context, deployments []*Deployment) (*ExecutionResult, error) {
	routes, err := e.repository.FetchActiveRoutes(ctx, deploymentIDs(deployments))
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch routes for traffic reconciliation")
	}

	result := &ExecutionResult{}
	var updates []TrafficUpdate
	for _, deployment := range deployments {
		changed := false
		for _, route := range routes[deployment.ID] {
			desired := TrafficInactive
			ratio := 0.0
			if route.Status == RouteHealthy && route.RevisionID == deployment.CurrentRevisionID {
				desired = TrafficActive
				ratio = 1.0
			}
			if route.TrafficStatus != desired {
				updates = append(updates, TrafficUpdate{
					RouteID:       route.ID,
					TrafficStatus: desired,
					TrafficRatio:  ratio,
				})
				changed = true
			}
		}
		if changed {
			result.Successes = append(result.Successes, deployment.ID)
		} else {
			result.Skipped = append(result.Skipped, deployment.ID)
		}
	}

	if len(updates) > 0 {
		if err := e.repository.UpdateTraffic(ctx, updates); err != nil {
			return nil, errors.Wrap(err, "failed to update route traffic")
		}
	}
	return result, nil
}

func deploymentIDs(deployments []*Deployment) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(deployments))
	for _, deployment := range deployments {
		ids = append(ids, deployment.ID)
	}
	return ids
}

func sortByTerminationPriority(routes []Route) []Route {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Status.TerminationPriority() != sorted[j].Status.TerminationPriority() {
			return sorted[i].Status.TerminationPriority() < sorted[j].Status.TerminationPriority()
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
