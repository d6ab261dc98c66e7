package deployment

import (
	"context"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/events"
)

// DeploymentLister is the read side the cycle handler needs on top of the
// executor's Repository.
type DeploymentLister interface {
	FetchDeployments(ctx *sokovancontext.Context, states ...DeploymentState) ([]*Deployment, error)
}

// LifecycleMarker receives hints about route work produced by the cycle, for
// the route provisioner to consume. Implemented by RouteController.
type LifecycleMarker interface {
	MarkLifecycleNeeded(ctx context.Context, lifecycleType RouteLifecycleType) error
}

// Metrics receives the route and rollout counters of each cycle, labelled by
// scaling group. Satisfied by *metrics.CycleMetrics.
type Metrics interface {
	ReportRouteChanges(scalingGroup string, created int, terminated int)
	ReportCompletedRollout(scalingGroup string)
}

// CycleHandler drives all deployment reconciliation phases in one cycle:
// rolling updates for DEPLOYING deployments, scaling for SCALING ones, replica
// verification for READY ones and teardown for STOPPING ones. It satisfies the
// same handler contract the scheduling cycles run under.
type CycleHandler struct {
	executor  *Executor
	lister    DeploymentLister
	marker    LifecycleMarker
	metrics   Metrics
	publisher events.Publisher
	clock     clockwork.Clock

	completed []events.LifecycleEvent
}

func NewCycleHandler(executor *Executor, lister DeploymentLister, marker LifecycleMarker, cycleMetrics Metrics, publisher events.Publisher, clock clockwork.Clock) *CycleHandler {
	return &CycleHandler{
		executor:  executor,
		lister:    lister,
		marker:    marker,
		metrics:   cycleMetrics,
		publisher: publisher,
		clock:     clock,
	}
}

func (h *CycleHandler) Name() string {
	return "deployment"
}

func (h *CycleHandler) LockID() string {
	return "deployment:cycle"
}

// Execute runs every phase even if an earlier one fails: the phases operate on
// disjoint deployment states, so a scaling failure must not starve teardown.
func (h *CycleHandler) Execute(ctx *sokovancontext.Context) error {
	var result *multierror.Error
	result = multierror.Append(result, h.runRollingUpdates(ctx))
	result = multierror.Append(result, h.runScaling(ctx))
	result = multierror.Append(result, h.runVerification(ctx))
	result = multierror.Append(result, h.runTeardown(ctx))
	return result.ErrorOrNil()
}

// PostProcess publishes the deployment transitions recorded during Execute.
// Publish failures are logged only; the state changes are already durable.
func (h *CycleHandler) PostProcess(ctx *sokovancontext.Context) error {
	if len(h.completed) == 0 {
		return nil
	}
	transitions := h.completed
	h.completed = nil

	if err := h.publisher.Publish(ctx, transitions); err != nil {
		ctx.Log.WithError(err).Warn("failed to publish deployment events")
	}
	return nil
}

func (h *CycleHandler) runRollingUpdates(ctx *sokovancontext.Context) error {
	deploying, err := h.lister.FetchDeployments(ctx, StateDeploying)
	if err != nil {
		return errors.Wrap(err, "failed to list deploying deployments")
	}
	if len(deploying) == 0 {
		return nil
	}
	result, err := h.executor.ExecuteRollingUpdateCycle(ctx, deploying)
	if err != nil {
		return err
	}
	if len(result.Skipped) > 0 {
		// In-flight rollouts created or retired routes this cycle.
		h.markLifecycle(ctx, RouteLifecycleCreation)
	}
	groups := scalingGroups(deploying)
	if h.metrics != nil {
		for _, deploymentID := range result.Successes {
			h.metrics.ReportCompletedRollout(groups[deploymentID])
		}
	}
	h.reportRouteChanges(groups, result)
	h.recordResult(ctx, "rolling update", result, string(StateDeploying), string(StateReady))
	return nil
}

func (h *CycleHandler) runScaling(ctx *sokovancontext.Context) error {
	scaling, err := h.lister.FetchDeployments(ctx, StateScaling, StatePending)
	if err != nil {
		return errors.Wrap(err, "failed to list scaling deployments")
	}
	if len(scaling) == 0 {
		return nil
	}
	result, err := h.executor.ScaleDeployments(ctx, scaling)
	if err != nil {
		return err
	}
	if len(result.Successes) > 0 {
		h.markLifecycle(ctx, RouteLifecycleCreation)
	}
	h.reportRouteChanges(scalingGroups(scaling), result)
	h.recordResult(ctx, "scaling", result, string(StateScaling), string(StateReady))
	return nil
}

func (h *CycleHandler) runVerification(ctx *sokovancontext.Context) error {
	ready, err := h.lister.FetchDeployments(ctx, StateReady)
	if err != nil {
		return errors.Wrap(err, "failed to list ready deployments")
	}
	if len(ready) == 0 {
		return nil
	}
	result, err := h.executor.VerifyReadyReplicas(ctx, ready)
	if err != nil {
		return err
	}
	for _, execErr := range result.Errors {
		ctx.Log.Warnf("deployment %s replica mismatch: %s", execErr.DeploymentID, execErr.Reason)
	}
	// Traffic follows health even while the replica set is stable.
	if _, err := h.executor.ReconcileTraffic(ctx, ready); err != nil {
		return err
	}
	return nil
}

func (h *CycleHandler) runTeardown(ctx *sokovancontext.Context) error {
	stopping, err := h.lister.FetchDeployments(ctx, StateStopping)
	if err != nil {
		return errors.Wrap(err, "failed to list stopping deployments")
	}
	if len(stopping) == 0 {
		return nil
	}
	result, err := h.executor.DestroyDeployments(ctx, stopping)
	if err != nil {
		return err
	}
	if len(result.Routes) > 0 {
		// Routes were newly marked TERMINATING this cycle.
		h.markLifecycle(ctx, RouteLifecycleTermination)
	}
	h.reportRouteChanges(scalingGroups(stopping), result)
	// Successes are deployments that completed to STOPPED this cycle, so a
	// deployment still draining publishes nothing.
	h.recordResult(ctx, "teardown", result, string(StateStopping), string(StateStopped))
	return nil
}

func (h *CycleHandler) reportRouteChanges(groups map[uuid.UUID]string, result *ExecutionResult) {
	if h.metrics == nil {
		return
	}
	for deploymentID, changes := range result.Routes {
		h.metrics.ReportRouteChanges(groups[deploymentID], changes.Created, changes.Terminated)
	}
}

func scalingGroups(deployments []*Deployment) map[uuid.UUID]string {
	groups := make(map[uuid.UUID]string, len(deployments))
	for _, deployment := range deployments {
		groups[deployment.ID] = deployment.Metadata.ScalingGroup
	}
	return groups
}

// markLifecycle hints the route provisioner. Best effort; the periodic
// reconciliation covers a lost mark.
func (h *CycleHandler) markLifecycle(ctx *sokovancontext.Context, lifecycleType RouteLifecycleType) {
	if h.marker == nil {
		return
	}
	if err := h.marker.MarkLifecycleNeeded(ctx, lifecycleType); err != nil {
		ctx.Log.WithError(err).Warnf("failed to mark %s needed", lifecycleType)
	}
}

func (h *CycleHandler) recordResult(ctx *sokovancontext.Context, phase string, result *ExecutionResult, fromState, toState string) {
	now := h.clock.Now()
	for _, deploymentID := range result.Successes {
		h.completed = append(h.completed, events.LifecycleEvent{
			Kind:       events.EntityDeployment,
			EntityID:   deploymentID.String(),
			FromStatus: fromState,
			ToStatus:   toState,
			Reason:     phase,
			Timestamp:  now,
		})
	}
	for _, execErr := range result.Errors {
		ctx.Log.Warnf("deployment %s %s failed: %s", execErr.DeploymentID, phase, execErr.Reason)
	}
	if len(result.Successes) > 0 || len(result.Errors) > 0 {
		ctx.Log.Infof("%s cycle: %d converged, %d in progress, %d errors",
			phase, len(result.Successes), len(result.Skipped), len(result.Errors))
	}
}
