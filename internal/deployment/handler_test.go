package deployment

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/events"
)

type fakeLister struct {
	deployments []*Deployment
}

func (f *fakeLister) FetchDeployments(_ *sokovancontext.Context, states ...DeploymentState) ([]*Deployment, error) {
	var matched []*Deployment
	for _, deployment := range f.deployments {
		for _, state := range states {
			if deployment.State == state {
				matched = append(matched, deployment)
				break
			}
		}
	}
	return matched, nil
}

type capturePublisher struct {
	published [][]events.LifecycleEvent
}

func (p *capturePublisher) Publish(_ *sokovancontext.Context, batch []events.LifecycleEvent) error {
	p.published = append(p.published, batch)
	return nil
}

func (p *capturePublisher) Close() {}

type captureMetrics struct {
	routesCreated    map[string]int
	routesTerminated map[string]int
	rollouts         map[string]int
}

func newCaptureMetrics() *captureMetrics {
	return &captureMetrics{
		routesCreated:    map[string]int{},
		routesTerminated: map[string]int{},
		rollouts:         map[string]int{},
	}
}

func (m *captureMetrics) ReportRouteChanges(scalingGroup string, created int, terminated int) {
	m.routesCreated[scalingGroup] += created
	m.routesTerminated[scalingGroup] += terminated
}

func (m *captureMetrics) ReportCompletedRollout(scalingGroup string) {
	m.rollouts[scalingGroup]++
}

func newCycleHandlerFixture(deployments []*Deployment, routes map[uuid.UUID][]Route) (*CycleHandler, *fakeRepository, *capturePublisher, *captureMetrics) {
	repo := &fakeRepository{
		routes:   routes,
		policies: map[uuid.UUID]Policy{},
	}
	publisher := &capturePublisher{}
	cycleMetrics := newCaptureMetrics()
	clock := clockwork.NewFakeClock()
	handler := NewCycleHandler(NewExecutor(repo, clock), &fakeLister{deployments: deployments}, nil, cycleMetrics, publisher, clock)
	return handler, repo, publisher, cycleMetrics
}

func TestCycleHandler_TeardownPublishesCompletionOnce(t *testing.T) {
	deployment := &Deployment{
		ID:       uuid.New(),
		Name:     "llm-serving",
		State:    StateStopping,
		Replicas: ReplicaSpec{DesiredReplicas: 1, TargetReplicas: 1},
		Metadata: Metadata{ScalingGroup: "default"},
	}
	route := Route{
		ID:           uuid.New(),
		DeploymentID: deployment.ID,
		Status:       RouteHealthy,
		CreatedAt:    time.Now(),
	}
	handler, repo, publisher, _ := newCycleHandlerFixture(
		[]*Deployment{deployment},
		map[uuid.UUID][]Route{deployment.ID: {route}},
	)
	ctx := sokovancontext.Background()

	// Cycle 1: the route is still up, so teardown only starts the drain.
	require.NoError(t, handler.Execute(ctx))
	require.NoError(t, handler.PostProcess(ctx))
	assert.Equal(t, []uuid.UUID{route.ID}, repo.scaledTerminated)
	assert.Empty(t, publisher.published)

	// Cycle 2: the route is draining; still nothing to publish.
	route.Status = RouteTerminating
	repo.routes[deployment.ID] = []Route{route}
	require.NoError(t, handler.Execute(ctx))
	require.NoError(t, handler.PostProcess(ctx))
	assert.Len(t, repo.scaledTerminated, 1)
	assert.Empty(t, publisher.published)

	// Cycle 3: every route is gone and the deployment completes to STOPPED,
	// published exactly once.
	repo.routes[deployment.ID] = nil
	require.NoError(t, handler.Execute(ctx))
	require.NoError(t, handler.PostProcess(ctx))
	assert.Equal(t, []uuid.UUID{deployment.ID}, repo.stopped)
	require.Len(t, publisher.published, 1)
	require.Len(t, publisher.published[0], 1)
	event := publisher.published[0][0]
	assert.Equal(t, events.EntityDeployment, event.Kind)
	assert.Equal(t, deployment.ID.String(), event.EntityID)
	assert.Equal(t, string(StateStopping), event.FromStatus)
	assert.Equal(t, string(StateStopped), event.ToStatus)
}

func TestCycleHandler_ReportsRouteChangesPerScalingGroup(t *testing.T) {
	deployment := &Deployment{
		ID:                uuid.New(),
		State:             StateScaling,
		Replicas:          ReplicaSpec{DesiredReplicas: 2, TargetReplicas: 2},
		CurrentRevisionID: uuid.New(),
		Metadata:          Metadata{ScalingGroup: "gpu"},
	}
	handler, _, _, cycleMetrics := newCycleHandlerFixture(
		[]*Deployment{deployment},
		map[uuid.UUID][]Route{},
	)

	require.NoError(t, handler.Execute(sokovancontext.Background()))
	assert.Equal(t, 2, cycleMetrics.routesCreated["gpu"])
	assert.Equal(t, 0, cycleMetrics.routesTerminated["gpu"])
}

func TestCycleHandler_ReportsCompletedRollout(t *testing.T) {
	newRev := uuid.New()
	deployment := &Deployment{
		ID:                  uuid.New(),
		State:               StateDeploying,
		Replicas:            ReplicaSpec{DesiredReplicas: 1, TargetReplicas: 1},
		DeployingRevisionID: newRev,
		Metadata:            Metadata{ScalingGroup: "gpu"},
	}
	route := Route{
		ID:           uuid.New(),
		DeploymentID: deployment.ID,
		RevisionID:   newRev,
		Status:       RouteHealthy,
		CreatedAt:    time.Now(),
	}
	handler, repo, _, cycleMetrics := newCycleHandlerFixture(
		[]*Deployment{deployment},
		map[uuid.UUID][]Route{deployment.ID: {route}},
	)
	repo.policies[deployment.ID] = surgeOnePolicy()

	require.NoError(t, handler.Execute(sokovancontext.Background()))
	assert.Equal(t, newRev, repo.promoted[deployment.ID])
	assert.Equal(t, 1, cycleMetrics.rollouts["gpu"])
}
