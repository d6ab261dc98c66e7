// Package deployment implements the model-serving deployment core: the
// rolling-update state machine, replica scaling and route traffic management.
package deployment

import (
	"time"

	"github.com/google/uuid"

	"github.com/sokovanproject/sokovan/internal/common/resource"
	"github.com/sokovanproject/sokovan/internal/deployment/definition"
)

// DeploymentState is the lifecycle state of a deployment.
type DeploymentState string

const (
	StatePending   DeploymentState = "PENDING"
	StateScaling   DeploymentState = "SCALING"
	StateDeploying DeploymentState = "DEPLOYING"
	StateReady     DeploymentState = "READY"
	StateStopping  DeploymentState = "STOPPING"
	StateStopped   DeploymentState = "STOPPED"
)

// RouteStatus is the health/lifecycle state of one route.
type RouteStatus string

const (
	RouteProvisioning  RouteStatus = "PROVISIONING"
	RouteHealthy       RouteStatus = "HEALTHY"
	RouteUnhealthy     RouteStatus = "UNHEALTHY"
	RouteDegraded      RouteStatus = "DEGRADED"
	RouteTerminating   RouteStatus = "TERMINATING"
	RouteTerminated    RouteStatus = "TERMINATED"
	RouteFailedToStart RouteStatus = "FAILED_TO_START"
)

// IsActive reports whether the route still counts toward the deployment's
// replica set: it is serving, starting, or at least not given up on.
func (s RouteStatus) IsActive() bool {
	switch s {
	case RouteProvisioning, RouteHealthy, RouteUnhealthy, RouteDegraded:
		return true
	}
	return false
}

// TerminationPriority orders routes for scale-in; lower values are terminated
// first, so broken routes go before healthy ones.
func (s RouteStatus) TerminationPriority() int {
	switch s {
	case RouteFailedToStart:
		return 0
	case RouteUnhealthy:
		return 1
	case RouteDegraded:
		return 2
	case RouteProvisioning:
		return 3
	case RouteHealthy:
		return 4
	default:
		return 5
	}
}

// RouteTrafficStatus says whether a route receives traffic. It is independent
// of health: health decides it, surge bookkeeping never touches it.
type RouteTrafficStatus string

const (
	TrafficActive   RouteTrafficStatus = "ACTIVE"
	TrafficInactive RouteTrafficStatus = "INACTIVE"
)

// Route is one traffic-serving backend instance of a deployment, backed by a
// compute session.
type Route struct {
	ID            uuid.UUID
	DeploymentID  uuid.UUID
	SessionID     uuid.UUID
	RevisionID    uuid.UUID
	Status        RouteStatus
	TrafficStatus RouteTrafficStatus
	TrafficRatio  float64
	CreatedAt     time.Time
}

// Revision is an immutable versioned specification for a deployment.
type Revision struct {
	ID             uuid.UUID
	DeploymentID   uuid.UUID
	Image          string
	RequestedSlots resource.Slots
	Mounts         []string
	Runtime        definition.RuntimeVariant
	ModelPath      string
	ServiceName    string
	DefinitionPath string
	CreatedAt      time.Time
}

// DefinitionSpec is the generator input derived from this revision.
func (r *Revision) DefinitionSpec() *definition.ModelRevisionSpec {
	return &definition.ModelRevisionSpec{
		Runtime:        r.Runtime,
		ModelPath:      r.ModelPath,
		ServiceName:    r.ServiceName,
		DefinitionPath: r.DefinitionPath,
	}
}

// ReplicaSpec carries the desired and currently targeted replica counts.
// DesiredReplicas is what the user or autoscaler asked for;
// TargetReplicas is what the executor is currently converging to.
type ReplicaSpec struct {
	DesiredReplicas int
	TargetReplicas  int
}

// Metadata is the ownership/placement context routes inherit from their
// deployment.
type Metadata struct {
	SessionOwnerID uuid.UUID
	DomainName     string
	ProjectID      uuid.UUID
	ScalingGroup   string
}

// Deployment is one model-serving endpoint with its revision pointers. A nil
// uuid means the pointer is unset.
type Deployment struct {
	ID                  uuid.UUID
	Name                string
	State               DeploymentState
	Replicas            ReplicaSpec
	CurrentRevisionID   uuid.UUID
	DeployingRevisionID uuid.UUID
	Metadata            Metadata
	CreatedAt           time.Time
}

// RouteCreation is the spec for one new route row.
type RouteCreation struct {
	DeploymentID   uuid.UUID
	SessionOwnerID uuid.UUID
	DomainName     string
	ProjectID      uuid.UUID
	RevisionID     uuid.UUID
}

// TrafficUpdate flips the traffic status of one route.
type TrafficUpdate struct {
	RouteID       uuid.UUID
	TrafficStatus RouteTrafficStatus
	TrafficRatio  float64
}

func newRouteCreation(deployment *Deployment, revisionID uuid.UUID) RouteCreation {
	return RouteCreation{
		DeploymentID:   deployment.ID,
		SessionOwnerID: deployment.Metadata.SessionOwnerID,
		DomainName:     deployment.Metadata.DomainName,
		ProjectID:      deployment.Metadata.ProjectID,
		RevisionID:     revisionID,
	}
}
