package schedulerobjects

import (
	"time"

	"github.com/google/uuid"

	"github.com/sokovanproject/sokovan/internal/common/resource"
	"github.com/sokovanproject/sokovan/internal/recorder"
)

// SessionStatus is the lifecycle state of a compute session. The scheduler owns
// sessions while PENDING; the agent registry owns them once RUNNING.
type SessionStatus string

const (
	SessionPending     SessionStatus = "PENDING"
	SessionScheduled   SessionStatus = "SCHEDULED"
	SessionPreparing   SessionStatus = "PREPARING"
	SessionPrepared    SessionStatus = "PREPARED"
	SessionCreating    SessionStatus = "CREATING"
	SessionRunning     SessionStatus = "RUNNING"
	SessionTerminating SessionStatus = "TERMINATING"
	SessionTerminated  SessionStatus = "TERMINATED"
	SessionTimeout     SessionStatus = "TIMEOUT"
	SessionCancelled   SessionStatus = "CANCELLED"
)

func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionTerminated, SessionTimeout, SessionCancelled:
		return true
	}
	return false
}

// SessionResult records how a terminated session ended.
type SessionResult string

const (
	ResultUndefined SessionResult = "UNDEFINED"
	ResultSuccess   SessionResult = "SUCCESS"
	ResultFailure   SessionResult = "FAILURE"
)

// Session is the scheduler's view of one compute session.
type Session struct {
	ID             uuid.UUID
	Name           string
	AccessKey      string
	UserID         uuid.UUID
	ProjectID      uuid.UUID
	DomainName     string
	ScalingGroup   string
	RequestedSlots resource.Slots
	Status         SessionStatus
	Result         SessionResult
	StatusInfo     string
	Dependencies   []uuid.UUID
	// Private sessions (e.g. SFTP upload sessions) are exempt from resource
	// quota checks and counted separately for concurrency.
	IsPrivate      bool
	CreatedAt      time.Time
	PendingTimeout time.Duration
}

// DependencyStatus is the snapshot of a dependency session taken when the
// validator context was built.
type DependencyStatus struct {
	SessionID uuid.UUID
	Name      string
	Status    SessionStatus
	Result    SessionResult
}

func (d DependencyStatus) Satisfied() bool {
	return d.Status == SessionTerminated && d.Result == ResultSuccess
}

// ResourcePolicy bounds what one scope (keypair, user, project or domain) may
// occupy. Only keypair policies carry concurrency and pending limits.
type ResourcePolicy struct {
	TotalResourceSlots    resource.Slots
	DefaultForUnspecified resource.DefaultForUnspecified
	// MaxConcurrentSessions bounds simultaneously active regular sessions;
	// zero means unlimited.
	MaxConcurrentSessions int
	// MaxConcurrentSFTPSessions bounds simultaneously active private sessions;
	// zero means unlimited.
	MaxConcurrentSFTPSessions int
	// MaxPendingSessionCount bounds queued sessions; zero means unlimited.
	MaxPendingSessionCount int
	// MaxPendingSessionSlots caps the aggregate requested slots of all pending
	// sessions; nil means unlimited.
	MaxPendingSessionSlots resource.Slots
}

// Policies holds the applicable resource policies per scope for one candidate.
// A nil policy means that scope is unrestricted.
type Policies struct {
	Keypair *ResourcePolicy
	User    *ResourcePolicy
	Project *ResourcePolicy
	Domain  *ResourcePolicy
}

// PolicySet holds every resource policy fetched for one cycle, keyed by scope
// id.
type PolicySet struct {
	ByKeypair map[string]*ResourcePolicy
	ByUser    map[uuid.UUID]*ResourcePolicy
	ByProject map[uuid.UUID]*ResourcePolicy
	ByDomain  map[string]*ResourcePolicy
}

// For selects the policies applicable to one candidate session.
func (p PolicySet) For(session *Session) Policies {
	return Policies{
		Keypair: p.ByKeypair[session.AccessKey],
		User:    p.ByUser[session.UserID],
		Project: p.ByProject[session.ProjectID],
		Domain:  p.ByDomain[session.DomainName],
	}
}

// KeypairOccupancy tracks what one access key currently occupies.
type KeypairOccupancy struct {
	OccupiedSlots    resource.Slots
	SessionCount     int
	SFTPSessionCount int
}

// Occupancy is the aggregate resource usage read model, computed from the data
// store per cycle.
type Occupancy struct {
	ByKeypair map[string]KeypairOccupancy
	ByUser    map[uuid.UUID]resource.Slots
	ByProject map[uuid.UUID]resource.Slots
	ByDomain  map[string]resource.Slots
}

func NewOccupancy() Occupancy {
	return Occupancy{
		ByKeypair: make(map[string]KeypairOccupancy),
		ByUser:    make(map[uuid.UUID]resource.Slots),
		ByProject: make(map[uuid.UUID]resource.Slots),
		ByDomain:  make(map[string]resource.Slots),
	}
}

// Apply folds an admitted session's allocation into the occupancy so later
// candidates in the same cycle see it.
func (o Occupancy) Apply(session *Session, allocated resource.Slots) {
	kp := o.ByKeypair[session.AccessKey]
	if kp.OccupiedSlots == nil {
		kp.OccupiedSlots = resource.New()
	}
	kp.OccupiedSlots.Add(allocated)
	if session.IsPrivate {
		kp.SFTPSessionCount++
	} else {
		kp.SessionCount++
	}
	o.ByKeypair[session.AccessKey] = kp

	for _, update := range []struct {
		m   map[uuid.UUID]resource.Slots
		key uuid.UUID
	}{
		{o.ByUser, session.UserID},
		{o.ByProject, session.ProjectID},
	} {
		current, ok := update.m[update.key]
		if !ok {
			current = resource.New()
		}
		current.Add(allocated)
		update.m[update.key] = current
	}

	domain, ok := o.ByDomain[session.DomainName]
	if !ok {
		domain = resource.New()
	}
	domain.Add(allocated)
	o.ByDomain[session.DomainName] = domain
}

// PendingLoad aggregates the other pending sessions of one access key.
type PendingLoad struct {
	SessionCount   int
	RequestedSlots resource.Slots
}

// SystemSnapshot is one consistent view of everything a scheduling decision
// reads: occupancy, pending load and known slot types. It is built from a
// single read transaction and mutated only by Occupancy.Apply between
// candidates of the same cycle.
type SystemSnapshot struct {
	KnownSlotTypes []string
	Occupancy      Occupancy
	// PendingByKeypair covers pending sessions other than the current candidate.
	PendingByKeypair map[string]PendingLoad
	// Dependencies holds the status snapshot of every dependency session
	// referenced by any candidate in this cycle.
	Dependencies map[uuid.UUID]DependencyStatus
}

// AgentInfo is the scheduler's view of one agent node's capacity.
type AgentInfo struct {
	ID             string
	Addr           string
	AvailableSlots resource.Slots
	OccupiedSlots  resource.Slots
	ContainerCount int
}

// FreeSlots returns available minus occupied.
func (a AgentInfo) FreeSlots() resource.Slots {
	free := a.AvailableSlots.DeepCopy()
	free.Sub(a.OccupiedSlots)
	return free
}

// AgentAllocation assigns part of a session's request to one agent.
type AgentAllocation struct {
	AgentID        string
	AllocatedSlots resource.Slots
}

// SessionAllocation is the admission decision for one session.
type SessionAllocation struct {
	SessionID        uuid.UUID
	AccessKey        string
	ScalingGroup     string
	AgentAllocations []AgentAllocation
	Passed           []recorder.Predicate
	Failed           []recorder.Predicate
}

func (a SessionAllocation) TotalAllocated() resource.Slots {
	total := resource.New()
	for _, alloc := range a.AgentAllocations {
		total.Add(alloc.AllocatedSlots)
	}
	return total
}

// SchedulingFailure records why one candidate was not admitted this cycle. It
// is surfaced to the user via status_info and does not affect other candidates.
type SchedulingFailure struct {
	SessionID uuid.UUID
	AccessKey string
	Message   string
	Passed    []recorder.Predicate
	Failed    []recorder.Predicate
}

// SessionTermination is one session status transition decided by a
// termination sweep. FromStatus guards the persisted update so a session that
// moved on concurrently is left alone.
type SessionTermination struct {
	SessionID  uuid.UUID
	FromStatus SessionStatus
	ToStatus   SessionStatus
	Result     SessionResult
	Reason     string
}

// AllocationBatch is the atomic unit handed to the repository at the end of a
// scheduling cycle.
type AllocationBatch struct {
	ScalingGroup string
	Allocations  []SessionAllocation
	Failures     []SchedulingFailure
	SubSteps     map[uuid.UUID][]recorder.SubStepResult
}
