// Package scheduler implements the session scheduling and termination cycles.
// Each cycle reads one consistent snapshot, decides, and hands a single atomic
// batch to the repository for persistence.
package scheduler

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/common/resource"
	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/common/sokovanerrors"
	"github.com/sokovanproject/sokovan/internal/recorder"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovanproject/sokovan/internal/scheduler/validation"
)

// CycleSnapshot is everything one scheduling cycle reads, taken from a single
// read transaction.
type CycleSnapshot struct {
	ScalingGroup string
	Candidates   []*schedulerobjects.Session
	Agents       []schedulerobjects.AgentInfo
	Policies     schedulerobjects.PolicySet
	System       *schedulerobjects.SystemSnapshot
}

// Repository is the persistence boundary of the scheduling cycle.
type Repository interface {
	// SchedulingSnapshot returns a bounded candidate batch together with the
	// occupancy, policy and agent state it must be judged against, all read
	// from one transaction.
	SchedulingSnapshot(ctx *sokovancontext.Context, scalingGroup string, limit int) (*CycleSnapshot, error)
	// PersistAllocationBatch applies the cycle's decisions atomically.
	PersistAllocationBatch(ctx *sokovancontext.Context, batch *schedulerobjects.AllocationBatch) error
}

// Scheduler runs one allocation cycle per invocation. It holds no mutable
// state between cycles; every decision is derived from the snapshot.
type Scheduler struct {
	repository    Repository
	sequencer     Sequencer
	validator     validation.CompoundValidator
	clock         clockwork.Clock
	maxCandidates int
}

func NewScheduler(
	repository Repository,
	sequencer Sequencer,
	validator validation.CompoundValidator,
	clock clockwork.Clock,
	maxCandidates int,
) *Scheduler {
	return &Scheduler{
		repository:    repository,
		sequencer:     sequencer,
		validator:     validator,
		clock:         clock,
		maxCandidates: maxCandidates,
	}
}

// Schedule computes the allocation batch for one scaling group. Validator and
// capacity failures are recorded per candidate and never abort the cycle;
// repository and data-integrity errors do.
func (s *Scheduler) Schedule(ctx *sokovancontext.Context, scalingGroup string) (*schedulerobjects.AllocationBatch, error) {
	snapshot, err := s.repository.SchedulingSnapshot(ctx, scalingGroup, s.maxCandidates)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to snapshot scaling group %q", scalingGroup)
	}

	batch := &schedulerobjects.AllocationBatch{ScalingGroup: scalingGroup}
	pool := recorder.NewPool(s.clock)
	free := newAgentCapacity(snapshot.Agents)

	for _, candidate := range s.sequencer.Sequence(snapshot.Candidates) {
		log := sokovancontext.WithLogField(ctx, "sessionId", candidate.ID)
		if len(candidate.RequestedSlots) == 0 {
			return nil, &sokovanerrors.NoResourceRequirementsError{SessionID: candidate.ID.String()}
		}

		rec := pool.Recorder(candidate.ID)
		if err := s.validate(rec, candidate, snapshot); err != nil {
			if !sokovanerrors.IsAdmissionError(err) {
				return nil, err
			}
			batch.Failures = append(batch.Failures, newFailure(rec, candidate, err))
			log.Log.WithError(err).Info("session not admitted")
			continue
		}

		allocation, err := s.allocate(rec, candidate, free)
		if err != nil {
			batch.Failures = append(batch.Failures, newFailure(rec, candidate, err))
			log.Log.WithError(err).Info("no capacity for session")
			continue
		}

		passed, failed := rec.Predicates()
		allocation.Passed = passed
		allocation.Failed = failed
		batch.Allocations = append(batch.Allocations, *allocation)

		// Later candidates in this cycle must see the occupancy of everything
		// admitted before them.
		snapshot.System.Occupancy.Apply(candidate, allocation.TotalAllocated())
	}

	batch.SubSteps = pool.FlattenAll()
	return batch, nil
}

func (s *Scheduler) validate(rec *recorder.Recorder, candidate *schedulerobjects.Session, snapshot *CycleSnapshot) error {
	vctx := validation.NewContext(candidate, snapshot.System, snapshot.Policies.For(candidate))
	return rec.Phase("validation", func() error {
		for _, v := range s.validator.Validators() {
			validator := v
			if err := rec.Step(validator.Name(), func() error {
				return validator.Validate(vctx)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// allocate picks the first agent whose free capacity contains the request.
// The placement strategy is deliberately simple; agent selection beyond
// first-fit lives outside this core.
func (s *Scheduler) allocate(rec *recorder.Recorder, candidate *schedulerobjects.Session, free *agentCapacity) (*schedulerobjects.SessionAllocation, error) {
	var chosen *schedulerobjects.AgentAllocation
	err := rec.Phase("allocation", func() error {
		return rec.Step("capacity", func() error {
			agentID, ok := free.firstFit(candidate.RequestedSlots)
			if !ok {
				return fmt.Errorf("no agent in scaling group %q has sufficient free capacity", candidate.ScalingGroup)
			}
			chosen = &schedulerobjects.AgentAllocation{
				AgentID:        agentID,
				AllocatedSlots: candidate.RequestedSlots.DeepCopy(),
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	free.take(chosen.AgentID, chosen.AllocatedSlots)
	return &schedulerobjects.SessionAllocation{
		SessionID:        candidate.ID,
		AccessKey:        candidate.AccessKey,
		ScalingGroup:     candidate.ScalingGroup,
		AgentAllocations: []schedulerobjects.AgentAllocation{*chosen},
	}, nil
}

func newFailure(rec *recorder.Recorder, candidate *schedulerobjects.Session, err error) schedulerobjects.SchedulingFailure {
	passed, failed := rec.Predicates()
	return schedulerobjects.SchedulingFailure{
		SessionID: candidate.ID,
		AccessKey: candidate.AccessKey,
		Message:   err.Error(),
		Passed:    passed,
		Failed:    failed,
	}
}

// agentCapacity tracks the free slots remaining per agent as the cycle admits
// sessions. Agents keep their snapshot order so first-fit is deterministic.
type agentCapacity struct {
	order []string
	free  map[string]resource.Slots
}

func newAgentCapacity(agents []schedulerobjects.AgentInfo) *agentCapacity {
	capacity := &agentCapacity{
		free: make(map[string]resource.Slots, len(agents)),
	}
	for _, agent := range agents {
		capacity.order = append(capacity.order, agent.ID)
		capacity.free[agent.ID] = agent.FreeSlots()
	}
	return capacity
}

func (c *agentCapacity) firstFit(requested resource.Slots) (string, bool) {
	for _, agentID := range c.order {
		if requested.IsContainedIn(c.free[agentID]) {
			return agentID, true
		}
	}
	return "", false
}

func (c *agentCapacity) take(agentID string, allocated resource.Slots) {
	c.free[agentID].Sub(allocated)
}
