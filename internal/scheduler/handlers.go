package scheduler

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/common/lock"
	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/events"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// CycleHandler is one lock-scoped orchestration cycle. Execute computes and
// persists the cycle's decisions; PostProcess runs best-effort follow-up work
// (event publishing) after the decisions are durable.
type CycleHandler interface {
	Name() string
	LockID() string
	Execute(ctx *sokovancontext.Context) error
	PostProcess(ctx *sokovancontext.Context) error
}

// HandlerRunner runs handlers under their distributed lock. Lock contention
// skips the cycle; another orchestrator replica is already running it.
type HandlerRunner struct {
	locks        lock.DistributedLockFactory
	lockLifetime time.Duration
}

func NewHandlerRunner(locks lock.DistributedLockFactory, lockLifetime time.Duration) *HandlerRunner {
	return &HandlerRunner{
		locks:        locks,
		lockLifetime: lockLifetime,
	}
}

// Run executes one cycle under the handler's lock. It reports whether the
// cycle actually ran, so the caller can count contention skips.
func (r *HandlerRunner) Run(ctx *sokovancontext.Context, handler CycleHandler) (bool, error) {
	ctx = sokovancontext.WithLogField(ctx, "handler", handler.Name())

	cycleLock := r.locks.NewLock(handler.LockID())
	acquired, err := cycleLock.TryLock(ctx, r.lockLifetime)
	if err != nil {
		return false, errors.Wrapf(err, "failed to acquire lock %q", handler.LockID())
	}
	if !acquired {
		ctx.Log.Debugf("lock %s held elsewhere, skipping cycle", handler.LockID())
		return false, nil
	}
	defer func() {
		if err := cycleLock.Unlock(ctx); err != nil {
			ctx.Log.WithError(err).Warnf("failed to release lock %s", handler.LockID())
		}
	}()

	if err := handler.Execute(ctx); err != nil {
		return true, err
	}
	return true, handler.PostProcess(ctx)
}

// Metrics receives per-cycle session counts, labelled by scaling group.
// Satisfied by *metrics.CycleMetrics.
type Metrics interface {
	ReportScheduledSessions(scalingGroup string, count int)
	ReportSchedulingFailure(scalingGroup string, reason string)
	ReportTerminatedSession(scalingGroup string, reason string)
}

// SchedulingHandler runs one allocation cycle for one scaling group.
type SchedulingHandler struct {
	scalingGroup string
	scheduler    *Scheduler
	repository   Repository
	metrics      Metrics
	publisher    events.Publisher
	clock        clockwork.Clock

	lastBatch *schedulerobjects.AllocationBatch
}

func NewSchedulingHandler(
	scalingGroup string,
	scheduler *Scheduler,
	repository Repository,
	metrics Metrics,
	publisher events.Publisher,
	clock clockwork.Clock,
) *SchedulingHandler {
	return &SchedulingHandler{
		scalingGroup: scalingGroup,
		scheduler:    scheduler,
		repository:   repository,
		metrics:      metrics,
		publisher:    publisher,
		clock:        clock,
	}
}

func (h *SchedulingHandler) Name() string {
	return "schedule"
}

func (h *SchedulingHandler) LockID() string {
	return "scheduler:" + h.scalingGroup
}

func (h *SchedulingHandler) Execute(ctx *sokovancontext.Context) error {
	batch, err := h.scheduler.Schedule(ctx, h.scalingGroup)
	if err != nil {
		return err
	}
	if err := h.repository.PersistAllocationBatch(ctx, batch); err != nil {
		return errors.Wrapf(err, "failed to persist allocation batch for %q", h.scalingGroup)
	}
	h.lastBatch = batch
	h.metrics.ReportScheduledSessions(h.scalingGroup, len(batch.Allocations))
	for _, failure := range batch.Failures {
		h.metrics.ReportSchedulingFailure(h.scalingGroup, failureReason(failure))
	}
	ctx.Log.Infof("scheduled %d sessions, rejected %d", len(batch.Allocations), len(batch.Failures))
	return nil
}

// failureReason maps a scheduling failure to a bounded metric label: the last
// failed predicate is the one that rejected the session.
func failureReason(failure schedulerobjects.SchedulingFailure) string {
	if len(failure.Failed) > 0 {
		return failure.Failed[len(failure.Failed)-1].Name
	}
	return "unknown"
}

// PostProcess publishes lifecycle events for the persisted batch. Publish
// failures are logged only; the allocations are already durable.
func (h *SchedulingHandler) PostProcess(ctx *sokovancontext.Context) error {
	if h.lastBatch == nil {
		return nil
	}
	batch := h.lastBatch
	h.lastBatch = nil

	now := h.clock.Now()
	transitions := make([]events.LifecycleEvent, 0, len(batch.Allocations))
	for _, allocation := range batch.Allocations {
		transitions = append(transitions, events.LifecycleEvent{
			Kind:       events.EntitySession,
			EntityID:   allocation.SessionID.String(),
			FromStatus: string(schedulerobjects.SessionPending),
			ToStatus:   string(schedulerobjects.SessionScheduled),
			Timestamp:  now,
		})
	}
	if err := h.publisher.Publish(ctx, transitions); err != nil {
		ctx.Log.WithError(err).Warn("failed to publish scheduling events")
	}
	return nil
}

// TerminationHandler runs one termination sweep for one scaling group.
type TerminationHandler struct {
	scalingGroup string
	terminator   *Terminator
	repository   TerminationRepository
	metrics      Metrics
	publisher    events.Publisher
	clock        clockwork.Clock

	lastSweep []schedulerobjects.SessionTermination
}

func NewTerminationHandler(
	scalingGroup string,
	terminator *Terminator,
	repository TerminationRepository,
	metrics Metrics,
	publisher events.Publisher,
	clock clockwork.Clock,
) *TerminationHandler {
	return &TerminationHandler{
		scalingGroup: scalingGroup,
		terminator:   terminator,
		repository:   repository,
		metrics:      metrics,
		publisher:    publisher,
		clock:        clock,
	}
}

func (h *TerminationHandler) Name() string {
	return "terminate"
}

func (h *TerminationHandler) LockID() string {
	return "terminator:" + h.scalingGroup
}

func (h *TerminationHandler) Execute(ctx *sokovancontext.Context) error {
	terminations, err := h.terminator.Sweep(ctx, h.scalingGroup)
	if err != nil {
		return err
	}
	if len(terminations) == 0 {
		return nil
	}
	if err := h.repository.PersistTerminations(ctx, terminations); err != nil {
		return errors.Wrapf(err, "failed to persist terminations for %q", h.scalingGroup)
	}
	h.lastSweep = terminations
	for _, termination := range terminations {
		h.metrics.ReportTerminatedSession(h.scalingGroup, termination.Reason)
	}
	ctx.Log.Infof("terminated %d sessions", len(terminations))
	return nil
}

func (h *TerminationHandler) PostProcess(ctx *sokovancontext.Context) error {
	if len(h.lastSweep) == 0 {
		return nil
	}
	sweep := h.lastSweep
	h.lastSweep = nil

	now := h.clock.Now()
	transitions := make([]events.LifecycleEvent, 0, len(sweep))
	for _, termination := range sweep {
		transitions = append(transitions, events.LifecycleEvent{
			Kind:       events.EntitySession,
			EntityID:   termination.SessionID.String(),
			FromStatus: string(termination.FromStatus),
			ToStatus:   string(termination.ToStatus),
			Reason:     termination.Reason,
			Timestamp:  now,
		})
	}
	if err := h.publisher.Publish(ctx, transitions); err != nil {
		ctx.Log.WithError(err).Warn("failed to publish termination events")
	}
	return nil
}
