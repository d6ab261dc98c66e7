package scheduler

import (
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

const (
	ReasonPendingTimeout   = "pending-timeout"
	ReasonDependencyFailed = "dependency-failed"
	ReasonTerminated       = "terminated"
)

// TerminationSnapshot is one consistent view of the sessions a termination
// sweep inspects.
type TerminationSnapshot struct {
	PendingSessions     []*schedulerobjects.Session
	TerminatingSessions []*schedulerobjects.Session
	Dependencies        map[uuid.UUID]schedulerobjects.DependencyStatus
}

// TerminationRepository is the persistence boundary of the termination sweep.
type TerminationRepository interface {
	TerminationSnapshot(ctx *sokovancontext.Context, scalingGroup string) (*TerminationSnapshot, error)
	// PersistTerminations applies the transitions atomically. Each update is
	// guarded by the expected prior status.
	PersistTerminations(ctx *sokovancontext.Context, terminations []schedulerobjects.SessionTermination) error
}

// Terminator sweeps sessions into termination: pending sessions past their
// pending timeout, pending sessions whose dependencies can no longer be
// satisfied, and sessions the user asked to terminate.
type Terminator struct {
	repository TerminationRepository
	clock      clockwork.Clock
}

func NewTerminator(repository TerminationRepository, clock clockwork.Clock) *Terminator {
	return &Terminator{
		repository: repository,
		clock:      clock,
	}
}

// Sweep computes the termination transitions for one scaling group. The
// decisions are derived from a single snapshot and handed back for atomic
// persistence by the caller.
func (t *Terminator) Sweep(ctx *sokovancontext.Context, scalingGroup string) ([]schedulerobjects.SessionTermination, error) {
	snapshot, err := t.repository.TerminationSnapshot(ctx, scalingGroup)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to snapshot scaling group %q for termination", scalingGroup)
	}

	now := t.clock.Now()
	var terminations []schedulerobjects.SessionTermination

	for _, session := range snapshot.PendingSessions {
		if session.PendingTimeout > 0 && now.Sub(session.CreatedAt) >= session.PendingTimeout {
			terminations = append(terminations, schedulerobjects.SessionTermination{
				SessionID:  session.ID,
				FromStatus: session.Status,
				ToStatus:   schedulerobjects.SessionTerminated,
				Result:     schedulerobjects.ResultFailure,
				Reason:     ReasonPendingTimeout,
			})
			continue
		}
		if dependencyFailed(session, snapshot.Dependencies) {
			terminations = append(terminations, schedulerobjects.SessionTermination{
				SessionID:  session.ID,
				FromStatus: session.Status,
				ToStatus:   schedulerobjects.SessionTerminated,
				Result:     schedulerobjects.ResultFailure,
				Reason:     ReasonDependencyFailed,
			})
		}
	}

	for _, session := range snapshot.TerminatingSessions {
		terminations = append(terminations, schedulerobjects.SessionTermination{
			SessionID:  session.ID,
			FromStatus: session.Status,
			ToStatus:   schedulerobjects.SessionTerminated,
			Result:     schedulerobjects.ResultSuccess,
			Reason:     ReasonTerminated,
		})
	}

	return terminations, nil
}

// dependencyFailed reports whether any dependency of the session has reached a
// terminal state without success. Dependencies that are merely still running
// keep the session waiting and do not fail it.
func dependencyFailed(session *schedulerobjects.Session, dependencies map[uuid.UUID]schedulerobjects.DependencyStatus) bool {
	for _, depID := range session.Dependencies {
		dep, ok := dependencies[depID]
		if !ok {
			continue
		}
		if dep.Status.IsTerminal() && !dep.Satisfied() {
			return true
		}
	}
	return false
}
