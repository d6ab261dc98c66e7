package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

type fakeTerminationRepository struct {
	snapshot  *TerminationSnapshot
	persisted [][]schedulerobjects.SessionTermination
}

func (f *fakeTerminationRepository) TerminationSnapshot(_ *sokovancontext.Context, _ string) (*TerminationSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeTerminationRepository) PersistTerminations(_ *sokovancontext.Context, terminations []schedulerobjects.SessionTermination) error {
	f.persisted = append(f.persisted, terminations)
	return nil
}

func TestSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()
	failedDep := uuid.New()
	runningDep := uuid.New()

	timedOut := &schedulerobjects.Session{
		ID:             uuid.New(),
		Status:         schedulerobjects.SessionPending,
		CreatedAt:      now.Add(-time.Hour),
		PendingTimeout: 30 * time.Minute,
	}
	stillWaiting := &schedulerobjects.Session{
		ID:             uuid.New(),
		Status:         schedulerobjects.SessionPending,
		CreatedAt:      now.Add(-time.Minute),
		PendingTimeout: 30 * time.Minute,
	}
	noTimeout := &schedulerobjects.Session{
		ID:        uuid.New(),
		Status:    schedulerobjects.SessionPending,
		CreatedAt: now.Add(-24 * time.Hour),
	}
	depFailed := &schedulerobjects.Session{
		ID:           uuid.New(),
		Status:       schedulerobjects.SessionPending,
		CreatedAt:    now,
		Dependencies: []uuid.UUID{failedDep},
	}
	depRunning := &schedulerobjects.Session{
		ID:           uuid.New(),
		Status:       schedulerobjects.SessionPending,
		CreatedAt:    now,
		Dependencies: []uuid.UUID{runningDep},
	}
	userRequested := &schedulerobjects.Session{
		ID:     uuid.New(),
		Status: schedulerobjects.SessionTerminating,
	}

	repo := &fakeTerminationRepository{
		snapshot: &TerminationSnapshot{
			PendingSessions:     []*schedulerobjects.Session{timedOut, stillWaiting, noTimeout, depFailed, depRunning},
			TerminatingSessions: []*schedulerobjects.Session{userRequested},
			Dependencies: map[uuid.UUID]schedulerobjects.DependencyStatus{
				failedDep: {
					SessionID: failedDep,
					Status:    schedulerobjects.SessionTerminated,
					Result:    schedulerobjects.ResultFailure,
				},
				runningDep: {
					SessionID: runningDep,
					Status:    schedulerobjects.SessionRunning,
					Result:    schedulerobjects.ResultUndefined,
				},
			},
		},
	}

	terminations, err := NewTerminator(repo, clock).Sweep(sokovancontext.Background(), "default")
	require.NoError(t, err)

	byID := make(map[uuid.UUID]schedulerobjects.SessionTermination, len(terminations))
	for _, termination := range terminations {
		byID[termination.SessionID] = termination
	}
	require.Len(t, byID, 3)

	assert.Equal(t, ReasonPendingTimeout, byID[timedOut.ID].Reason)
	assert.Equal(t, schedulerobjects.SessionTerminated, byID[timedOut.ID].ToStatus)
	assert.Equal(t, schedulerobjects.ResultFailure, byID[timedOut.ID].Result)

	assert.Equal(t, ReasonDependencyFailed, byID[depFailed.ID].Reason)
	assert.Equal(t, schedulerobjects.ResultFailure, byID[depFailed.ID].Result)

	assert.Equal(t, ReasonTerminated, byID[userRequested.ID].Reason)
	assert.Equal(t, schedulerobjects.SessionTerminating, byID[userRequested.ID].FromStatus)
	assert.Equal(t, schedulerobjects.ResultSuccess, byID[userRequested.ID].Result)

	assert.NotContains(t, byID, stillWaiting.ID)
	assert.NotContains(t, byID, noTimeout.ID)
	assert.NotContains(t, byID, depRunning.ID)
}
