package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovanproject/sokovan/internal/common/lock"
	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/events"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

type fakeLock struct {
	held     *bool
	acquired bool
}

func (l *fakeLock) TryLock(_ context.Context, _ time.Duration) (bool, error) {
	if *l.held {
		return false, nil
	}
	*l.held = true
	l.acquired = true
	return true, nil
}

func (l *fakeLock) Unlock(_ context.Context) error {
	*l.held = false
	return nil
}

type fakeLockFactory struct {
	held map[string]*bool
}

func newFakeLockFactory() *fakeLockFactory {
	return &fakeLockFactory{held: map[string]*bool{}}
}

func (f *fakeLockFactory) NewLock(id string) lock.DistributedLock {
	if _, ok := f.held[id]; !ok {
		held := false
		f.held[id] = &held
	}
	return &fakeLock{held: f.held[id]}
}

type capturePublisher struct {
	published [][]events.LifecycleEvent
}

func (p *capturePublisher) Publish(_ *sokovancontext.Context, batch []events.LifecycleEvent) error {
	p.published = append(p.published, batch)
	return nil
}

func (p *capturePublisher) Close() {}

type fakeMetrics struct {
	scheduled  map[string]int
	rejected   map[string]int
	terminated map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		scheduled:  map[string]int{},
		rejected:   map[string]int{},
		terminated: map[string]int{},
	}
}

func (m *fakeMetrics) ReportScheduledSessions(scalingGroup string, count int) {
	m.scheduled[scalingGroup] += count
}

func (m *fakeMetrics) ReportSchedulingFailure(_ string, reason string) {
	m.rejected[reason]++
}

func (m *fakeMetrics) ReportTerminatedSession(_ string, reason string) {
	m.terminated[reason]++
}

func TestHandlerRunner_SkipsCycleWhenLockHeld(t *testing.T) {
	factory := newFakeLockFactory()
	runner := NewHandlerRunner(factory, time.Minute)

	repo := &fakeRepository{snapshot: testSnapshot(nil, 8)}
	handler := NewSchedulingHandler("default", newTestScheduler(repo), repo, newFakeMetrics(), &capturePublisher{}, clockwork.NewFakeClock())

	held := true
	factory.held[handler.LockID()] = &held

	executed, err := runner.Run(sokovancontext.Background(), handler)
	require.NoError(t, err)
	assert.False(t, executed, "a contended lock must report the cycle as skipped")
	assert.Empty(t, repo.persisted, "a skipped cycle must not persist anything")
}

func TestHandlerRunner_ReleasesLockAfterCycle(t *testing.T) {
	factory := newFakeLockFactory()
	runner := NewHandlerRunner(factory, time.Minute)

	repo := &fakeRepository{snapshot: testSnapshot(nil, 8)}
	handler := NewSchedulingHandler("default", newTestScheduler(repo), repo, newFakeMetrics(), &capturePublisher{}, clockwork.NewFakeClock())

	executed, err := runner.Run(sokovancontext.Background(), handler)
	require.NoError(t, err)
	assert.True(t, executed)
	assert.False(t, *factory.held[handler.LockID()])
	require.Len(t, repo.persisted, 1)
}

func TestSchedulingHandler_PublishesEventsForAdmittedSessions(t *testing.T) {
	session := testSession("default", 2, time.Now())
	repo := &fakeRepository{snapshot: testSnapshot([]*schedulerobjects.Session{session}, 8)}
	publisher := &capturePublisher{}
	clock := clockwork.NewFakeClock()
	handler := NewSchedulingHandler("default", newTestScheduler(repo), repo, newFakeMetrics(), publisher, clock)

	ctx := sokovancontext.Background()
	require.NoError(t, handler.Execute(ctx))
	require.NoError(t, handler.PostProcess(ctx))

	require.Len(t, repo.persisted, 1)
	require.Len(t, publisher.published, 1)
	require.Len(t, publisher.published[0], 1)
	event := publisher.published[0][0]
	assert.Equal(t, events.EntitySession, event.Kind)
	assert.Equal(t, session.ID.String(), event.EntityID)
	assert.Equal(t, string(schedulerobjects.SessionPending), event.FromStatus)
	assert.Equal(t, string(schedulerobjects.SessionScheduled), event.ToStatus)

	// A second PostProcess without a new Execute publishes nothing.
	require.NoError(t, handler.PostProcess(ctx))
	assert.Len(t, publisher.published, 1)
}

func TestSchedulingHandler_ReportsCycleOutcome(t *testing.T) {
	now := time.Now()
	admitted := testSession("default", 2, now)
	tooBig := testSession("default", 100, now.Add(time.Second))
	repo := &fakeRepository{snapshot: testSnapshot([]*schedulerobjects.Session{admitted, tooBig}, 8)}
	cycleMetrics := newFakeMetrics()
	handler := NewSchedulingHandler("default", newTestScheduler(repo), repo, cycleMetrics, &capturePublisher{}, clockwork.NewFakeClock())

	require.NoError(t, handler.Execute(sokovancontext.Background()))

	assert.Equal(t, 1, cycleMetrics.scheduled["default"])
	assert.Equal(t, 1, cycleMetrics.rejected["capacity"])
}

func TestTerminationHandler_NoWritesWhenNothingToSweep(t *testing.T) {
	repo := &fakeTerminationRepository{snapshot: &TerminationSnapshot{}}
	handler := NewTerminationHandler("default", NewTerminator(repo, clockwork.NewFakeClock()), repo, newFakeMetrics(), &capturePublisher{}, clockwork.NewFakeClock())

	require.NoError(t, handler.Execute(sokovancontext.Background()))
	assert.Empty(t, repo.persisted)
}

func TestTerminationHandler_ReportsSweepReasons(t *testing.T) {
	userRequested := &schedulerobjects.Session{
		ID:     uuid.New(),
		Status: schedulerobjects.SessionTerminating,
	}
	repo := &fakeTerminationRepository{snapshot: &TerminationSnapshot{
		TerminatingSessions: []*schedulerobjects.Session{userRequested},
	}}
	cycleMetrics := newFakeMetrics()
	clock := clockwork.NewFakeClock()
	handler := NewTerminationHandler("default", NewTerminator(repo, clock), repo, cycleMetrics, &capturePublisher{}, clock)

	require.NoError(t, handler.Execute(sokovancontext.Background()))
	assert.Equal(t, 1, cycleMetrics.terminated[ReasonTerminated])
}
