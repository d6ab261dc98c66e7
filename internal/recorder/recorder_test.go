package recorder

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseAndStepRecording(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newRecorder(clock)

	err := r.Phase("provision", func() error {
		require.NoError(t, r.Step("pull-image", func() error { return nil }))
		return r.Step("create-kernel", func() error { return errors.New("agent unreachable") })
	})
	require.Error(t, err)

	record := r.Record()
	require.Len(t, record.Phases, 1)
	phase := record.Phases[0]
	assert.Equal(t, "provision", phase.Name)
	assert.Equal(t, StepFailure, phase.Status)
	assert.Equal(t, "agent unreachable", phase.Detail)
	require.Len(t, phase.Steps, 2)
	assert.Equal(t, StepSuccess, phase.Steps[0].Status)
	assert.Equal(t, StepFailure, phase.Steps[1].Status)
	assert.Equal(t, "agent unreachable", phase.Steps[1].Detail)
}

func TestPhaseFailsIfAnyStepFailed(t *testing.T) {
	r := newRecorder(clockwork.NewFakeClock())

	// The phase callback swallows the step error but the phase still fails.
	err := r.Phase("verify", func() error {
		_ = r.Step("health-check", func() error { return errors.New("503") })
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, StepFailure, r.Record().Phases[0].Status)
}

func TestStepOutsidePhaseStillRuns(t *testing.T) {
	r := newRecorder(clockwork.NewFakeClock())

	ran := false
	err := r.Step("orphan", func() error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.Empty(t, r.Record().Phases)
}

func TestPredicates(t *testing.T) {
	r := newRecorder(clockwork.NewFakeClock())
	_ = r.Phase("schedule", func() error {
		_ = r.Step("validate", func() error { return nil })
		return r.Step("allocate", func() error { return errors.New("no capacity") })
	})

	passed, failed := r.Predicates()

	assert.Equal(t, []Predicate{{Name: "validate"}}, passed)
	assert.Equal(t, []Predicate{
		{Name: "schedule", Message: "no capacity"},
		{Name: "allocate", Message: "no capacity"},
	}, failed)
}

func TestPoolFlattenAll(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pool := NewPool(clock)
	first := uuid.New()
	second := uuid.New()

	_ = pool.Recorder(first).Phase("provision", func() error {
		return pool.Recorder(first).Step("create-kernel", func() error { return nil })
	})
	_ = pool.Recorder(second).Phase("provision", func() error {
		return pool.Recorder(second).Step("create-kernel", func() error { return errors.New("boom") })
	})

	flattened := pool.FlattenAll()
	require.Len(t, flattened, 2)
	require.Len(t, flattened[first], 1)
	assert.Equal(t, SubStepResult{
		Phase:     "provision",
		Step:      "create-kernel",
		Status:    StepSuccess,
		StartedAt: clock.Now(),
		EndedAt:   clock.Now(),
	}, flattened[first][0])
	assert.Equal(t, StepFailure, flattened[second][0].Status)
}

func TestPoolReturnsSameRecorderPerEntity(t *testing.T) {
	pool := NewPool(clockwork.NewFakeClock())
	id := uuid.New()

	assert.Same(t, pool.Recorder(id), pool.Recorder(id))
	assert.Nil(t, pool.Get(uuid.New()))
}
