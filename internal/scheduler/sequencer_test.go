package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovanproject/sokovan/internal/scheduler/fairshare"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

func TestFIFOSequencer(t *testing.T) {
	now := time.Now()
	oldest := &schedulerobjects.Session{ID: uuid.New(), CreatedAt: now.Add(-time.Hour)}
	middle := &schedulerobjects.Session{ID: uuid.New(), CreatedAt: now.Add(-time.Minute)}
	newest := &schedulerobjects.Session{ID: uuid.New(), CreatedAt: now}

	input := []*schedulerobjects.Session{newest, oldest, middle}
	ordered := FIFOSequencer{}.Sequence(input)

	require.Len(t, ordered, 3)
	assert.Equal(t, oldest.ID, ordered[0].ID)
	assert.Equal(t, middle.ID, ordered[1].ID)
	assert.Equal(t, newest.ID, ordered[2].ID)
	// Input order untouched.
	assert.Equal(t, newest.ID, input[0].ID)
}

func TestFairShareSequencer(t *testing.T) {
	now := time.Now()
	heavyUser := uuid.New()
	lightUser := uuid.New()
	unrankedUser := uuid.New()

	// The light user outranks the heavy user; the unranked user goes last
	// even though it submitted first.
	sequencer := NewFairShareSequencer([]fairshare.SchedulingRank{
		{UserID: lightUser, Rank: 1},
		{UserID: heavyUser, Rank: 2},
	})

	unrankedSession := &schedulerobjects.Session{ID: uuid.New(), UserID: unrankedUser, CreatedAt: now.Add(-time.Hour)}
	heavySession := &schedulerobjects.Session{ID: uuid.New(), UserID: heavyUser, CreatedAt: now.Add(-time.Minute)}
	lightSession := &schedulerobjects.Session{ID: uuid.New(), UserID: lightUser, CreatedAt: now}

	ordered := sequencer.Sequence([]*schedulerobjects.Session{unrankedSession, heavySession, lightSession})
	require.Len(t, ordered, 3)
	assert.Equal(t, lightSession.ID, ordered[0].ID)
	assert.Equal(t, heavySession.ID, ordered[1].ID)
	assert.Equal(t, unrankedSession.ID, ordered[2].ID)
}

func TestFairShareSequencer_TiesKeepFIFOOrder(t *testing.T) {
	now := time.Now()
	user := uuid.New()
	sequencer := NewFairShareSequencer([]fairshare.SchedulingRank{{UserID: user, Rank: 1}})

	first := &schedulerobjects.Session{ID: uuid.New(), UserID: user, CreatedAt: now.Add(-time.Minute)}
	second := &schedulerobjects.Session{ID: uuid.New(), UserID: user, CreatedAt: now}

	ordered := sequencer.Sequence([]*schedulerobjects.Session{second, first})
	assert.Equal(t, first.ID, ordered[0].ID)
	assert.Equal(t, second.ID, ordered[1].ID)
}
