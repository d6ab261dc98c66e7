package scheduler

import (
	"sort"

	"github.com/google/uuid"

	"github.com/sokovanproject/sokovan/internal/scheduler/fairshare"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// Sequencer decides the order in which pending candidates are considered
// within one scheduling cycle.
type Sequencer interface {
	Sequence(candidates []*schedulerobjects.Session) []*schedulerobjects.Session
}

// FIFOSequencer orders candidates by submission time. It is the default until
// fair-share ranks are supplied.
type FIFOSequencer struct{}

func (FIFOSequencer) Sequence(candidates []*schedulerobjects.Session) []*schedulerobjects.Session {
	ordered := make([]*schedulerobjects.Session, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})
	return ordered
}

// FairShareSequencer orders candidates by their owner's fair-share rank,
// lowest rank first. Candidates whose owner has no rank, and ties within one
// rank, keep FIFO order.
type FairShareSequencer struct {
	ranks map[uuid.UUID]int
}

func NewFairShareSequencer(ranks []fairshare.SchedulingRank) *FairShareSequencer {
	byUser := make(map[uuid.UUID]int, len(ranks))
	for _, rank := range ranks {
		byUser[rank.UserID] = rank.Rank
	}
	return &FairShareSequencer{ranks: byUser}
}

func (s *FairShareSequencer) Sequence(candidates []*schedulerobjects.Session) []*schedulerobjects.Session {
	ordered := FIFOSequencer{}.Sequence(candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return s.rankOf(ordered[i]) < s.rankOf(ordered[j])
	})
	return ordered
}

func (s *FairShareSequencer) rankOf(session *schedulerobjects.Session) int {
	if rank, ok := s.ranks[session.UserID]; ok {
		return rank
	}
	// Unranked users sort after every ranked user.
	return int(^uint(0) >> 1)
}
