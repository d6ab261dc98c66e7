package recorder

import (
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Pool hands out one Recorder per entity for the duration of one orchestration
// attempt. A pool is created per cycle and discarded with it; it is not safe for
// concurrent use, matching the single-goroutine cycle model.
type Pool struct {
	clock     clockwork.Clock
	recorders map[uuid.UUID]*Recorder
}

func NewPool(clock clockwork.Clock) *Pool {
	return &Pool{
		clock:     clock,
		recorders: make(map[uuid.UUID]*Recorder),
	}
}

func (p *Pool) Recorder(entityID uuid.UUID) *Recorder {
	if r, ok := p.recorders[entityID]; ok {
		return r
	}
	r := newRecorder(p.clock)
	p.recorders[entityID] = r
	return r
}

// Get returns the recorder for entityID, or nil if no step was ever recorded
// for it during this attempt.
func (p *Pool) Get(entityID uuid.UUID) *Recorder {
	return p.recorders[entityID]
}

// AllRecords returns the execution record per entity for persistence.
func (p *Pool) AllRecords() map[uuid.UUID]ExecutionRecord {
	records := make(map[uuid.UUID]ExecutionRecord, len(p.recorders))
	for id, r := range p.recorders {
		records[id] = r.Record()
	}
	return records
}

// FlattenAll returns the persisted history entries keyed by entity id.
func (p *Pool) FlattenAll() map[uuid.UUID][]SubStepResult {
	results := make(map[uuid.UUID][]SubStepResult, len(p.recorders))
	for id, r := range p.recorders {
		results[id] = r.FlattenSubSteps()
	}
	return results
}
