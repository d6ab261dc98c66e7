// Package recorder captures per-entity step outcomes during one orchestration
// attempt. Records are append-only while the attempt runs and are flattened into
// persisted history entries at commit time.
package recorder

import (
	"time"

	"github.com/jonboulle/clockwork"
)

type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepFailure StepStatus = "FAILURE"
)

// StepRecord is the outcome of one sub-step within a phase.
type StepRecord struct {
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Detail    string     `json:"detail,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`
}

// PhaseRecord groups the steps of one named phase, in execution order.
type PhaseRecord struct {
	Name      string       `json:"name"`
	Status    StepStatus   `json:"status"`
	Detail    string       `json:"detail,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	Steps     []StepRecord `json:"steps"`
}

// ExecutionRecord is the full record of one orchestration attempt for one entity.
type ExecutionRecord struct {
	Phases []PhaseRecord `json:"phases"`
}

// SubStepResult is the flattened, persisted form of a step outcome; stored as
// elements of a JSON-array history column keyed by entity id.
type SubStepResult struct {
	Phase     string     `json:"phase"`
	Step      string     `json:"step"`
	Status    StepStatus `json:"status"`
	Detail    string     `json:"detail,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`
}

// Predicate is a named pass/fail outcome derived from a record, surfaced to
// users in session status data.
type Predicate struct {
	Name    string `json:"name"`
	Message string `json:"msg"`
}

// Recorder accumulates phases and steps for a single entity.
type Recorder struct {
	clock  clockwork.Clock
	record ExecutionRecord
}

func newRecorder(clock clockwork.Clock) *Recorder {
	return &Recorder{clock: clock}
}

// Phase runs fn inside a new phase. The phase fails if fn returns an error or
// any step inside it failed.
func (r *Recorder) Phase(name string, fn func() error) error {
	started := r.clock.Now()
	r.record.Phases = append(r.record.Phases, PhaseRecord{
		Name:      name,
		Status:    StepSuccess,
		StartedAt: started,
	})
	idx := len(r.record.Phases) - 1

	err := fn()

	phase := &r.record.Phases[idx]
	phase.EndedAt = r.clock.Now()
	if err != nil {
		phase.Status = StepFailure
		phase.Detail = err.Error()
		return err
	}
	for _, step := range phase.Steps {
		if step.Status == StepFailure {
			phase.Status = StepFailure
			break
		}
	}
	return nil
}

// Step runs fn as a sub-step of the current phase. Calling Step outside a Phase
// is a programming error; the step is dropped in that case.
func (r *Recorder) Step(name string, fn func() error) error {
	if len(r.record.Phases) == 0 {
		return fn()
	}
	started := r.clock.Now()
	err := fn()
	step := StepRecord{
		Name:      name,
		Status:    StepSuccess,
		StartedAt: started,
		EndedAt:   r.clock.Now(),
	}
	if err != nil {
		step.Status = StepFailure
		step.Detail = err.Error()
	}
	phase := &r.record.Phases[len(r.record.Phases)-1]
	phase.Steps = append(phase.Steps, step)
	return err
}

func (r *Recorder) Record() ExecutionRecord {
	return r.record
}

// Predicates converts the record into passed/failed predicate lists covering
// phases and their steps.
func (r *Recorder) Predicates() (passed []Predicate, failed []Predicate) {
	for _, phase := range r.record.Phases {
		p := Predicate{Name: phase.Name, Message: phase.Detail}
		if phase.Status == StepSuccess {
			passed = append(passed, p)
		} else {
			failed = append(failed, p)
		}
		for _, step := range phase.Steps {
			sp := Predicate{Name: step.Name, Message: step.Detail}
			if step.Status == StepSuccess {
				passed = append(passed, sp)
			} else {
				failed = append(failed, sp)
			}
		}
	}
	return passed, failed
}

// FlattenSubSteps converts the record into its persisted history form.
func (r *Recorder) FlattenSubSteps() []SubStepResult {
	var results []SubStepResult
	for _, phase := range r.record.Phases {
		for _, step := range phase.Steps {
			results = append(results, SubStepResult{
				Phase:     phase.Name,
				Step:      step.Name,
				Status:    step.Status,
				Detail:    step.Detail,
				StartedAt: step.StartedAt,
				EndedAt:   step.EndedAt,
			})
		}
	}
	return results
}
