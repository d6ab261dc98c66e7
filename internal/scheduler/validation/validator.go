// Package validation implements the admission-control validator chain. All
// validators of one chain are evaluated against the same immutable context
// snapshot; a failure rejects that candidate only.
package validation

import (
	"github.com/sokovanproject/sokovan/internal/common/resource"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// Context is an immutable per-validation-attempt snapshot. It is constructed
// fresh per candidate from the cycle's system snapshot and never mutated by
// validators, so no validator can race against concurrently admitted sessions.
type Context struct {
	Session        *schedulerobjects.Session
	Dependencies   []schedulerobjects.DependencyStatus
	Policies       schedulerobjects.Policies
	Occupancy      schedulerobjects.Occupancy
	Pending        schedulerobjects.PendingLoad
	KnownSlotTypes []string
}

// NewContext assembles a validation context for one candidate from the cycle
// snapshot.
func NewContext(session *schedulerobjects.Session, snapshot *schedulerobjects.SystemSnapshot, policies schedulerobjects.Policies) *Context {
	deps := make([]schedulerobjects.DependencyStatus, 0, len(session.Dependencies))
	for _, depID := range session.Dependencies {
		if status, ok := snapshot.Dependencies[depID]; ok {
			deps = append(deps, status)
		} else {
			// An unknown dependency can never be satisfied.
			deps = append(deps, schedulerobjects.DependencyStatus{
				SessionID: depID,
				Status:    schedulerobjects.SessionPending,
				Result:    schedulerobjects.ResultUndefined,
			})
		}
	}
	return &Context{
		Session:        session,
		Dependencies:   deps,
		Policies:       policies,
		Occupancy:      snapshot.Occupancy,
		Pending:        snapshot.PendingByKeypair[session.AccessKey],
		KnownSlotTypes: snapshot.KnownSlotTypes,
	}
}

type Validator interface {
	// Name identifies the validator in execution records and status data.
	Name() string
	Validate(ctx *Context) error
}

type CompoundValidator struct {
	validators []Validator
}

func NewCompoundValidator(validators ...Validator) CompoundValidator {
	return CompoundValidator{
		validators: validators,
	}
}

// Default returns the validator chain used for session admission.
func Default() CompoundValidator {
	return NewCompoundValidator(
		dependenciesValidator{},
		concurrencyValidator{},
		pendingSessionCountLimitValidator{},
		pendingSessionResourceLimitValidator{},
		keypairResourceLimitValidator{},
		userResourceLimitValidator{},
		projectResourceLimitValidator{},
		domainResourceLimitValidator{},
	)
}

func (c CompoundValidator) Validate(ctx *Context) error {
	for _, v := range c.validators {
		if err := v.Validate(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c CompoundValidator) Validators() []Validator {
	return c.validators
}

// occupiedPlusRequested is the prospective occupancy of a scope if the
// candidate were admitted.
func occupiedPlusRequested(occupied resource.Slots, requested resource.Slots) resource.Slots {
	total := resource.New()
	if occupied != nil {
		total.Add(occupied)
	}
	total.Add(requested)
	return total
}
