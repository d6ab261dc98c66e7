package validation

import (
	"github.com/sokovanproject/sokovan/internal/common/sokovanerrors"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// dependenciesValidator requires every dependency session to have terminated
// with a SUCCESS result before the candidate may be admitted.
type dependenciesValidator struct{}

func (v dependenciesValidator) Name() string {
	return "dependencies"
}

func (v dependenciesValidator) Validate(ctx *Context) error {
	var unmet, failed, pending []string
	for _, dep := range ctx.Dependencies {
		if dep.Satisfied() {
			continue
		}
		name := dep.Name
		if name == "" {
			name = dep.SessionID.String()
		}
		unmet = append(unmet, name)
		if dep.Status == schedulerobjects.SessionTerminated {
			failed = append(failed, name)
		} else {
			pending = append(pending, name)
		}
	}
	if len(unmet) > 0 {
		return &sokovanerrors.DependencyNotMetError{
			SessionID:           ctx.Session.ID.String(),
			UnmetDependencies:   unmet,
			FailedDependencies:  failed,
			PendingDependencies: pending,
		}
	}
	return nil
}
