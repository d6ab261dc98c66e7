// Package sokovanerrors contains the typed domain errors raised by the scheduling
// and deployment cores. Admission errors are recovered per-candidate; the remaining
// error types abort the enclosing cycle or fail the triggering mutation synchronously.
package sokovanerrors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCode is a structured (domain, operation, detail) triple attached to every
// domain error for observability.
type ErrorCode struct {
	Domain    string
	Operation string
	Detail    string
}

func (c ErrorCode) String() string {
	return fmt.Sprintf("%s/%s/%s", c.Domain, c.Operation, c.Detail)
}

// DomainError is implemented by all typed errors in this package.
type DomainError interface {
	error
	Code() ErrorCode
}

// ResourceQuotaExceededError indicates that admitting a session would push the
// occupancy of some scope (keypair/user/project/domain) past its policy limit.
type ResourceQuotaExceededError struct {
	Scope         string // "keypair", "user", "project", "domain" or "pending"
	ScopeID       string
	ExceededKinds []string
	Message       string
}

func (err *ResourceQuotaExceededError) Error() string {
	s := fmt.Sprintf("%s resource quota exceeded for %q", err.Scope, err.ScopeID)
	if len(err.ExceededKinds) > 0 {
		s += fmt.Sprintf(" (%s)", strings.Join(err.ExceededKinds, ", "))
	}
	if err.Message != "" {
		s += "; " + err.Message
	}
	return s
}

func (err *ResourceQuotaExceededError) Code() ErrorCode {
	return ErrorCode{Domain: "session", Operation: "schedule", Detail: "quota-exceeded"}
}

// DependencyNotMetError indicates that a session has dependency sessions which
// have not yet terminated successfully.
type DependencyNotMetError struct {
	SessionID           string
	UnmetDependencies   []string
	FailedDependencies  []string
	PendingDependencies []string
}

func (err *DependencyNotMetError) Error() string {
	return fmt.Sprintf("session %q has unmet dependencies: %s",
		err.SessionID, strings.Join(err.UnmetDependencies, ", "))
}

func (err *DependencyNotMetError) Code() ErrorCode {
	return ErrorCode{Domain: "session", Operation: "schedule", Detail: "dependency-not-met"}
}

// SchedulingError is a cycle-fatal error raised by scheduling infrastructure;
// the cycle is aborted and retried on the next tick.
type SchedulingError struct {
	ScalingGroup string
	Message      string
}

func (err *SchedulingError) Error() string {
	return fmt.Sprintf("scheduling failed for scaling group %q: %s", err.ScalingGroup, err.Message)
}

func (err *SchedulingError) Code() ErrorCode {
	return ErrorCode{Domain: "scheduler", Operation: "cycle", Detail: "scheduling-failed"}
}

// NoResourceRequirementsError indicates a session reached scheduling without any
// requested slots; this is a data integrity problem, not an admission failure.
type NoResourceRequirementsError struct {
	SessionID string
}

func (err *NoResourceRequirementsError) Error() string {
	return fmt.Sprintf("session %q has no resource requirements", err.SessionID)
}

func (err *NoResourceRequirementsError) Code() ErrorCode {
	return ErrorCode{Domain: "scheduler", Operation: "cycle", Detail: "no-resource-requirements"}
}

// InvalidAllocationError indicates an allocation batch that violates capacity or
// internal consistency and must not be persisted.
type InvalidAllocationError struct {
	SessionID string
	Message   string
}

func (err *InvalidAllocationError) Error() string {
	return fmt.Sprintf("invalid allocation for session %q: %s", err.SessionID, err.Message)
}

func (err *InvalidAllocationError) Code() ErrorCode {
	return ErrorCode{Domain: "scheduler", Operation: "allocate", Detail: "invalid-allocation"}
}

// InvalidRollingUpdateParameters indicates a deployment policy under which a
// rolling update could make no progress.
type InvalidRollingUpdateParameters struct {
	Message string
}

func (err *InvalidRollingUpdateParameters) Error() string {
	return "invalid rolling update parameters: " + err.Message
}

func (err *InvalidRollingUpdateParameters) Code() ErrorCode {
	return ErrorCode{Domain: "deployment", Operation: "rolling-update", Detail: "invalid-parameters"}
}

// ReplicaCountMismatchError indicates a READY deployment whose active route
// count has drifted from its replica target; the deployment is flagged for
// scaling.
type ReplicaCountMismatchError struct {
	DeploymentID string
	Expected     int
	Actual       int
}

func (err *ReplicaCountMismatchError) Error() string {
	return fmt.Sprintf("deployment %q has %d active routes, expected %d",
		err.DeploymentID, err.Actual, err.Expected)
}

func (err *ReplicaCountMismatchError) Code() ErrorCode {
	return ErrorCode{Domain: "deployment", Operation: "scale", Detail: "replica-count-mismatch"}
}

// InvalidAPIParametersError indicates user-supplied input (e.g. a model
// definition file) that fails schema validation.
type InvalidAPIParametersError struct {
	Field   string
	Message string
}

func (err *InvalidAPIParametersError) Error() string {
	if err.Field != "" {
		return fmt.Sprintf("invalid parameters: field %q: %s", err.Field, err.Message)
	}
	return "invalid parameters: " + err.Message
}

func (err *InvalidAPIParametersError) Code() ErrorCode {
	return ErrorCode{Domain: "deployment", Operation: "definition", Detail: "invalid-api-parameters"}
}

// IsAdmissionError reports whether err is a per-candidate admission failure that
// should be recovered locally rather than aborting the scheduling cycle.
func IsAdmissionError(err error) bool {
	var quota *ResourceQuotaExceededError
	var dep *DependencyNotMetError
	return errors.As(err, &quota) || errors.As(err, &dep)
}

// IsNotRetryable reports whether err is a domain error for which retrying an
// agent RPC cannot help; retry loops short-circuit on these.
func IsNotRetryable(err error) bool {
	var domainErr DomainError
	return errors.As(err, &domainErr)
}

// CodeFromError extracts the structured code from an error chain, returning a
// generic "unknown" code for non-domain errors.
func CodeFromError(err error) ErrorCode {
	var domainErr DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code()
	}
	return ErrorCode{Domain: "unknown", Operation: "unknown", Detail: "unknown"}
}
