package deployment

import (
	"github.com/sokovanproject/sokovan/internal/common/sokovanerrors"
)

// RollingUpdateSpec bounds how far a rollout may deviate from the replica
// target: MaxSurge extra routes above it, MaxUnavailable below it.
type RollingUpdateSpec struct {
	MaxSurge       int `mapstructure:"maxSurge"`
	MaxUnavailable int `mapstructure:"maxUnavailable"`
}

// DefaultRollingUpdateSpec surges one route at a time with no availability
// loss.
func DefaultRollingUpdateSpec() RollingUpdateSpec {
	return RollingUpdateSpec{MaxSurge: 1, MaxUnavailable: 0}
}

// Validate rejects specs under which a rollout could make no progress.
func (s RollingUpdateSpec) Validate() error {
	if s.MaxSurge < 0 || s.MaxUnavailable < 0 {
		return &sokovanerrors.InvalidRollingUpdateParameters{
			Message: "max_surge and max_unavailable must not be negative",
		}
	}
	if s.MaxSurge == 0 && s.MaxUnavailable == 0 {
		return &sokovanerrors.InvalidRollingUpdateParameters{
			Message: "max_surge and max_unavailable cannot both be 0; rolling update would make no progress",
		}
	}
	return nil
}

// Policy is the per-deployment rollout policy.
type Policy struct {
	RollingUpdate     RollingUpdateSpec
	RollbackOnFailure bool
}

func NewPolicy(spec RollingUpdateSpec, rollbackOnFailure bool) (Policy, error) {
	if err := spec.Validate(); err != nil {
		return Policy{}, err
	}
	return Policy{
		RollingUpdate:     spec,
		RollbackOnFailure: rollbackOnFailure,
	}, nil
}
