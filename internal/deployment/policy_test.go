package deployment

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/sokovanproject/sokovan/internal/common/sokovanerrors"
)

func TestRollingUpdateSpecValidate(t *testing.T) {
	tests := map[string]struct {
		spec        RollingUpdateSpec
		expectError bool
	}{
		"default spec is valid": {
			spec: DefaultRollingUpdateSpec(),
		},
		"surge only": {
			spec: RollingUpdateSpec{MaxSurge: 2, MaxUnavailable: 0},
		},
		"unavailable only": {
			spec: RollingUpdateSpec{MaxSurge: 0, MaxUnavailable: 1},
		},
		"both zero makes no progress": {
			spec:        RollingUpdateSpec{MaxSurge: 0, MaxUnavailable: 0},
			expectError: true,
		},
		"negative surge": {
			spec:        RollingUpdateSpec{MaxSurge: -1, MaxUnavailable: 1},
			expectError: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.expectError {
				var invalid *sokovanerrors.InvalidRollingUpdateParameters
				assert.True(t, errors.As(err, &invalid))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRouteStatusTerminationPriority(t *testing.T) {
	ordered := []RouteStatus{
		RouteFailedToStart,
		RouteUnhealthy,
		RouteDegraded,
		RouteProvisioning,
		RouteHealthy,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Less(t,
			ordered[i-1].TerminationPriority(),
			ordered[i].TerminationPriority(),
			"%s must terminate before %s", ordered[i-1], ordered[i])
	}
}
