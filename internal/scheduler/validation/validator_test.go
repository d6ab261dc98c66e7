package validation

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovanproject/sokovan/internal/common/resource"
	"github.com/sokovanproject/sokovan/internal/common/sokovanerrors"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

func testSession(slots map[string]float64) *schedulerobjects.Session {
	return &schedulerobjects.Session{
		ID:             uuid.New(),
		AccessKey:      "AKIATEST",
		UserID:         uuid.New(),
		ProjectID:      uuid.New(),
		DomainName:     "default",
		ScalingGroup:   "default",
		RequestedSlots: resource.FromFloats(slots),
		Status:         schedulerobjects.SessionPending,
	}
}

func emptySnapshot() *schedulerobjects.SystemSnapshot {
	return &schedulerobjects.SystemSnapshot{
		KnownSlotTypes:   []string{"cpu", "mem", "cuda.device"},
		Occupancy:        schedulerobjects.NewOccupancy(),
		PendingByKeypair: map[string]schedulerobjects.PendingLoad{},
		Dependencies:     map[uuid.UUID]schedulerobjects.DependencyStatus{},
	}
}

func TestKeypairResourceLimit(t *testing.T) {
	tests := map[string]struct {
		requested   map[string]float64
		occupied    map[string]float64
		limit       map[string]float64
		unspecified resource.DefaultForUnspecified
		expectError bool
	}{
		"within limit": {
			requested: map[string]float64{"cpu": 2},
			limit:     map[string]float64{"cpu": 4},
		},
		"exactly at limit": {
			requested: map[string]float64{"cpu": 4},
			limit:     map[string]float64{"cpu": 4},
		},
		"over limit": {
			requested:   map[string]float64{"cpu": 5},
			limit:       map[string]float64{"cpu": 4},
			expectError: true,
		},
		"occupancy pushes over limit": {
			requested:   map[string]float64{"cpu": 2},
			occupied:    map[string]float64{"cpu": 3},
			limit:       map[string]float64{"cpu": 4},
			expectError: true,
		},
		"unspecified kind rejected when limited": {
			requested:   map[string]float64{"cuda.device": 1},
			limit:       map[string]float64{"cpu": 4},
			unspecified: resource.Limited,
			expectError: true,
		},
		"unspecified kind allowed when unlimited": {
			requested:   map[string]float64{"cuda.device": 1},
			limit:       map[string]float64{"cpu": 4},
			unspecified: resource.Unlimited,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			session := testSession(tc.requested)
			snapshot := emptySnapshot()
			if tc.occupied != nil {
				snapshot.Occupancy.ByKeypair[session.AccessKey] = schedulerobjects.KeypairOccupancy{
					OccupiedSlots: resource.FromFloats(tc.occupied),
				}
			}
			policies := schedulerobjects.Policies{
				Keypair: &schedulerobjects.ResourcePolicy{
					TotalResourceSlots:    resource.FromFloats(tc.limit),
					DefaultForUnspecified: tc.unspecified,
				},
			}

			err := keypairResourceLimitValidator{}.Validate(NewContext(session, snapshot, policies))
			if tc.expectError {
				var quota *sokovanerrors.ResourceQuotaExceededError
				require.True(t, errors.As(err, &quota))
				assert.Equal(t, "keypair", quota.Scope)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPrivateSessionsBypassResourceQuotas(t *testing.T) {
	session := testSession(map[string]float64{"cpu": 100})
	session.IsPrivate = true
	policies := schedulerobjects.Policies{
		Keypair: &schedulerobjects.ResourcePolicy{
			TotalResourceSlots: resource.FromFloats(map[string]float64{"cpu": 1}),
		},
	}
	ctx := NewContext(session, emptySnapshot(), policies)

	assert.NoError(t, keypairResourceLimitValidator{}.Validate(ctx))
	assert.NoError(t, pendingSessionCountLimitValidator{}.Validate(ctx))
	assert.NoError(t, pendingSessionResourceLimitValidator{}.Validate(ctx))
}

func TestConcurrencyLimits(t *testing.T) {
	tests := map[string]struct {
		isPrivate    bool
		sessionCount int
		sftpCount    int
		maxSessions  int
		maxSFTP      int
		expectError  bool
	}{
		"below limit":                     {sessionCount: 1, maxSessions: 3},
		"at limit":                        {sessionCount: 3, maxSessions: 3, expectError: true},
		"zero limit means unlimited":      {sessionCount: 100, maxSessions: 0},
		"private counted separately":      {isPrivate: true, sessionCount: 100, maxSessions: 3, maxSFTP: 2},
		"private over its own limit":      {isPrivate: true, sftpCount: 2, maxSFTP: 2, expectError: true},
		"regular unaffected by sftp load": {sftpCount: 100, sessionCount: 0, maxSessions: 3, maxSFTP: 2},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			session := testSession(map[string]float64{"cpu": 1})
			session.IsPrivate = tc.isPrivate
			snapshot := emptySnapshot()
			snapshot.Occupancy.ByKeypair[session.AccessKey] = schedulerobjects.KeypairOccupancy{
				SessionCount:     tc.sessionCount,
				SFTPSessionCount: tc.sftpCount,
			}
			policies := schedulerobjects.Policies{
				Keypair: &schedulerobjects.ResourcePolicy{
					MaxConcurrentSessions:     tc.maxSessions,
					MaxConcurrentSFTPSessions: tc.maxSFTP,
				},
			}

			err := concurrencyValidator{}.Validate(NewContext(session, snapshot, policies))
			if tc.expectError {
				var quota *sokovanerrors.ResourceQuotaExceededError
				assert.True(t, errors.As(err, &quota))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPendingSessionLimits(t *testing.T) {
	session := testSession(map[string]float64{"cpu": 2})
	snapshot := emptySnapshot()
	snapshot.PendingByKeypair[session.AccessKey] = schedulerobjects.PendingLoad{
		SessionCount:   2,
		RequestedSlots: resource.FromFloats(map[string]float64{"cpu": 6}),
	}

	t.Run("count cap reached", func(t *testing.T) {
		policies := schedulerobjects.Policies{
			Keypair: &schedulerobjects.ResourcePolicy{MaxPendingSessionCount: 2},
		}
		err := pendingSessionCountLimitValidator{}.Validate(NewContext(session, snapshot, policies))
		var quota *sokovanerrors.ResourceQuotaExceededError
		require.True(t, errors.As(err, &quota))
		assert.Equal(t, "pending", quota.Scope)
	})

	t.Run("count below cap", func(t *testing.T) {
		policies := schedulerobjects.Policies{
			Keypair: &schedulerobjects.ResourcePolicy{MaxPendingSessionCount: 3},
		}
		assert.NoError(t, pendingSessionCountLimitValidator{}.Validate(NewContext(session, snapshot, policies)))
	})

	t.Run("aggregate slots cap reached", func(t *testing.T) {
		policies := schedulerobjects.Policies{
			Keypair: &schedulerobjects.ResourcePolicy{
				MaxPendingSessionSlots: resource.FromFloats(map[string]float64{"cpu": 7}),
			},
		}
		err := pendingSessionResourceLimitValidator{}.Validate(NewContext(session, snapshot, policies))
		var quota *sokovanerrors.ResourceQuotaExceededError
		require.True(t, errors.As(err, &quota))
		assert.Contains(t, quota.ExceededKinds, "cpu")
	})

	t.Run("aggregate slots within cap", func(t *testing.T) {
		policies := schedulerobjects.Policies{
			Keypair: &schedulerobjects.ResourcePolicy{
				MaxPendingSessionSlots: resource.FromFloats(map[string]float64{"cpu": 8}),
			},
		}
		assert.NoError(t, pendingSessionResourceLimitValidator{}.Validate(NewContext(session, snapshot, policies)))
	})
}

func TestDependenciesValidator(t *testing.T) {
	succeeded := uuid.New()
	failed := uuid.New()
	running := uuid.New()
	unknown := uuid.New()

	snapshot := emptySnapshot()
	snapshot.Dependencies[succeeded] = schedulerobjects.DependencyStatus{
		SessionID: succeeded, Name: "prep",
		Status: schedulerobjects.SessionTerminated, Result: schedulerobjects.ResultSuccess,
	}
	snapshot.Dependencies[failed] = schedulerobjects.DependencyStatus{
		SessionID: failed, Name: "train",
		Status: schedulerobjects.SessionTerminated, Result: schedulerobjects.ResultFailure,
	}
	snapshot.Dependencies[running] = schedulerobjects.DependencyStatus{
		SessionID: running, Name: "etl",
		Status: schedulerobjects.SessionRunning,
	}

	tests := map[string]struct {
		dependencies    []uuid.UUID
		expectedFailed  []string
		expectedPending []string
		expectError     bool
	}{
		"no dependencies": {},
		"all satisfied": {
			dependencies: []uuid.UUID{succeeded},
		},
		"failed dependency": {
			dependencies:   []uuid.UUID{succeeded, failed},
			expectedFailed: []string{"train"},
			expectError:    true,
		},
		"running dependency": {
			dependencies:    []uuid.UUID{running},
			expectedPending: []string{"etl"},
			expectError:     true,
		},
		"unknown dependency counts as pending": {
			dependencies:    []uuid.UUID{unknown},
			expectedPending: []string{unknown.String()},
			expectError:     true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			session := testSession(map[string]float64{"cpu": 1})
			session.Dependencies = tc.dependencies

			err := dependenciesValidator{}.Validate(NewContext(session, snapshot, schedulerobjects.Policies{}))
			if !tc.expectError {
				assert.NoError(t, err)
				return
			}
			var unmet *sokovanerrors.DependencyNotMetError
			require.True(t, errors.As(err, &unmet))
			assert.Equal(t, tc.expectedFailed, unmet.FailedDependencies)
			assert.Equal(t, tc.expectedPending, unmet.PendingDependencies)
		})
	}
}

func TestDefaultChainStopsAtFirstFailure(t *testing.T) {
	failed := uuid.New()
	snapshot := emptySnapshot()
	snapshot.Dependencies[failed] = schedulerobjects.DependencyStatus{
		SessionID: failed,
		Status:    schedulerobjects.SessionTerminated,
		Result:    schedulerobjects.ResultFailure,
	}
	session := testSession(map[string]float64{"cpu": 100})
	session.Dependencies = []uuid.UUID{failed}
	policies := schedulerobjects.Policies{
		Keypair: &schedulerobjects.ResourcePolicy{
			TotalResourceSlots: resource.FromFloats(map[string]float64{"cpu": 1}),
		},
	}

	err := Default().Validate(NewContext(session, snapshot, policies))

	// The dependency failure comes first even though the quota check would
	// also fail.
	var unmet *sokovanerrors.DependencyNotMetError
	assert.True(t, errors.As(err, &unmet))
}
