// Package database holds the Postgres-backed repositories of the scheduling
// core. Reads for one decision come from a single RepeatableRead transaction;
// each cycle's writes are applied in one transaction.
package database

import (
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/common/resource"
)

var psql = goqu.Dialect("postgres")

var (
	sessionsTable     = goqu.T("sessions")
	kernelsTable      = goqu.T("kernels")
	agentsTable       = goqu.T("agents")
	dependenciesTable = goqu.T("session_dependencies")
	usageBucketsTable = goqu.T("fair_share_usage_buckets")

	keypairPoliciesTable = goqu.T("keypair_resource_policies")
	userPoliciesTable    = goqu.T("user_resource_policies")
	projectPoliciesTable = goqu.T("project_resource_policies")
	domainPoliciesTable  = goqu.T("domain_resource_policies")
)

// sessionRow mirrors one row of the sessions table.
type sessionRow struct {
	ID             uuid.UUID `db:"id"`
	Name           string    `db:"name"`
	AccessKey      string    `db:"access_key"`
	UserID         uuid.UUID `db:"user_id"`
	ProjectID      uuid.UUID `db:"project_id"`
	DomainName     string    `db:"domain_name"`
	ScalingGroup   string    `db:"scaling_group"`
	RequestedSlots []byte    `db:"requested_slots"`
	Status         string    `db:"status"`
	Result         string    `db:"result"`
	StatusInfo     string    `db:"status_info"`
	IsPrivate      bool      `db:"is_private"`
	CreatedAt      time.Time `db:"created_at"`
	// PendingTimeoutSeconds of zero means the session never times out while
	// pending.
	PendingTimeoutSeconds int64 `db:"pending_timeout_seconds"`
}

// kernelRow mirrors one row of the kernels table. Kernel rows are both the
// allocation record and the source of the occupancy and fair-share read models.
type kernelRow struct {
	ID            uuid.UUID  `db:"id"`
	SessionID     uuid.UUID  `db:"session_id"`
	AgentID       string     `db:"agent_id"`
	AccessKey     string     `db:"access_key"`
	ScalingGroup  string     `db:"scaling_group"`
	OccupiedSlots []byte     `db:"occupied_slots"`
	Status        string     `db:"status"`
	StartedAt     *time.Time `db:"started_at"`
	TerminatedAt  *time.Time `db:"terminated_at"`
}

// agentRow mirrors one row of the agents table.
type agentRow struct {
	ID             string `db:"id"`
	Addr           string `db:"addr"`
	ScalingGroup   string `db:"scaling_group"`
	AvailableSlots []byte `db:"available_slots"`
	OccupiedSlots  []byte `db:"occupied_slots"`
	ContainerCount int    `db:"container_count"`
}

// policyRow mirrors one row of any of the four resource policy tables. The
// concurrency and pending columns are only populated for keypair policies.
type policyRow struct {
	ScopeID                   string `db:"scope_id"`
	TotalResourceSlots        []byte `db:"total_resource_slots"`
	DefaultForUnspecified     string `db:"default_for_unspecified"`
	MaxConcurrentSessions     int    `db:"max_concurrent_sessions"`
	MaxConcurrentSFTPSessions int    `db:"max_concurrent_sftp_sessions"`
	MaxPendingSessionCount    int    `db:"max_pending_session_count"`
	MaxPendingSessionSlots    []byte `db:"max_pending_session_slots"`
}

func slotsToJSON(slots resource.Slots) ([]byte, error) {
	if slots == nil {
		return nil, nil
	}
	raw, err := json.Marshal(slots)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize resource slots")
	}
	return raw, nil
}

func slotsFromJSON(raw []byte) (resource.Slots, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	slots := resource.New()
	if err := json.Unmarshal(raw, &slots); err != nil {
		return nil, errors.Wrap(err, "failed to parse resource slots")
	}
	return slots, nil
}
