package database

import (
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/common/resource"
	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// PolicyCache serves resource policies with a short TTL so scheduling cycles
// do not hammer the policy tables. Policies change rarely; a stale policy for
// a few seconds only delays enforcement by one cycle.
type PolicyCache struct {
	policies *cache.Cache
}

func NewPolicyCache(ttl time.Duration) *PolicyCache {
	return &PolicyCache{
		policies: cache.New(ttl, 2*ttl),
	}
}

const policySetCacheKey = "policy-set"

// PolicySet returns all resource policies. On a cache miss it reads the four
// policy tables inside the caller's transaction, so a fresh read stays
// consistent with the rest of the snapshot.
func (c *PolicyCache) PolicySet(ctx *sokovancontext.Context, tx pgx.Tx) (schedulerobjects.PolicySet, error) {
	if cached, ok := c.policies.Get(policySetCacheKey); ok {
		return cached.(schedulerobjects.PolicySet), nil
	}

	set := schedulerobjects.PolicySet{
		ByKeypair: make(map[string]*schedulerobjects.ResourcePolicy),
		ByUser:    make(map[uuid.UUID]*schedulerobjects.ResourcePolicy),
		ByProject: make(map[uuid.UUID]*schedulerobjects.ResourcePolicy),
		ByDomain:  make(map[string]*schedulerobjects.ResourcePolicy),
	}

	if err := fetchPolicies(ctx, tx, keypairPoliciesTable, func(scopeID string, policy *schedulerobjects.ResourcePolicy) {
		set.ByKeypair[scopeID] = policy
	}); err != nil {
		return set, err
	}
	if err := fetchPolicies(ctx, tx, userPoliciesTable, func(scopeID string, policy *schedulerobjects.ResourcePolicy) {
		if id, err := uuid.Parse(scopeID); err == nil {
			set.ByUser[id] = policy
		}
	}); err != nil {
		return set, err
	}
	if err := fetchPolicies(ctx, tx, projectPoliciesTable, func(scopeID string, policy *schedulerobjects.ResourcePolicy) {
		if id, err := uuid.Parse(scopeID); err == nil {
			set.ByProject[id] = policy
		}
	}); err != nil {
		return set, err
	}
	if err := fetchPolicies(ctx, tx, domainPoliciesTable, func(scopeID string, policy *schedulerobjects.ResourcePolicy) {
		set.ByDomain[scopeID] = policy
	}); err != nil {
		return set, err
	}

	c.policies.SetDefault(policySetCacheKey, set)
	return set, nil
}

// Invalidate drops the cached policy set, forcing the next cycle to re-read.
// Called when a policy mutation goes through the management API.
func (c *PolicyCache) Invalidate() {
	c.policies.Delete(policySetCacheKey)
}

func fetchPolicies(
	ctx *sokovancontext.Context,
	tx pgx.Tx,
	table goqu.Expression,
	visit func(scopeID string, policy *schedulerobjects.ResourcePolicy),
) error {
	query, args, err := psql.From(table).
		Select("scope_id", "total_resource_slots", "default_for_unspecified",
			"max_concurrent_sessions", "max_concurrent_sftp_sessions",
			"max_pending_session_count", "max_pending_session_slots").
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()

	for rows.Next() {
		var row policyRow
		if err := rows.Scan(
			&row.ScopeID, &row.TotalResourceSlots, &row.DefaultForUnspecified,
			&row.MaxConcurrentSessions, &row.MaxConcurrentSFTPSessions,
			&row.MaxPendingSessionCount, &row.MaxPendingSessionSlots,
		); err != nil {
			return errors.WithStack(err)
		}
		policy, err := policyFromRow(row)
		if err != nil {
			return err
		}
		visit(row.ScopeID, policy)
	}
	return errors.WithStack(rows.Err())
}

func policyFromRow(row policyRow) (*schedulerobjects.ResourcePolicy, error) {
	total, err := slotsFromJSON(row.TotalResourceSlots)
	if err != nil {
		return nil, errors.Wrapf(err, "policy for scope %q", row.ScopeID)
	}
	maxPending, err := slotsFromJSON(row.MaxPendingSessionSlots)
	if err != nil {
		return nil, errors.Wrapf(err, "policy for scope %q", row.ScopeID)
	}
	unspecified := resource.Limited
	if row.DefaultForUnspecified == resource.Unlimited.String() {
		unspecified = resource.Unlimited
	}
	return &schedulerobjects.ResourcePolicy{
		TotalResourceSlots:        total,
		DefaultForUnspecified:     unspecified,
		MaxConcurrentSessions:     row.MaxConcurrentSessions,
		MaxConcurrentSFTPSessions: row.MaxConcurrentSFTPSessions,
		MaxPendingSessionCount:    row.MaxPendingSessionCount,
		MaxPendingSessionSlots:    maxPending,
	}, nil
}
