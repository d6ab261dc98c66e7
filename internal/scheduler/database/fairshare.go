package database

import (
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/sokovanproject/sokovan/internal/common/resource"
	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/scheduler/fairshare"
)

// PostgresFairShareRepository persists usage buckets and serves them back for
// factor calculation. Buckets are stored one row per (kind, entity, day, slot
// kind) so deltas can be merged with a plain additive upsert.
type PostgresFairShareRepository struct {
	db *pgxpool.Pool
}

func NewPostgresFairShareRepository(db *pgxpool.Pool) *PostgresFairShareRepository {
	return &PostgresFairShareRepository{db: db}
}

// FetchKernelIntervals returns the runtime intervals of kernels that ran
// within [since, until), for slicing into usage buckets. Kernels still running
// are clamped to until.
func (r *PostgresFairShareRepository) FetchKernelIntervals(ctx *sokovancontext.Context, since, until time.Time) ([]fairshare.KernelInterval, error) {
	query, args, err := psql.From(kernelsTable).
		Join(sessionsTable, goqu.On(goqu.I("kernels.session_id").Eq(goqu.I("sessions.id")))).
		Select(
			goqu.I("kernels.id"),
			goqu.I("sessions.user_id"),
			goqu.I("sessions.project_id"),
			goqu.I("sessions.domain_name"),
			goqu.I("kernels.started_at"),
			goqu.I("kernels.terminated_at"),
			goqu.I("kernels.occupied_slots"),
		).
		Where(
			goqu.I("kernels.started_at").IsNotNull(),
			goqu.I("kernels.started_at").Lt(until),
			goqu.Or(
				goqu.I("kernels.terminated_at").IsNull(),
				goqu.I("kernels.terminated_at").Gt(since),
			),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var intervals []fairshare.KernelInterval
	for rows.Next() {
		var (
			interval     fairshare.KernelInterval
			startedAt    time.Time
			terminatedAt *time.Time
			rawSlots     []byte
		)
		if err := rows.Scan(
			&interval.KernelID, &interval.UserID, &interval.ProjectID, &interval.DomainName,
			&startedAt, &terminatedAt, &rawSlots,
		); err != nil {
			return nil, errors.WithStack(err)
		}
		slots, err := slotsFromJSON(rawSlots)
		if err != nil {
			return nil, errors.Wrapf(err, "kernel %s", interval.KernelID)
		}
		interval.Slots = slots
		interval.Started = startedAt
		if interval.Started.Before(since) {
			interval.Started = since
		}
		interval.Ended = until
		if terminatedAt != nil && terminatedAt.Before(until) {
			interval.Ended = *terminatedAt
		}
		intervals = append(intervals, interval)
	}
	return intervals, errors.WithStack(rows.Err())
}

// UpsertUsageDeltas merges bucket deltas into the persisted buckets in one
// transaction. Re-running the same aggregation over disjoint interval sets
// composes; callers must not submit the same interval twice.
func (r *PostgresFairShareRepository) UpsertUsageDeltas(ctx *sokovancontext.Context, deltas []fairshare.BucketDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		for _, delta := range deltas {
			for kind, seconds := range delta.ResourceSeconds {
				if _, err := tx.Exec(ctx,
					`INSERT INTO fair_share_usage_buckets (entity_kind, entity_id, day, slot_kind, resource_seconds)
					 VALUES ($1, $2, $3, $4, $5)
					 ON CONFLICT (entity_kind, entity_id, day, slot_kind)
					 DO UPDATE SET resource_seconds = fair_share_usage_buckets.resource_seconds + EXCLUDED.resource_seconds`,
					string(delta.Key.Kind), delta.Key.EntityID, delta.Key.Day, kind, seconds,
				); err != nil {
					return errors.WithStack(err)
				}
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

// FetchEntityUsage loads the buckets of every entity of one kind newer than
// the lookback horizon, shaped for the factor calculator.
func (r *PostgresFairShareRepository) FetchEntityUsage(ctx *sokovancontext.Context, kind fairshare.EntityKind, horizon time.Time) (map[string]fairshare.EntityUsage, error) {
	query, args, err := psql.From(usageBucketsTable).
		Select("entity_id", "day", "slot_kind", "resource_seconds").
		Where(
			goqu.C("entity_kind").Eq(string(kind)),
			goqu.C("day").Gte(horizon),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	usage := make(map[string]fairshare.EntityUsage)
	for rows.Next() {
		var (
			entityID string
			day      time.Time
			slotKind string
			seconds  decimal.Decimal
		)
		if err := rows.Scan(&entityID, &day, &slotKind, &seconds); err != nil {
			return nil, errors.WithStack(err)
		}
		entity, ok := usage[entityID]
		if !ok {
			entity = fairshare.EntityUsage{
				EntityID: entityID,
				Buckets:  make(map[time.Time]resource.Slots),
			}
		}
		day = day.UTC()
		bucket, ok := entity.Buckets[day]
		if !ok {
			bucket = resource.New()
			entity.Buckets[day] = bucket
		}
		bucket[slotKind] = bucket.Get(slotKind).Add(seconds)
		usage[entityID] = entity
	}
	return usage, errors.WithStack(rows.Err())
}

// FetchUserUsage is FetchEntityUsage for users, joined with each user's scope
// so ranks can be ordered hierarchically.
func (r *PostgresFairShareRepository) FetchUserUsage(ctx *sokovancontext.Context, horizon time.Time) ([]fairshare.UserUsage, error) {
	byEntity, err := r.FetchEntityUsage(ctx, fairshare.KindUser, horizon)
	if err != nil {
		return nil, err
	}
	if len(byEntity) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(byEntity))
	for entityID := range byEntity {
		ids = append(ids, entityID)
	}
	query, args, err := psql.From(goqu.T("users")).
		Select("id", "project_id", "domain_name").
		Where(goqu.C("id").In(ids)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var users []fairshare.UserUsage
	for rows.Next() {
		var userID, projectID uuid.UUID
		var domainName string
		if err := rows.Scan(&userID, &projectID, &domainName); err != nil {
			return nil, errors.WithStack(err)
		}
		users = append(users, fairshare.UserUsage{
			EntityUsage: byEntity[userID.String()],
			UserID:      userID,
			ProjectID:   projectID,
			DomainName:  domainName,
		})
	}
	return users, errors.WithStack(rows.Err())
}
