package database

import (
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/common/resource"
	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/recorder"
	"github.com/sokovanproject/sokovan/internal/scheduler"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// PostgresRepository implements scheduler.Repository on top of Postgres.
type PostgresRepository struct {
	db       *pgxpool.Pool
	policies *PolicyCache
}

func NewPostgresRepository(db *pgxpool.Pool, policies *PolicyCache) *PostgresRepository {
	return &PostgresRepository{db: db, policies: policies}
}

// SchedulingSnapshot reads the candidate batch, agent state, policies and the
// occupancy read model from one RepeatableRead transaction.
func (r *PostgresRepository) SchedulingSnapshot(ctx *sokovancontext.Context, scalingGroup string, limit int) (*scheduler.CycleSnapshot, error) {
	var snapshot *scheduler.CycleSnapshot
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		candidates, err := fetchSessionsByStatus(ctx, tx, scalingGroup, schedulerobjects.SessionPending, limit)
		if err != nil {
			return err
		}
		agents, err := fetchAgents(ctx, tx, scalingGroup)
		if err != nil {
			return err
		}
		policies, err := r.policies.PolicySet(ctx, tx)
		if err != nil {
			return err
		}
		system, err := fetchSystemSnapshot(ctx, tx, candidates)
		if err != nil {
			return err
		}
		snapshot = &scheduler.CycleSnapshot{
			ScalingGroup: scalingGroup,
			Candidates:   candidates,
			Agents:       agents,
			Policies:     policies,
			System:       system,
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return snapshot, nil
}

// PersistAllocationBatch applies the cycle's decisions in one transaction:
// admitted sessions move PENDING to SCHEDULED with their kernel rows inserted
// and agent occupancy bumped, failures get their status_info refreshed. Every
// session update is guarded by the expected prior status.
func (r *PostgresRepository) PersistAllocationBatch(ctx *sokovancontext.Context, batch *schedulerobjects.AllocationBatch) error {
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		for _, allocation := range batch.Allocations {
			if err := persistAllocation(ctx, tx, batch.ScalingGroup, allocation, batch.SubSteps[allocation.SessionID]); err != nil {
				return err
			}
		}
		for _, failure := range batch.Failures {
			if err := persistFailure(ctx, tx, failure, batch.SubSteps[failure.SessionID]); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

// fetchSessionsByStatus reads the sessions of one scaling group in the given
// status, FIFO ordered, with their dependency edges attached. A limit of zero
// means unbounded.
func fetchSessionsByStatus(ctx *sokovancontext.Context, tx pgx.Tx, scalingGroup string, status schedulerobjects.SessionStatus, limit int) ([]*schedulerobjects.Session, error) {
	ds := psql.From(sessionsTable).
		Select("id", "name", "access_key", "user_id", "project_id", "domain_name",
			"scaling_group", "requested_slots", "status", "result", "status_info",
			"is_private", "created_at", "pending_timeout_seconds").
		Where(
			goqu.C("scaling_group").Eq(scalingGroup),
			goqu.C("status").Eq(string(status)),
		).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var sessions []*schedulerobjects.Session
	for rows.Next() {
		var row sessionRow
		if err := rows.Scan(
			&row.ID, &row.Name, &row.AccessKey, &row.UserID, &row.ProjectID, &row.DomainName,
			&row.ScalingGroup, &row.RequestedSlots, &row.Status, &row.Result, &row.StatusInfo,
			&row.IsPrivate, &row.CreatedAt, &row.PendingTimeoutSeconds,
		); err != nil {
			return nil, errors.WithStack(err)
		}
		session, err := sessionFromRow(row)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := attachDependencies(ctx, tx, sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func sessionFromRow(row sessionRow) (*schedulerobjects.Session, error) {
	requested, err := slotsFromJSON(row.RequestedSlots)
	if err != nil {
		return nil, errors.Wrapf(err, "session %s", row.ID)
	}
	return &schedulerobjects.Session{
		ID:             row.ID,
		Name:           row.Name,
		AccessKey:      row.AccessKey,
		UserID:         row.UserID,
		ProjectID:      row.ProjectID,
		DomainName:     row.DomainName,
		ScalingGroup:   row.ScalingGroup,
		RequestedSlots: requested,
		Status:         schedulerobjects.SessionStatus(row.Status),
		Result:         schedulerobjects.SessionResult(row.Result),
		StatusInfo:     row.StatusInfo,
		IsPrivate:      row.IsPrivate,
		CreatedAt:      row.CreatedAt,
		PendingTimeout: time.Duration(row.PendingTimeoutSeconds) * time.Second,
	}, nil
}

// attachDependencies loads the dependency edges of the given sessions in one
// query and fills Session.Dependencies in place.
func attachDependencies(ctx *sokovancontext.Context, tx pgx.Tx, sessions []*schedulerobjects.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(sessions))
	byID := make(map[uuid.UUID]*schedulerobjects.Session, len(sessions))
	for i, session := range sessions {
		ids[i] = session.ID
		byID[session.ID] = session
	}

	query, args, err := psql.From(dependenciesTable).
		Select("session_id", "depends_on").
		Where(goqu.C("session_id").In(ids)).
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
		var sessionID, dependsOn uuid.UUID
		if err := rows.Scan(&sessionID, &dependsOn); err != nil {
			return errors.WithStack(err)
		}
		if session, ok := byID[sessionID]; ok {
			session.Dependencies = append(session.Dependencies, dependsOn)
		}
	}
	return errors.WithStack(rows.Err())
}

func fetchAgents(ctx *sokovancontext.Context, tx pgx.Tx, scalingGroup string) ([]schedulerobjects.AgentInfo, error) {
	query, args, err := psql.From(agentsTable).
		Select("id", "addr", "scaling_group", "available_slots", "occupied_slots", "container_count").
		Where(
			goqu.C("scaling_group").Eq(scalingGroup),
			goqu.C("status").Eq("ALIVE"),
		).
		Order(goqu.C("id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var agents []schedulerobjects.AgentInfo
	for rows.Next() {
		var row agentRow
		if err := rows.Scan(&row.ID, &row.Addr, &row.ScalingGroup, &row.AvailableSlots, &row.OccupiedSlots, &row.ContainerCount); err != nil {
			return nil, errors.WithStack(err)
		}
		available, err := slotsFromJSON(row.AvailableSlots)
		if err != nil {
			return nil, errors.Wrapf(err, "agent %s", row.ID)
		}
		occupied, err := slotsFromJSON(row.OccupiedSlots)
		if err != nil {
			return nil, errors.Wrapf(err, "agent %s", row.ID)
		}
		agents = append(agents, schedulerobjects.AgentInfo{
			ID:             row.ID,
			Addr:           row.Addr,
			AvailableSlots: available,
			OccupiedSlots:  occupied,
			ContainerCount: row.ContainerCount,
		})
	}
	return agents, errors.WithStack(rows.Err())
}

func persistAllocation(
	ctx *sokovancontext.Context,
	tx pgx.Tx,
	scalingGroup string,
	allocation schedulerobjects.SessionAllocation,
	subSteps []recorder.SubStepResult,
) error {
	record, err := json.Marshal(subSteps)
	if err != nil {
		return errors.WithStack(err)
	}
	query, args, err := psql.Update(sessionsTable).
		Set(goqu.Record{
			"status":            string(schedulerobjects.SessionScheduled),
			"status_info":       "",
			"scheduling_record": record,
		}).
		Where(
			goqu.C("id").Eq(allocation.SessionID),
			goqu.C("status").Eq(string(schedulerobjects.SessionPending)),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		// The session changed under us since the snapshot; leave it alone.
		ctx.Log.Warnf("session %s no longer pending, allocation dropped", allocation.SessionID)
		return nil
	}

	for _, agentAllocation := range allocation.AgentAllocations {
		if err := insertKernel(ctx, tx, scalingGroup, allocation, agentAllocation); err != nil {
			return err
		}
		if err := bumpAgentOccupancy(ctx, tx, agentAllocation); err != nil {
			return err
		}
	}
	return nil
}

func insertKernel(
	ctx *sokovancontext.Context,
	tx pgx.Tx,
	scalingGroup string,
	allocation schedulerobjects.SessionAllocation,
	agentAllocation schedulerobjects.AgentAllocation,
) error {
	occupied, err := slotsToJSON(agentAllocation.AllocatedSlots)
	if err != nil {
		return err
	}
	query, args, err := psql.Insert(kernelsTable).
		Rows(goqu.Record{
			"id":             uuid.New(),
			"session_id":     allocation.SessionID,
			"agent_id":       agentAllocation.AgentID,
			"access_key":     allocation.AccessKey,
			"scaling_group":  scalingGroup,
			"occupied_slots": occupied,
			"status":         string(schedulerobjects.SessionScheduled),
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = tx.Exec(ctx, query, args...)
	return errors.WithStack(err)
}

// bumpAgentOccupancy folds an allocation into the agent's occupied slots. The
// row is locked for the remainder of the transaction so concurrent cycles on
// other scaling groups cannot interleave on the same agent.
func bumpAgentOccupancy(ctx *sokovancontext.Context, tx pgx.Tx, agentAllocation schedulerobjects.AgentAllocation) error {
	var raw []byte
	err := tx.QueryRow(ctx,
		"SELECT occupied_slots FROM agents WHERE id = $1 FOR UPDATE",
		agentAllocation.AgentID,
	).Scan(&raw)
	if err != nil {
		return errors.Wrapf(err, "agent %s disappeared during allocation", agentAllocation.AgentID)
	}
	occupied, err := slotsFromJSON(raw)
	if err != nil {
		return errors.Wrapf(err, "agent %s", agentAllocation.AgentID)
	}
	if occupied == nil {
		occupied = resource.New()
	}
	occupied.Add(agentAllocation.AllocatedSlots)
	updated, err := slotsToJSON(occupied)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		"UPDATE agents SET occupied_slots = $1 WHERE id = $2",
		updated, agentAllocation.AgentID,
	)
	return errors.WithStack(err)
}

func persistFailure(
	ctx *sokovancontext.Context,
	tx pgx.Tx,
	failure schedulerobjects.SchedulingFailure,
	subSteps []recorder.SubStepResult,
) error {
	record, err := json.Marshal(subSteps)
	if err != nil {
		return errors.WithStack(err)
	}
	query, args, err := psql.Update(sessionsTable).
		Set(goqu.Record{
			"status_info":       failure.Message,
			"scheduling_record": record,
		}).
		Where(
			goqu.C("id").Eq(failure.SessionID),
			goqu.C("status").Eq(string(schedulerobjects.SessionPending)),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = tx.Exec(ctx, query, args...)
	return errors.WithStack(err)
}
