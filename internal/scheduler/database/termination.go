package database

import (
	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/scheduler"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// PostgresTerminationRepository implements scheduler.TerminationRepository.
type PostgresTerminationRepository struct {
	db *pgxpool.Pool
}

func NewPostgresTerminationRepository(db *pgxpool.Pool) *PostgresTerminationRepository {
	return &PostgresTerminationRepository{db: db}
}

// TerminationSnapshot reads the pending and terminating sessions of one
// scaling group, plus the status of every dependency the pending sessions
// reference, from one RepeatableRead transaction.
func (r *PostgresTerminationRepository) TerminationSnapshot(ctx *sokovancontext.Context, scalingGroup string) (*scheduler.TerminationSnapshot, error) {
	var snapshot *scheduler.TerminationSnapshot
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		pending, err := fetchSessionsByStatus(ctx, tx, scalingGroup, schedulerobjects.SessionPending, 0)
		if err != nil {
			return err
		}
		terminating, err := fetchSessionsByStatus(ctx, tx, scalingGroup, schedulerobjects.SessionTerminating, 0)
		if err != nil {
			return err
		}
		dependencies, err := fetchDependencyStatuses(ctx, tx, pending)
		if err != nil {
			return err
		}
		snapshot = &scheduler.TerminationSnapshot{
			PendingSessions:     pending,
			TerminatingSessions: terminating,
			Dependencies:        dependencies,
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return snapshot, nil
}

// PersistTerminations applies the sweep's transitions in one transaction.
// Each update is guarded by the expected prior status, so a session that
// moved on since the snapshot is left untouched.
func (r *PostgresTerminationRepository) PersistTerminations(ctx *sokovancontext.Context, terminations []schedulerobjects.SessionTermination) error {
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		for _, termination := range terminations {
			query, args, err := psql.Update(sessionsTable).
				Set(goqu.Record{
					"status":      string(termination.ToStatus),
					"result":      string(termination.Result),
					"status_info": termination.Reason,
				}).
				Where(
					goqu.C("id").Eq(termination.SessionID),
					goqu.C("status").Eq(string(termination.FromStatus)),
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
				ctx.Log.Warnf("session %s left %s before the sweep committed", termination.SessionID, termination.FromStatus)
				continue
			}
			if _, err := tx.Exec(ctx,
				"UPDATE kernels SET status = $1, terminated_at = now() WHERE session_id = $2 AND status <> $1",
				string(schedulerobjects.SessionTerminated), termination.SessionID,
			); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
	return errors.WithStack(err)
}
