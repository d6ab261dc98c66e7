// Package database is the Postgres persistence layer of the deployment
// executor. Each executor operation reads from one RepeatableRead transaction
// and applies its decisions in one write transaction.
package database

import (
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/deployment"
)

var psql = goqu.Dialect("postgres")

var (
	deploymentsTable = goqu.T("deployments")
	routesTable      = goqu.T("routes")
	policiesTable    = goqu.T("deployment_policies")
)

// PostgresRepository implements deployment.Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FetchDeployments returns the deployments currently in any of the given
// states, for the cycle handlers to iterate over.
func (r *PostgresRepository) FetchDeployments(ctx *sokovancontext.Context, states ...deployment.DeploymentState) ([]*deployment.Deployment, error) {
	stateNames := make([]string, len(states))
	for i, state := range states {
		stateNames[i] = string(state)
	}
	query, args, err := psql.From(deploymentsTable).
		Select("id", "name", "state", "desired_replicas", "target_replicas",
			"current_revision_id", "deploying_revision_id",
			"session_owner_id", "domain_name", "project_id", "scaling_group", "created_at").
		Where(goqu.C("state").In(stateNames)).
		Order(goqu.C("created_at").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var deployments []*deployment.Deployment
	for rows.Next() {
		var (
			d                            deployment.Deployment
			currentRevID, deployingRevID *uuid.UUID
			state                        string
		)
		if err := rows.Scan(
			&d.ID, &d.Name, &state, &d.Replicas.DesiredReplicas, &d.Replicas.TargetReplicas,
			&currentRevID, &deployingRevID,
			&d.Metadata.SessionOwnerID, &d.Metadata.DomainName, &d.Metadata.ProjectID,
			&d.Metadata.ScalingGroup, &d.CreatedAt,
		); err != nil {
			return nil, errors.WithStack(err)
		}
		d.State = deployment.DeploymentState(state)
		if currentRevID != nil {
			d.CurrentRevisionID = *currentRevID
		}
		if deployingRevID != nil {
			d.DeployingRevisionID = *deployingRevID
		}
		deployments = append(deployments, &d)
	}
	return deployments, errors.WithStack(rows.Err())
}

// FetchActiveRoutes returns the non-terminated routes of each deployment from
// one RepeatableRead transaction.
func (r *PostgresRepository) FetchActiveRoutes(ctx *sokovancontext.Context, deploymentIDs []uuid.UUID) (map[uuid.UUID][]deployment.Route, error) {
	routes := make(map[uuid.UUID][]deployment.Route, len(deploymentIDs))
	if len(deploymentIDs) == 0 {
		return routes, nil
	}

	query, args, err := psql.From(routesTable).
		Select("id", "deployment_id", "session_id", "revision_id",
			"status", "traffic_status", "traffic_ratio", "created_at").
		Where(
			goqu.C("deployment_id").In(deploymentIDs),
			goqu.C("status").Neq(string(deployment.RouteTerminated)),
		).
		Order(goqu.C("created_at").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	err = r.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return errors.WithStack(err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				route           deployment.Route
				status, traffic string
			)
			if err := rows.Scan(
				&route.ID, &route.DeploymentID, &route.SessionID, &route.RevisionID,
				&status, &traffic, &route.TrafficRatio, &route.CreatedAt,
			); err != nil {
				return errors.WithStack(err)
			}
			route.Status = deployment.RouteStatus(status)
			route.TrafficStatus = deployment.RouteTrafficStatus(traffic)
			routes[route.DeploymentID] = append(routes[route.DeploymentID], route)
		}
		return errors.WithStack(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return routes, nil
}

// FetchPolicies returns the rollout policy per deployment. Deployments without
// a stored policy are absent from the map; the executor substitutes the
// default.
func (r *PostgresRepository) FetchPolicies(ctx *sokovancontext.Context, deploymentIDs []uuid.UUID) (map[uuid.UUID]deployment.Policy, error) {
	policies := make(map[uuid.UUID]deployment.Policy, len(deploymentIDs))
	if len(deploymentIDs) == 0 {
		return policies, nil
	}

	query, args, err := psql.From(policiesTable).
		Select("deployment_id", "max_surge", "max_unavailable", "rollback_on_failure").
		Where(goqu.C("deployment_id").In(deploymentIDs)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	for rows.Next() {
		var deploymentID uuid.UUID
		var policy deployment.Policy
		if err := rows.Scan(&deploymentID, &policy.RollingUpdate.MaxSurge, &policy.RollingUpdate.MaxUnavailable, &policy.RollbackOnFailure); err != nil {
			return nil, errors.WithStack(err)
		}
		policies[deploymentID] = policy
	}
	return policies, errors.WithStack(rows.Err())
}

// ScaleRoutes inserts the new route rows and marks the listed routes
// TERMINATING with traffic INACTIVE, in one transaction.
func (r *PostgresRepository) ScaleRoutes(ctx *sokovancontext.Context, creations []deployment.RouteCreation, terminateIDs []uuid.UUID) error {
	if len(creations) == 0 && len(terminateIDs) == 0 {
		return nil
	}
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		for _, creation := range creations {
			query, args, err := psql.Insert(routesTable).
				Rows(goqu.Record{
					"id":             uuid.New(),
					"deployment_id":  creation.DeploymentID,
					"revision_id":    creation.RevisionID,
					"owner_id":       creation.SessionOwnerID,
					"domain_name":    creation.DomainName,
					"project_id":     creation.ProjectID,
					"status":         string(deployment.RouteProvisioning),
					"traffic_status": string(deployment.TrafficInactive),
					"traffic_ratio":  0.0,
				}).
				Prepared(true).ToSQL()
			if err != nil {
				return errors.WithStack(err)
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return errors.WithStack(err)
			}
		}

		if len(terminateIDs) > 0 {
			query, args, err := psql.Update(routesTable).
				Set(goqu.Record{
					"status":         string(deployment.RouteTerminating),
					"traffic_status": string(deployment.TrafficInactive),
					"traffic_ratio":  0.0,
				}).
				Where(
					goqu.C("id").In(terminateIDs),
					goqu.C("status").Neq(string(deployment.RouteTerminated)),
				).
				Prepared(true).ToSQL()
			if err != nil {
				return errors.WithStack(err)
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

// CompleteRollingUpdates promotes the given revision per deployment, clears
// the deploying pointer and moves the deployment to READY.
func (r *PostgresRepository) CompleteRollingUpdates(ctx *sokovancontext.Context, promoted map[uuid.UUID]uuid.UUID) error {
	if len(promoted) == 0 {
		return nil
	}
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		for deploymentID, revisionID := range promoted {
			query, args, err := psql.Update(deploymentsTable).
				Set(goqu.Record{
					"state":                 string(deployment.StateReady),
					"current_revision_id":   revisionID,
					"deploying_revision_id": nil,
				}).
				Where(
					goqu.C("id").Eq(deploymentID),
					goqu.C("state").Eq(string(deployment.StateDeploying)),
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
				ctx.Log.Warnf("deployment %s left DEPLOYING before promotion committed", deploymentID)
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

// UpdateTraffic applies traffic status flips per route.
func (r *PostgresRepository) UpdateTraffic(ctx *sokovancontext.Context, updates []deployment.TrafficUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		for _, update := range updates {
			query, args, err := psql.Update(routesTable).
				Set(goqu.Record{
					"traffic_status": string(update.TrafficStatus),
					"traffic_ratio":  update.TrafficRatio,
				}).
				Where(goqu.C("id").Eq(update.RouteID)).
				Prepared(true).ToSQL()
			if err != nil {
				return errors.WithStack(err)
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

// MarkStopping marks the deployments STOPPING so no further cycles act on
// them while their routes drain.
func (r *PostgresRepository) MarkStopping(ctx *sokovancontext.Context, deploymentIDs []uuid.UUID) error {
	if len(deploymentIDs) == 0 {
		return nil
	}
	query, args, err := psql.Update(deploymentsTable).
		Set(goqu.Record{"state": string(deployment.StateStopping)}).
		Where(
			goqu.C("id").In(deploymentIDs),
			goqu.C("state").Neq(string(deployment.StateStopped)),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx, query, args...)
	return errors.WithStack(err)
}

// MarkStopped completes drained deployments to STOPPED, so the teardown cycle
// stops picking them up.
func (r *PostgresRepository) MarkStopped(ctx *sokovancontext.Context, deploymentIDs []uuid.UUID) error {
	if len(deploymentIDs) == 0 {
		return nil
	}
	query, args, err := psql.Update(deploymentsTable).
		Set(goqu.Record{"state": string(deployment.StateStopped)}).
		Where(
			goqu.C("id").In(deploymentIDs),
			goqu.C("state").Eq(string(deployment.StateStopping)),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx, query, args...)
	return errors.WithStack(err)
}
