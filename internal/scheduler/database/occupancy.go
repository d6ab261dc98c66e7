package database

import (
	"sort"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/common/resource"
	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// Kernel statuses that occupy resources on an agent. Terminated kernels do
// not count against quotas.
var occupyingKernelStatuses = []string{
	string(schedulerobjects.SessionScheduled),
	string(schedulerobjects.SessionPreparing),
	string(schedulerobjects.SessionPrepared),
	string(schedulerobjects.SessionCreating),
	string(schedulerobjects.SessionRunning),
	string(schedulerobjects.SessionTerminating),
}

// fetchSystemSnapshot builds the occupancy and pending-load read models for one
// cycle from kernel and session rows, plus the status snapshot of every
// dependency the candidates reference.
func fetchSystemSnapshot(ctx *sokovancontext.Context, tx pgx.Tx, candidates []*schedulerobjects.Session) (*schedulerobjects.SystemSnapshot, error) {
	occupancy, slotTypes, err := fetchOccupancy(ctx, tx)
	if err != nil {
		return nil, err
	}
	pending, err := fetchPendingLoad(ctx, tx, candidates)
	if err != nil {
		return nil, err
	}
	dependencies, err := fetchDependencyStatuses(ctx, tx, candidates)
	if err != nil {
		return nil, err
	}
	return &schedulerobjects.SystemSnapshot{
		KnownSlotTypes:   slotTypes,
		Occupancy:        occupancy,
		PendingByKeypair: pending,
		Dependencies:     dependencies,
	}, nil
}

// fetchOccupancy aggregates occupied slots and session counts over all live
// kernels, grouped into the four policy scopes. It also collects the slot
// kinds agents advertise, which doubles as the set of known slot types.
func fetchOccupancy(ctx *sokovancontext.Context, tx pgx.Tx) (schedulerobjects.Occupancy, []string, error) {
	occupancy := schedulerobjects.NewOccupancy()

	query, args, err := psql.From(kernelsTable).
		Join(sessionsTable, goqu.On(goqu.I("kernels.session_id").Eq(goqu.I("sessions.id")))).
		Select(
			goqu.I("kernels.session_id"),
			goqu.I("kernels.access_key"),
			goqu.I("kernels.occupied_slots"),
			goqu.I("sessions.user_id"),
			goqu.I("sessions.project_id"),
			goqu.I("sessions.domain_name"),
			goqu.I("sessions.is_private"),
		).
		Where(goqu.I("kernels.status").In(occupyingKernelStatuses)).
		Prepared(true).ToSQL()
	if err != nil {
		return occupancy, nil, errors.WithStack(err)
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return occupancy, nil, errors.WithStack(err)
	}
	defer rows.Close()

	countedSessions := make(map[uuid.UUID]bool)
	for rows.Next() {
		var (
			sessionID         uuid.UUID
			accessKey         string
			rawSlots          []byte
			userID, projectID uuid.UUID
			domainName        string
			isPrivate         bool
		)
		if err := rows.Scan(&sessionID, &accessKey, &rawSlots, &userID, &projectID, &domainName, &isPrivate); err != nil {
			return occupancy, nil, errors.WithStack(err)
		}
		occupied, err := slotsFromJSON(rawSlots)
		if err != nil {
			return occupancy, nil, errors.Wrapf(err, "kernel of session %s", sessionID)
		}

		kp := occupancy.ByKeypair[accessKey]
		if kp.OccupiedSlots == nil {
			kp.OccupiedSlots = resource.New()
		}
		kp.OccupiedSlots.Add(occupied)
		// Session counts are per session, not per kernel.
		if !countedSessions[sessionID] {
			countedSessions[sessionID] = true
			if isPrivate {
				kp.SFTPSessionCount++
			} else {
				kp.SessionCount++
			}
		}
		occupancy.ByKeypair[accessKey] = kp

		addSlots(occupancy.ByUser, userID, occupied)
		addSlots(occupancy.ByProject, projectID, occupied)
		addDomainSlots(occupancy.ByDomain, domainName, occupied)
	}
	if err := rows.Err(); err != nil {
		return occupancy, nil, errors.WithStack(err)
	}

	slotTypes, err := fetchKnownSlotTypes(ctx, tx)
	if err != nil {
		return occupancy, nil, err
	}
	return occupancy, slotTypes, nil
}

// fetchKnownSlotTypes derives the valid slot kinds from what live agents
// advertise.
func fetchKnownSlotTypes(ctx *sokovancontext.Context, tx pgx.Tx) ([]string, error) {
	rows, err := tx.Query(ctx, "SELECT available_slots FROM agents WHERE status = 'ALIVE'")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	kinds := make(map[string]struct{})
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.WithStack(err)
		}
		slots, err := slotsFromJSON(raw)
		if err != nil {
			return nil, err
		}
		for kind := range slots {
			kinds[kind] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	sorted := make([]string, 0, len(kinds))
	for kind := range kinds {
		sorted = append(sorted, kind)
	}
	sort.Strings(sorted)
	return sorted, nil
}

// fetchPendingLoad aggregates, per access key of the candidate batch, the
// pending sessions other than the candidates themselves.
func fetchPendingLoad(ctx *sokovancontext.Context, tx pgx.Tx, candidates []*schedulerobjects.Session) (map[string]schedulerobjects.PendingLoad, error) {
	pending := make(map[string]schedulerobjects.PendingLoad)
	if len(candidates) == 0 {
		return pending, nil
	}
	accessKeys := make(map[string]struct{}, len(candidates))
	candidateIDs := make([]uuid.UUID, 0, len(candidates))
	for _, candidate := range candidates {
		accessKeys[candidate.AccessKey] = struct{}{}
		candidateIDs = append(candidateIDs, candidate.ID)
	}
	keys := make([]string, 0, len(accessKeys))
	for key := range accessKeys {
		keys = append(keys, key)
	}

	query, args, err := psql.From(sessionsTable).
		Select("access_key", "requested_slots").
		Where(
			goqu.C("status").Eq(string(schedulerobjects.SessionPending)),
			goqu.C("access_key").In(keys),
			goqu.C("id").NotIn(candidateIDs),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	for rows.Next() {
		var accessKey string
		var rawSlots []byte
		if err := rows.Scan(&accessKey, &rawSlots); err != nil {
			return nil, errors.WithStack(err)
		}
		requested, err := slotsFromJSON(rawSlots)
		if err != nil {
			return nil, err
		}
		load := pending[accessKey]
		if load.RequestedSlots == nil {
			load.RequestedSlots = resource.New()
		}
		load.SessionCount++
		load.RequestedSlots.Add(requested)
		pending[accessKey] = load
	}
	return pending, errors.WithStack(rows.Err())
}

// fetchDependencyStatuses loads the status of every session the candidates
// depend on.
func fetchDependencyStatuses(ctx *sokovancontext.Context, tx pgx.Tx, candidates []*schedulerobjects.Session) (map[uuid.UUID]schedulerobjects.DependencyStatus, error) {
	statuses := make(map[uuid.UUID]schedulerobjects.DependencyStatus)
	depIDs := make(map[uuid.UUID]struct{})
	for _, candidate := range candidates {
		for _, depID := range candidate.Dependencies {
			depIDs[depID] = struct{}{}
		}
	}
	if len(depIDs) == 0 {
		return statuses, nil
	}
	ids := make([]uuid.UUID, 0, len(depIDs))
	for id := range depIDs {
		ids = append(ids, id)
	}

	query, args, err := psql.From(sessionsTable).
		Select("id", "name", "status", "result").
		Where(goqu.C("id").In(ids)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	for rows.Next() {
		var dep schedulerobjects.DependencyStatus
		var status, result string
		if err := rows.Scan(&dep.SessionID, &dep.Name, &status, &result); err != nil {
			return nil, errors.WithStack(err)
		}
		dep.Status = schedulerobjects.SessionStatus(status)
		dep.Result = schedulerobjects.SessionResult(result)
		statuses[dep.SessionID] = dep
	}
	return statuses, errors.WithStack(rows.Err())
}

func addSlots(m map[uuid.UUID]resource.Slots, key uuid.UUID, slots resource.Slots) {
	current, ok := m[key]
	if !ok {
		current = resource.New()
	}
	current.Add(slots)
	m[key] = current
}

func addDomainSlots(m map[string]resource.Slots, key string, slots resource.Slots) {
	current, ok := m[key]
	if !ok {
		current = resource.New()
	}
	current.Add(slots)
	m[key] = current
}
