package deployment

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// RouteLifecycleType names the kinds of route work a coordinator cycle may be
// asked to run.
type RouteLifecycleType string

const (
	RouteLifecycleCreation    RouteLifecycleType = "route-creation"
	RouteLifecycleHealthCheck RouteLifecycleType = "route-health-check"
	RouteLifecycleTermination RouteLifecycleType = "route-termination"
)

const routeMarkKeyPrefix = "Sokovan:RouteLifecycle:"

// getDelScript reads and deletes the mark in one step so two coordinator
// replicas cannot both consume it.
const getDelScript = `
local value = redis.call("get", KEYS[1])
if value then
	redis.call("del", KEYS[1])
end
return value`

// RouteController stores route-lifecycle hints in the shared cache. A mark
// means "the next coordinator cycle must run route reconciliation of this
// type"; the controller performs no reconciliation itself.
type RouteController struct {
	db      *redis.Client
	markTTL time.Duration
}

func NewRouteController(db *redis.Client, markTTL time.Duration) *RouteController {
	return &RouteController{
		db:      db,
		markTTL: markTTL,
	}
}

// MarkLifecycleNeeded sets the mark for the given lifecycle type. Marking an
// already-marked type is a no-op, so callers may hint freely.
func (c *RouteController) MarkLifecycleNeeded(_ context.Context, lifecycleType RouteLifecycleType) error {
	err := c.db.SetNX(routeMarkKeyPrefix+string(lifecycleType), "1", c.markTTL).Err()
	if err != nil {
		return errors.Wrapf(err, "failed to mark route lifecycle %q", lifecycleType)
	}
	return nil
}

// LoadAndDeleteMark consumes the mark for the given lifecycle type, returning
// whether it was set. At most one caller observes true per mark.
func (c *RouteController) LoadAndDeleteMark(_ context.Context, lifecycleType RouteLifecycleType) (bool, error) {
	value, err := c.db.Eval(getDelScript, []string{routeMarkKeyPrefix + string(lifecycleType)}).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to consume route lifecycle mark %q", lifecycleType)
	}
	return value != nil, nil
}
