package deployment

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRouteController(t *testing.T, action func(controller *RouteController)) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	db := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer db.Close()

	action(NewRouteController(db, time.Minute))
}

func TestRouteController_MarkAndConsume(t *testing.T) {
	withRouteController(t, func(controller *RouteController) {
		ctx := context.Background()

		marked, err := controller.LoadAndDeleteMark(ctx, RouteLifecycleCreation)
		require.NoError(t, err)
		assert.False(t, marked, "no mark set yet")

		require.NoError(t, controller.MarkLifecycleNeeded(ctx, RouteLifecycleCreation))
		// Marking again is a no-op.
		require.NoError(t, controller.MarkLifecycleNeeded(ctx, RouteLifecycleCreation))

		marked, err = controller.LoadAndDeleteMark(ctx, RouteLifecycleCreation)
		require.NoError(t, err)
		assert.True(t, marked)

		// The mark was consumed; a second load sees nothing.
		marked, err = controller.LoadAndDeleteMark(ctx, RouteLifecycleCreation)
		require.NoError(t, err)
		assert.False(t, marked)
	})
}

func TestRouteController_MarksAreIndependentPerType(t *testing.T) {
	withRouteController(t, func(controller *RouteController) {
		ctx := context.Background()

		require.NoError(t, controller.MarkLifecycleNeeded(ctx, RouteLifecycleHealthCheck))

		marked, err := controller.LoadAndDeleteMark(ctx, RouteLifecycleTermination)
		require.NoError(t, err)
		assert.False(t, marked)

		marked, err = controller.LoadAndDeleteMark(ctx, RouteLifecycleHealthCheck)
		require.NoError(t, err)
		assert.True(t, marked)
	})
}
