// Package sokovan wires the orchestrator's components together and runs the
// periodic cycles.
package sokovan

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/sokovanproject/sokovan/internal/common/lock"
	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/common/task"
	"github.com/sokovanproject/sokovan/internal/deployment"
	deploymentdb "github.com/sokovanproject/sokovan/internal/deployment/database"
	"github.com/sokovanproject/sokovan/internal/events"
	"github.com/sokovanproject/sokovan/internal/metrics"
	"github.com/sokovanproject/sokovan/internal/scheduler"
	schedulerdb "github.com/sokovanproject/sokovan/internal/scheduler/database"
	"github.com/sokovanproject/sokovan/internal/scheduler/fairshare"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovanproject/sokovan/internal/scheduler/validation"
	"github.com/sokovanproject/sokovan/internal/sokovan/configuration"
)

// Run starts the orchestrator and blocks until SIGINT/SIGTERM.
func Run(config *configuration.SokovanConfig) error {
	ctx, cancel := sokovancontext.WithCancel(sokovancontext.Background())
	defer cancel()
	go handleSignals(ctx, cancel)

	poolConfig, err := pgxpool.ParseConfig(config.Postgres.Connection)
	if err != nil {
		return errors.Wrap(err, "invalid postgres connection string")
	}
	if config.Postgres.MaxOpenConns > 0 {
		poolConfig.MaxConns = config.Postgres.MaxOpenConns
	}
	db, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return errors.Wrap(err, "failed to connect to postgres")
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	defer redisClient.Close()

	locks, err := newLockFactory(config.Locking, redisClient)
	if err != nil {
		return err
	}

	publisher, err := newPublisher(config.Pulsar)
	if err != nil {
		return err
	}
	defer publisher.Close()

	clock := clockwork.NewRealClock()
	cycleMetrics := metrics.NewCycleMetrics()
	prometheus.MustRegister(cycleMetrics)

	runner := scheduler.NewHandlerRunner(locks, config.Scheduler.LockLifetime)
	manager := task.NewBackgroundTaskManager("sokovan_")

	fairShareRepository := schedulerdb.NewPostgresFairShareRepository(db)
	ranker := newFairShareRanker(config.FairShare, fairShareRepository, clock)

	schedulingRepository := schedulerdb.NewPostgresRepository(db, schedulerdb.NewPolicyCache(config.Scheduler.PolicyCacheTTL))
	terminationRepository := schedulerdb.NewPostgresTerminationRepository(db)

	for _, scalingGroup := range config.Scheduler.ScalingGroups {
		sg := scalingGroup

		schedulingHandler := scheduler.NewSchedulingHandler(
			sg,
			scheduler.NewScheduler(
				schedulingRepository,
				newSequencer(config.Scheduler.Sequencer, ranker),
				validation.Default(),
				clock,
				config.Scheduler.MaxCandidatesPerCycle,
			),
			schedulingRepository,
			cycleMetrics,
			publisher,
			clock,
		)
		manager.Register(ctx, runHandler(runner, schedulingHandler, cycleMetrics, clock), config.Scheduler.CycleInterval, "schedule_"+sg)

		terminationHandler := scheduler.NewTerminationHandler(
			sg,
			scheduler.NewTerminator(terminationRepository, clock),
			terminationRepository,
			cycleMetrics,
			publisher,
			clock,
		)
		manager.Register(ctx, runHandler(runner, terminationHandler, cycleMetrics, clock), config.Scheduler.SweepInterval, "terminate_"+sg)
	}

	deploymentRepository := deploymentdb.NewPostgresRepository(db)
	deploymentHandler := deployment.NewCycleHandler(
		deployment.NewExecutor(deploymentRepository, clock),
		deploymentRepository,
		deployment.NewRouteController(redisClient, config.Deployment.RouteMarkTTL),
		cycleMetrics,
		publisher,
		clock,
	)
	manager.Register(ctx, runHandler(runner, deploymentHandler, cycleMetrics, clock), config.Deployment.CycleInterval, "deployment")

	manager.Register(ctx, aggregateUsage(fairShareRepository, ranker, clock), config.FairShare.AggregationInterval, "fairshare_aggregate")

	go serveMetrics(ctx, config.MetricsPort)

	ctx.Log.Info("sokovan orchestrator started")
	<-ctx.Done()
	ctx.Log.Info("shutting down")
	manager.StopAll(30 * time.Second)
	return nil
}

func handleSignals(ctx *sokovancontext.Context, cancel func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		ctx.Log.Infof("received %s", sig)
		cancel()
	case <-ctx.Done():
	}
}

func newLockFactory(config configuration.LockingConfig, redisClient *redis.Client) (lock.DistributedLockFactory, error) {
	switch config.Backend {
	case "", "redis":
		return lock.NewRedisLockFactory(redisClient), nil
	case "file":
		return lock.NewFileLockFactory(config.FileLockDir), nil
	default:
		return nil, errors.Errorf("unknown lock backend %q", config.Backend)
	}
}

func newPublisher(config configuration.PulsarConfig) (events.Publisher, error) {
	if !config.Enabled {
		return events.NullPublisher{}, nil
	}
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:               config.URL,
		ConnectionTimeout: config.ConnectionTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to pulsar")
	}
	return events.NewPulsarPublisher(client, config.EventsTopic)
}

func newSequencer(name string, ranker *fairShareRanker) scheduler.Sequencer {
	if name == "fairshare" {
		return ranker
	}
	return scheduler.FIFOSequencer{}
}

// runHandler adapts a cycle handler to the background task manager, reporting
// outcome and latency metrics per cycle.
func runHandler(runner *scheduler.HandlerRunner, handler scheduler.CycleHandler, cycleMetrics *metrics.CycleMetrics, clock clockwork.Clock) func(*sokovancontext.Context) {
	return func(ctx *sokovancontext.Context) {
		start := clock.Now()
		executed, err := runner.Run(ctx, handler)
		if err != nil {
			cycleMetrics.ReportFailedCycle(handler.Name())
			ctx.Log.WithError(err).Errorf("%s cycle failed", handler.Name())
		}
		if !executed {
			cycleMetrics.ReportSkippedCycle(handler.Name())
			return
		}
		cycleMetrics.ReportCycleTime(handler.Name(), clock.Since(start))
	}
}

func serveMetrics(ctx *sokovancontext.Context, port uint16) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Error("metrics server stopped")
	}
}

// fairShareRanker holds the latest computed user ranking and sequences
// candidates by it. Refresh swaps in a new ranking atomically; until the first
// successful refresh, sequencing degrades to FIFO order.
type fairShareRanker struct {
	repository *schedulerdb.PostgresFairShareRepository
	calculator *fairshare.Calculator
	lookback   time.Duration
	clock      clockwork.Clock

	mu      sync.RWMutex
	current scheduler.Sequencer
}

func newFairShareRanker(config configuration.FairShareConfig, repository *schedulerdb.PostgresFairShareRepository, clock clockwork.Clock) *fairShareRanker {
	weights := make(map[string]decimal.Decimal, len(config.ResourceWeights))
	for kind, weight := range config.ResourceWeights {
		weights[kind] = decimal.NewFromFloat(weight)
	}
	params := fairshare.DefaultParameters()
	if config.HalfLifeDays > 0 {
		params.HalfLifeDays = config.HalfLifeDays
	}
	if config.LookbackDays > 0 {
		params.LookbackDays = config.LookbackDays
	}
	if len(weights) > 0 {
		params.ResourceWeights = weights
	}
	return &fairShareRanker{
		repository: repository,
		calculator: fairshare.NewCalculator(params),
		lookback:   time.Duration(params.LookbackDays) * 24 * time.Hour,
		clock:      clock,
		current:    scheduler.FIFOSequencer{},
	}
}

func (r *fairShareRanker) Sequence(candidates []*schedulerobjects.Session) []*schedulerobjects.Session {
	r.mu.RLock()
	sequencer := r.current
	r.mu.RUnlock()
	return sequencer.Sequence(candidates)
}

// Refresh recomputes the ranking from persisted usage buckets.
func (r *fairShareRanker) Refresh(ctx *sokovancontext.Context) error {
	now := r.clock.Now().UTC()
	today := now.Truncate(24 * time.Hour)
	horizon := today.Add(-r.lookback)

	domains, err := r.repository.FetchEntityUsage(ctx, fairshare.KindDomain, horizon)
	if err != nil {
		return err
	}
	projects, err := r.repository.FetchEntityUsage(ctx, fairshare.KindProject, horizon)
	if err != nil {
		return err
	}
	users, err := r.repository.FetchUserUsage(ctx, horizon)
	if err != nil {
		return err
	}

	result := r.calculator.Calculate(today, entityList(domains), entityList(projects), users)
	r.mu.Lock()
	r.current = scheduler.NewFairShareSequencer(result.Ranks)
	r.mu.Unlock()
	ctx.Log.Debugf("fair-share ranking refreshed for %d users", len(result.Ranks))
	return nil
}

func entityList(byID map[string]fairshare.EntityUsage) []fairshare.EntityUsage {
	return maps.Values(byID)
}

// aggregateUsage slices the kernel intervals since the previous run into
// usage buckets, merges them and refreshes the ranking. Intervals are clamped
// to [lastRun, now) so repeated runs never double-count.
func aggregateUsage(repository *schedulerdb.PostgresFairShareRepository, ranker *fairShareRanker, clock clockwork.Clock) func(*sokovancontext.Context) {
	lastRun := clock.Now()
	return func(ctx *sokovancontext.Context) {
		now := clock.Now()
		intervals, err := repository.FetchKernelIntervals(ctx, lastRun, now)
		if err != nil {
			ctx.Log.WithError(err).Error("failed to fetch kernel intervals for usage aggregation")
			return
		}
		deltas := fairshare.AggregateIntervals(intervals)
		if err := repository.UpsertUsageDeltas(ctx, deltas); err != nil {
			ctx.Log.WithError(err).Error("failed to persist usage buckets")
			return
		}
		lastRun = now

		if err := ranker.Refresh(ctx); err != nil {
			ctx.Log.WithError(err).Warn("failed to refresh fair-share ranking")
		}
	}
}
