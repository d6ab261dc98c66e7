// Package configuration defines the orchestrator's config file schema. Values
// are decoded from YAML with viper; field names map via mapstructure.
package configuration

import (
	"time"
)

type SokovanConfig struct {
	// MetricsPort serves the prometheus endpoint.
	MetricsPort uint16
	Postgres    PostgresConfig
	Redis       RedisConfig
	Pulsar      PulsarConfig
	Scheduler   SchedulerConfig
	Deployment  DeploymentConfig
	FairShare   FairShareConfig
	Locking     LockingConfig
}

type PostgresConfig struct {
	// Connection is a pgx connection string or URL.
	Connection   string
	MaxOpenConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PulsarConfig struct {
	// Enabled switches lifecycle event publishing on. When false the null
	// publisher is wired instead.
	Enabled           bool
	URL               string
	EventsTopic       string
	ConnectionTimeout time.Duration
}

type SchedulerConfig struct {
	// ScalingGroups lists the scaling groups this instance schedules. Each
	// group gets its own independently locked cycle.
	ScalingGroups []string
	CycleInterval time.Duration
	SweepInterval time.Duration
	// MaxCandidatesPerCycle bounds the pending batch one cycle considers.
	MaxCandidatesPerCycle int
	// Sequencer selects candidate ordering: "fifo" or "fairshare".
	Sequencer string
	// PolicyCacheTTL bounds how stale cached resource policies may be.
	PolicyCacheTTL time.Duration
	LockLifetime   time.Duration
}

type DeploymentConfig struct {
	CycleInterval time.Duration
	// RouteMarkTTL bounds how long a route lifecycle mark survives unconsumed.
	RouteMarkTTL time.Duration
}

type FairShareConfig struct {
	HalfLifeDays int
	LookbackDays int
	// ResourceWeights maps slot kinds to their weight in the usage score,
	// e.g. cuda.device > cpu.
	ResourceWeights map[string]float64
	// AggregationInterval is how often new kernel intervals are sliced into
	// usage buckets.
	AggregationInterval time.Duration
}

type LockingConfig struct {
	// Backend selects the distributed lock implementation: "redis" for
	// multi-node deployments, "file" for single-node.
	Backend string
	// FileLockDir is the base directory of the file backend.
	FileLockDir string
}
