// Package metrics exposes counters for the background loops so failures are
// queryable instead of only log-scraped.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsuled_operations_total",
		Help: "Lifecycle operations executed, by type and result.",
	}, []string{"type", "result"})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capsuled_operation_duration_seconds",
		Help:    "Wall time spent executing lifecycle operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	RecoveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsuled_recovery_attempts_total",
		Help: "Recovery attempts, by failure class.",
	}, []string{"class"})

	RecoveryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capsuled_recovery_exhausted_total",
		Help: "Capsules moved to the error state after the retry limit.",
	})

	SnapshotsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capsuled_snapshots_written_total",
		Help: "Capsule snapshots written to durable storage.",
	})

	PersistenceFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capsuled_persistence_failures_total",
		Help: "Snapshot writes that failed and will be retried next cycle.",
	})

	SyncMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsuled_sync_messages_total",
		Help: "Sync messages exchanged, by direction.",
	}, []string{"direction"})

	SyncMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capsuled_sync_merges_total",
		Help: "Remote sync entries accepted under last-write-wins.",
	})

	SyncConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capsuled_sync_conflicts_total",
		Help: "Remote sync entries discarded as older than local state.",
	})

	MigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsuled_migrations_total",
		Help: "Capsule migrations, by role and result.",
	}, []string{"role", "result"})

	EvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capsuled_evictions_total",
		Help: "Suspended capsules evicted by the cleanup manager.",
	})

	SubscriberDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capsuled_subscriber_drops_total",
		Help: "State-change events dropped because a subscriber was slow.",
	})
)
