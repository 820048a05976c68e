package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Topology metrics
	TopologyNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yuanrong_topology_nodes_total",
			Help: "Total number of tracked scheduler-tree nodes by layer and state",
		},
		[]string{"layer", "state"},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yuanrong_instances_total",
			Help: "Total number of instances by state",
		},
		[]string{"state"},
	)

	GroupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yuanrong_groups_total",
			Help: "Total number of gang-scheduled groups by state",
		},
		[]string{"state"},
	)

	BundlesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yuanrong_bundles_total",
			Help: "Total number of bundles by status",
		},
		[]string{"status"},
	)

	// Raft (global scheduler leadership) metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yuanrong_raft_is_leader",
			Help: "Whether this global scheduler node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yuanrong_raft_peers_total",
			Help: "Total number of Raft peers in the global scheduler cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yuanrong_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// Scheduling metrics
	SchedulingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yuanrong_scheduling_latency_seconds",
			Help:    "Time taken to schedule an instance, by tier",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier"},
	)

	InstancesScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yuanrong_instances_scheduled_total",
			Help: "Total number of instances successfully bound",
		},
		[]string{"tier"},
	)

	InstancesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yuanrong_instances_failed_total",
			Help: "Total number of instances that failed to schedule",
		},
		[]string{"tier", "reason"},
	)

	ReservationTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yuanrong_reservation_timeouts_total",
			Help: "Total number of reservations rolled back after timing out unbound",
		},
	)

	GroupScheduleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yuanrong_group_schedule_duration_seconds",
			Help:    "Time taken to admit or reject a gang-scheduling group",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Metadata store metrics
	MetaStoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yuanrong_metastore_op_duration_seconds",
			Help:    "Time taken for a metadata store operation, by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	MetaStoreRevision = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yuanrong_metastore_revision",
			Help: "Current metadata store revision",
		},
	)

	MetaStoreWatchers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yuanrong_metastore_watchers",
			Help: "Number of active watch streams",
		},
	)

	MetaStoreLeasesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yuanrong_metastore_leases_expired_total",
			Help: "Total number of leases that expired and cascade-deleted their keys",
		},
	)

	// Heartbeat metrics
	HeartbeatsMissed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yuanrong_heartbeats_missed_total",
			Help: "Total number of missed heartbeat intervals, by peer layer",
		},
		[]string{"layer"},
	)

	HeartbeatTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yuanrong_heartbeat_timeouts_total",
			Help: "Total number of peers marked broken after exceeding the heartbeat timeout",
		},
		[]string{"layer"},
	)
)

func init() {
	prometheus.MustRegister(
		TopologyNodesTotal,
		InstancesTotal,
		GroupsTotal,
		BundlesTotal,
		RaftLeader,
		RaftPeers,
		RaftAppliedIndex,
		SchedulingLatency,
		InstancesScheduled,
		InstancesFailed,
		ReservationTimeouts,
		GroupScheduleDuration,
		MetaStoreOpDuration,
		MetaStoreRevision,
		MetaStoreWatchers,
		MetaStoreLeasesExpired,
		HeartbeatsMissed,
		HeartbeatTimeouts,
	)
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
