/*
Package metrics provides Prometheus metrics collection and exposition
for yuanrong.

It defines and registers every yuanrong metric using the Prometheus
client library — topology and placement gauges, raft leadership and
log-position gauges, scheduling latency and outcome counters, metadata
store operation latency, and heartbeat-miss counters — giving
observability into scheduler-hierarchy health, placement throughput,
and metadata store performance. cmd/yuanrong exposes them at /metrics
via promhttp.Handler(); nothing in this package opens its own listener.

# Metric families

  - TopologyNodesTotal, RaftLeader, RaftPeers, RaftAppliedIndex — the
    scheduler topology and the global scheduler's raft state, kept
    current by Collector (see below).
  - InstancesScheduled, InstancesFailed, SchedulingLatency,
    ReservationTimeouts — placement outcomes across the local, domain
    and global tiers.
  - GroupsTotal, GroupScheduleDuration — gang-scheduling admission
    outcomes from pkg/groupctrl.
  - MetaStoreOpDuration, MetaStoreRevision, MetaStoreWatchers,
    MetaStoreLeasesExpired — pkg/metastore operation cost and state.
  - HeartbeatTimeouts — pkg/heartbeat liveness tracking, labeled by
    hierarchy layer.
  - InstancesTotal, BundlesTotal, HeartbeatsMissed — registered, but no
    package sets or increments them.

# Collector

Collector polls a TopologySource (satisfied structurally by
*globalsched.Scheduler) every 15 seconds to keep TopologyNodesTotal and
the raft gauges current — metrics that reflect a point-in-time view of
cluster shape rather than a running counter incremented inline by the
code that changes it:

	collector := metrics.NewCollector(globalScheduler)
	collector.Start()
	defer collector.Stop()

# Timer

Timer is a small stopwatch helper for histogram metrics:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SchedulingLatency, "domain")

# Health

health.go tracks liveness/readiness independently of the Prometheus
registry (see HealthHandler, ReadyHandler, LivenessHandler) — process
health for orchestrators, not a metric series for dashboards.
*/
package metrics
