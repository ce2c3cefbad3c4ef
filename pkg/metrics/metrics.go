package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster state metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controllerd_nodes_total",
			Help: "Total number of nodes by base state",
		},
		[]string{"state"},
	)

	PartitionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controllerd_partitions_total",
			Help: "Total number of partitions",
		},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controllerd_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	ReservationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controllerd_reservations_total",
			Help: "Total number of active reservations",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controllerd_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controllerd_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controllerd_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controllerd_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controllerd_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controllerd_raft_commit_duration_seconds",
			Help:    "Time taken to commit a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controllerd_rpc_requests_total",
			Help: "Total number of RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controllerd_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Node Selector (scheduler) metrics
	SchedulingCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controllerd_scheduling_cycles_total",
			Help: "Total number of scheduling cycles run",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controllerd_scheduling_latency_seconds",
			Help:    "Time taken per scheduling cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controllerd_jobs_scheduled_total",
			Help: "Total number of jobs allocated nodes",
		},
	)

	JobsFailedToSchedule = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controllerd_jobs_failed_schedule_total",
			Help: "Total number of scheduling attempts that failed, by reason",
		},
		[]string{"reason"},
	)

	// License ledger metrics
	LicensesInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controllerd_licenses_in_use",
			Help: "Licenses currently checked out, by license name",
		},
		[]string{"license"},
	)

	LicensesAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controllerd_licenses_available",
			Help: "Licenses currently available, by license name",
		},
		[]string{"license"},
	)

	// Power-save controller metrics
	PowerSaveResumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controllerd_powersave_resumed_total",
			Help: "Total number of nodes resumed by the power-save controller",
		},
	)

	PowerSaveSuspended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controllerd_powersave_suspended_total",
			Help: "Total number of nodes suspended by the power-save controller",
		},
	)

	PowerSaveTokensAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controllerd_powersave_tokens_available",
			Help: "Tokens currently available in the power-save rate limiter",
		},
	)

	// Accounting agent metrics
	AgentQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controllerd_agent_queue_depth",
			Help: "Number of accounting messages queued for delivery",
		},
	)

	AgentMessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controllerd_agent_messages_sent_total",
			Help: "Total number of accounting messages sent, by outcome",
		},
		[]string{"outcome"},
	)

	AgentMessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controllerd_agent_messages_dropped_total",
			Help: "Total number of accounting messages dropped due to queue overflow",
		},
	)

	// Backup controller metrics
	BackupIsPrimary = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controllerd_backup_is_primary",
			Help: "Whether this controller instance currently acts as primary (1) or standby (0)",
		},
	)

	BackupTakeoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controllerd_backup_takeovers_total",
			Help: "Total number of times this instance took over as primary",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controllerd_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controllerd_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	NodesMarkedDown = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controllerd_nodes_marked_down_total",
			Help: "Total number of nodes marked DOWN due to heartbeat staleness",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		PartitionsTotal,
		JobsTotal,
		ReservationsTotal,
		RaftLeader,
		RaftPeers,
		RaftLogIndex,
		RaftAppliedIndex,
		RaftApplyDuration,
		RaftCommitDuration,
		RPCRequestsTotal,
		RPCRequestDuration,
		SchedulingCyclesTotal,
		SchedulingLatency,
		JobsScheduled,
		JobsFailedToSchedule,
		LicensesInUse,
		LicensesAvailable,
		PowerSaveResumed,
		PowerSaveSuspended,
		PowerSaveTokensAvailable,
		AgentQueueDepth,
		AgentMessagesSent,
		AgentMessagesDropped,
		BackupIsPrimary,
		BackupTakeoversTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		NodesMarkedDown,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
