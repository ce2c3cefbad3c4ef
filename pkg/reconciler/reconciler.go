package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/controllerd/pkg/clusterstate"
	"github.com/cuemby/controllerd/pkg/health"
	"github.com/cuemby/controllerd/pkg/log"
	"github.com/cuemby/controllerd/pkg/metrics"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/rs/zerolog"
)

// HealthChecker builds the pkg/health probe for a node's liveness
// endpoint. It returns nil for a node that exposes none, in which case
// the reconciler falls back to heartbeat silence alone.
type HealthChecker func(node *types.Node) health.Checker

func defaultHealthChecker(node *types.Node) health.Checker {
	if node.Address == "" {
		return nil
	}
	return health.NewTCPChecker(node.Address)
}

// Reconciler sweeps the node and job tables for staleness the scheduler and
// RPC handlers don't catch inline: nodes that stopped heartbeating, and
// jobs still marked RUNNING on a node that has gone DOWN.
type Reconciler struct {
	cluster *clusterstate.ClusterState
	logger  zerolog.Logger
	mu      sync.RWMutex
	stopCh  chan struct{}

	// NoRespondTimeout is how long a node may go without a heartbeat
	// before it is marked NO_RESPOND, then DOWN.
	NoRespondTimeout time.Duration
	DownTimeout      time.Duration

	// HealthCheck builds the active probe used to confirm a
	// heartbeat-silent node is actually unresponsive before its state
	// flips. A node with no probe endpoint (HealthCheck returns nil)
	// is judged on heartbeat silence alone.
	HealthCheck HealthChecker
	// HealthCheckTimeout bounds each active probe.
	HealthCheckTimeout time.Duration
}

// NewReconciler creates a Reconciler over cluster.
func NewReconciler(cluster *clusterstate.ClusterState) *Reconciler {
	return &Reconciler{
		cluster:            cluster,
		logger:             log.WithComponent("reconciler"),
		stopCh:             make(chan struct{}),
		NoRespondTimeout:   30 * time.Second,
		DownTimeout:        5 * time.Minute,
		HealthCheck:        defaultHealthChecker,
		HealthCheckTimeout: 5 * time.Second,
	}
}

// nodeRespondsToProbe runs node's active health check, if it has one,
// and reports whether the node answered healthy. A node with no probe
// endpoint configured is never considered responsive by this path, so
// callers fall through to the pure heartbeat-timeout decision.
func (r *Reconciler) nodeRespondsToProbe(node *types.Node) bool {
	if r.HealthCheck == nil {
		return false
	}
	checker := r.HealthCheck(node)
	if checker == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.HealthCheckTimeout)
	defer cancel()
	result := checker.Check(ctx)
	return result.Healthy
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	downNodes, err := r.reconcileNodes()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to reconcile nodes")
	}

	if err := r.reconcileJobs(downNodes); err != nil {
		r.logger.Error().Err(err).Msg("failed to reconcile jobs")
	}

	return nil
}

// reconcileNodes marks nodes NO_RESPOND past NoRespondTimeout and DOWN past
// DownTimeout, returning the set of node names newly or already DOWN.
func (r *Reconciler) reconcileNodes() (map[string]bool, error) {
	nodes, err := r.cluster.Store().ListNodes()
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	down := make(map[string]bool)
	now := time.Now()

	for _, node := range nodes {
		if node.BaseState == types.NodeBaseDown {
			down[node.Name] = true
			continue
		}

		silence := now.Sub(node.LastHeartbeat)
		switch {
		case silence > r.DownTimeout:
			if r.nodeRespondsToProbe(node) {
				r.logger.Debug().Str("node", node.Name).Msg("heartbeat silent past down timeout but health probe succeeded, deferring")
				continue
			}
			r.logger.Warn().
				Str("node", node.Name).
				Dur("silence", silence).
				Msg("node exceeded down timeout, marking DOWN")
			node.BaseState = types.NodeBaseDown
			node.Flags &^= types.NodeFlagNoRespond
			if err := r.cluster.UpdateNode(node); err != nil {
				r.logger.Error().Err(err).Str("node", node.Name).Msg("failed to mark node down")
				continue
			}
			metrics.NodesMarkedDown.Inc()
			down[node.Name] = true
		case silence > r.NoRespondTimeout:
			if !node.Flags.Has(types.NodeFlagNoRespond) {
				if r.nodeRespondsToProbe(node) {
					r.logger.Debug().Str("node", node.Name).Msg("heartbeat silent past no_respond timeout but health probe succeeded, deferring")
					continue
				}
				r.logger.Warn().
					Str("node", node.Name).
					Dur("silence", silence).
					Msg("node missed heartbeat, marking NO_RESPOND")
				node.Flags |= types.NodeFlagNoRespond
				if err := r.cluster.UpdateNode(node); err != nil {
					r.logger.Error().Err(err).Str("node", node.Name).Msg("failed to mark node no_respond")
				}
			}
		}
	}

	return down, nil
}

// reconcileJobs sets state_reason on RUNNING jobs that still reference a
// node now in downNodes; the allocate/requeue decision is left to the
// scheduler's next pass.
func (r *Reconciler) reconcileJobs(downNodes map[string]bool) error {
	if len(downNodes) == 0 {
		return nil
	}

	jobs, err := r.cluster.Store().ListJobs()
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	for _, job := range jobs {
		if job.State != types.JobStateRunning || job.AllocatedNodes == nil {
			continue
		}

		affected := false
		for _, idx := range job.AllocatedNodes.Bits() {
			node, err := r.nodeByIndex(idx)
			if err != nil {
				continue
			}
			if downNodes[node.Name] {
				affected = true
				break
			}
		}
		if !affected {
			continue
		}

		r.logger.Warn().Uint32("job_id", job.ID).Msg("job has allocated node(s) marked DOWN")
		job.StateReason = string(types.ReasonNodeFail)
		if err := r.cluster.UpdateJob(job); err != nil {
			r.logger.Error().Err(err).Uint32("job_id", job.ID).Msg("failed to annotate job state reason")
		}
	}

	return nil
}

func (r *Reconciler) nodeByIndex(index int) (*types.Node, error) {
	nodes, err := r.cluster.Store().ListNodes()
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Index == index {
			return n, nil
		}
	}
	return nil, fmt.Errorf("no node at index %d", index)
}
