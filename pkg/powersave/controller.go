// Package powersave implements the suspend/resume controller: it drives
// idle nodes to POWERED_DOWN and wakes nodes a running job was allocated
// but that are still powered down, at a rate bounded by token buckets and
// subject to operator-configured exclusions.
package powersave

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/controllerd/pkg/bitmap"
	"github.com/cuemby/controllerd/pkg/clusterstate"
	"github.com/cuemby/controllerd/pkg/log"
	"github.com/cuemby/controllerd/pkg/metrics"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the suspend/resume tuning an operator sets.
type Config struct {
	SuspendProgram    string
	ResumeProgram     string
	ResumeFailProgram string

	SuspendTime    time.Duration
	SuspendTimeout time.Duration
	ResumeTimeout  time.Duration

	SuspendRate int // nodes suspended per minute
	ResumeRate  int // nodes resumed per minute

	SuspendExcNodes  []ExclusionGroup
	SuspendExcParts  map[string]bool
	SuspendExcStates types.NodeFlag
	SuspendExcDown   bool

	IdleOnNodeSuspend bool

	// PowerSaveInterval is the cycle period and the effective_max_interval
	// fed into each token bucket's capacity formula.
	PowerSaveInterval time.Duration
}

func (c *Config) maxTimeout() time.Duration {
	if c.SuspendTimeout > c.ResumeTimeout {
		return c.SuspendTimeout
	}
	return c.ResumeTimeout
}

func (c *Config) interval() time.Duration {
	if c.PowerSaveInterval <= 0 {
		return 60 * time.Second
	}
	return c.PowerSaveInterval
}

// Controller runs the suspend/resume cycle on a timer, only while this
// instance holds the cluster leadership.
type Controller struct {
	cluster *clusterstate.ClusterState
	cfg     Config
	runner  ScriptRunner

	resume  *TokenBucket
	suspend *TokenBucket
	results chan ScriptResult

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a Controller. A nil runner defaults to ExecScriptRunner
// driven by the configured program paths.
func New(cluster *clusterstate.ClusterState, cfg Config, runner ScriptRunner) *Controller {
	if runner == nil {
		runner = NewExecScriptRunner(cfg)
	}
	return &Controller{
		cluster: cluster,
		cfg:     cfg,
		runner:  runner,
		resume:  NewTokenBucket(cfg.ResumeRate, cfg.interval()),
		suspend: NewTokenBucket(cfg.SuspendRate, cfg.interval()),
		results: make(chan ScriptResult, 64),
		logger:  log.WithComponent("powersave"),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the cycle loop in a background goroutine.
func (c *Controller) Start() { go c.run() }

// Stop terminates the cycle loop.
func (c *Controller) Stop() { close(c.stopCh) }

func (c *Controller) run() {
	ticker := time.NewTicker(c.cfg.interval())
	defer ticker.Stop()
	c.logger.Info().Msg("power-save controller started")
	for {
		select {
		case <-ticker.C:
			if !c.cluster.IsLeader() {
				continue
			}
			if err := c.Cycle(); err != nil {
				c.logger.Error().Err(err).Msg("power-save cycle failed")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("power-save controller stopped")
			return
		}
	}
}

// Cycle runs one pass: drain async script outcomes, refill token buckets,
// resume nodes running jobs need, scan for suspend candidates, and
// finalize nodes that have been transitioning past their timeout.
func (c *Controller) Cycle() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.drainResults()
	c.resume.Refill(now)
	c.suspend.Refill(now)

	nodes, err := c.cluster.Store().ListNodes()
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	partitions, err := c.cluster.Store().ListPartitions()
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	jobs, err := c.cluster.Store().ListJobs()
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	n := 0
	byName := make(map[string]*types.Node, len(nodes))
	for _, node := range nodes {
		if node.Index+1 > n {
			n = node.Index + 1
		}
		byName[node.Name] = node
	}
	byIndex := make([]*types.Node, n)
	for _, node := range nodes {
		byIndex[node.Index] = node
	}

	avoid := BuildAvoidBitmap(byName, c.cfg.SuspendExcNodes, c.cfg.SuspendExcParts, partitions, n)

	c.resumePass(jobs, byIndex, now)
	c.suspendPass(nodes, avoid, now)
	c.postProcess(nodes, now)

	return nil
}

func (c *Controller) resumePass(jobs []*types.Job, byIndex []*types.Node, now time.Time) {
	var wakeAll []string
	var records []resumeRecord

	for _, job := range jobs {
		if job.State != types.JobStateRunning || job.AllocatedNodes == nil {
			continue
		}
		var woken []string
		for _, idx := range job.AllocatedNodes.Bits() {
			if idx < 0 || idx >= len(byIndex) {
				continue
			}
			node := byIndex[idx]
			if node == nil || !node.IsPoweredDown() {
				continue
			}
			if !c.resume.Spend() {
				continue
			}
			node.Flags &^= types.NodeFlagPoweredDown
			node.Flags |= types.NodeFlagPowerUp | types.NodeFlagPoweringUp
			node.BootReqTime = now
			if err := c.cluster.UpdateNode(node); err != nil {
				c.logger.Error().Err(err).Str("node", node.Name).Msg("failed to record resume transition")
				continue
			}
			metrics.PowerSaveResumed.Inc()
			woken = append(woken, node.Name)
			wakeAll = append(wakeAll, node.Name)
		}
		if len(woken) > 0 {
			partition := ""
			if len(job.Details.PartitionList) > 0 {
				partition = job.Details.PartitionList[0]
			}
			records = append(records, resumeRecord{
				JobID:       job.ID,
				Features:    job.Details.FeatureExpr,
				Partition:   partition,
				NodesAlloc:  allocatedNodeNames(job, byIndex),
				NodesResume: woken,
			})
			c.logger.Info().Uint32("job_id", job.ID).Strs("nodes", woken).Msg("resume requested")
		}
	}

	if len(wakeAll) == 0 {
		return
	}
	c.runner.RunResume(ResumePayload{AllNodesResume: wakeAll, Jobs: records}, c.results)
}

// allocatedNodeNames resolves a job's full allocated-node bitmap to
// names, for the resume record's nodes_alloc field (the complete set
// the job holds, as distinct from nodes_resume, the subset this pass
// is actually waking).
func allocatedNodeNames(job *types.Job, byIndex []*types.Node) []string {
	if job.AllocatedNodes == nil {
		return nil
	}
	var names []string
	for _, idx := range job.AllocatedNodes.Bits() {
		if idx < 0 || idx >= len(byIndex) || byIndex[idx] == nil {
			continue
		}
		names = append(names, byIndex[idx].Name)
	}
	return names
}

func (c *Controller) suspendPass(nodes []*types.Node, avoid *bitmap.Bitmap, now time.Time) {
	metrics.PowerSaveTokensAvailable.Set(float64(c.suspend.Tokens()))

	var toSuspend []string
	for _, node := range nodes {
		if node == nil || !c.suspendCandidate(node, avoid, now) {
			continue
		}
		if !c.suspend.Spend() {
			continue
		}
		node.Flags &^= types.NodeFlagPowerDown
		node.Flags |= types.NodeFlagPoweringDown
		node.PowerSaveReqTime = now
		if c.cfg.IdleOnNodeSuspend {
			node.BaseState = types.NodeBaseIdle
			node.Flags &^= types.NodeFlagDrain
			node.Flags &^= types.NodeFlagFail
		}
		if err := c.cluster.UpdateNode(node); err != nil {
			c.logger.Error().Err(err).Str("node", node.Name).Msg("failed to record suspend transition")
			continue
		}
		metrics.PowerSaveSuspended.Inc()
		toSuspend = append(toSuspend, node.Name)
	}

	if len(toSuspend) == 0 {
		return
	}
	c.logger.Info().Strs("nodes", toSuspend).Msg("suspend requested")
	c.runner.RunSuspend(toSuspend, c.results)
}

// suspendCandidate applies the six gating conditions a node must pass
// before a suspend token may be spent on it. Token availability itself is
// checked by the caller, after every other condition holds.
func (c *Controller) suspendCandidate(node *types.Node, avoid *bitmap.Bitmap, now time.Time) bool {
	if node.IsCompleting() || node.IsPoweringUp() || node.IsPoweringDown() {
		return false
	}
	if node.BaseState != types.NodeBaseIdle && node.BaseState != types.NodeBaseDown {
		return false
	}
	if node.RunningJobs > 0 {
		return false
	}
	asap := node.Flags.Has(types.NodeFlagPowerDown)
	if !asap && now.Sub(node.LastBusy) <= c.cfg.SuspendTime {
		return false
	}
	if avoid.IsSet(node.Index) {
		return false
	}
	if c.cfg.SuspendExcStates != 0 && node.Flags&c.cfg.SuspendExcStates != 0 {
		return false
	}
	if c.cfg.SuspendExcDown && node.BaseState == types.NodeBaseDown {
		return false
	}
	return true
}

// postProcess finalizes nodes that have been mid-transition past their
// configured timeout: POWERING_DOWN becomes POWERED_DOWN unconditionally,
// POWERING_UP that never cleared NO_RESPOND is declared failed.
func (c *Controller) postProcess(nodes []*types.Node, now time.Time) {
	for _, node := range nodes {
		if node == nil {
			continue
		}
		switch {
		case node.IsPoweringDown():
			if now.Sub(node.PowerSaveReqTime) <= c.cfg.SuspendTimeout {
				continue
			}
			node.Flags &^= types.NodeFlagPoweringDown
			node.Flags |= types.NodeFlagPoweredDown
			node.RunningJobs = 0
			node.FeaturesActive = nil
			if err := c.cluster.UpdateNode(node); err != nil {
				c.logger.Error().Err(err).Str("node", node.Name).Msg("failed to finalize suspend")
			}

		case node.IsPoweringUp():
			if now.Sub(node.BootReqTime) <= c.cfg.ResumeTimeout || !node.Flags.Has(types.NodeFlagNoRespond) {
				continue
			}
			node.Flags &^= types.NodeFlagPoweringUp
			node.Flags &^= types.NodeFlagPowerUp
			node.BaseState = types.NodeBaseDown
			if err := c.cluster.UpdateNode(node); err != nil {
				c.logger.Error().Err(err).Str("node", node.Name).Msg("failed to fail timed-out resume")
				continue
			}
			c.logger.Warn().Str("node", node.Name).Msg("resume timeout reached, marking node down")
			c.runner.RunResumeFail([]string{node.Name}, c.results)
		}
	}
}

func (c *Controller) drainResults() {
	for {
		select {
		case r := <-c.results:
			c.reconcileScriptResult(r)
		default:
			return
		}
	}
}

// reconcileScriptResult undoes a transition flag when the script that was
// supposed to carry it out failed to even start or exited nonzero; a
// successful exit needs no action here; the node's eventual state still
// arrives through heartbeats or postProcess's timeout path.
func (c *Controller) reconcileScriptResult(r ScriptResult) {
	if r.Err == nil {
		return
	}
	c.logger.Error().Err(r.Err).Str("kind", string(r.Kind)).Strs("nodes", r.Nodes).Msg("power-save script failed")

	for _, name := range r.Nodes {
		node, err := c.cluster.Store().GetNode(name)
		if err != nil {
			continue
		}
		switch r.Kind {
		case ScriptKindSuspend:
			node.Flags &^= types.NodeFlagPoweringDown
		case ScriptKindResume:
			node.Flags &^= types.NodeFlagPoweringUp
			node.Flags &^= types.NodeFlagPowerUp
		default:
			continue
		}
		_ = c.cluster.UpdateNode(node)
	}
}
