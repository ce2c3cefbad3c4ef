package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/controllerd/pkg/bitmap"
	"github.com/cuemby/controllerd/pkg/clusterstate"
	"github.com/cuemby/controllerd/pkg/events"
	"github.com/cuemby/controllerd/pkg/log"
	"github.com/cuemby/controllerd/pkg/metrics"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/rs/zerolog"
)

// PortReserver reserves the MPI ports a job asked for. Real port
// bookkeeping is an external collaborator this core does not own; the
// default implementation is a no-op.
type PortReserver interface {
	ReservePorts(job *types.Job, nodes *bitmap.Bitmap) error
}

// PrologDispatcher runs the per-node prolog before a job starts. Real
// prolog execution is delegated to node agents outside this core.
type PrologDispatcher interface {
	DispatchProlog(job *types.Job, nodes *bitmap.Bitmap) error
}

type noopPortReserver struct{}

func (noopPortReserver) ReservePorts(*types.Job, *bitmap.Bitmap) error { return nil }

type noopPrologDispatcher struct{}

func (noopPrologDispatcher) DispatchProlog(*types.Job, *bitmap.Bitmap) error { return nil }

// LicenseTester adapts the license ledger (C2) to the JobTester interface
// pick_best_nodes calls; it is the only thing a node-count attempt can
// still fail on once enough nodes have accumulated.
type LicenseTester interface {
	JobTester
}

// Scheduler is the node selector (C3): it turns pending jobs into node
// allocations by building node sets, walking them with pick_best_nodes,
// and replicating the resulting state transitions through the cluster's
// Raft log.
type Scheduler struct {
	cluster  *clusterstate.ClusterState
	licenses LicenseTester
	ports    PortReserver
	prolog   PrologDispatcher

	logger zerolog.Logger
	mu     sync.RWMutex
	stopCh chan struct{}
}

// New creates a Scheduler over cluster. licenses supplies the final
// node-count test (license availability and consumable-resource limits);
// ports and prolog may be nil to use no-op defaults.
func New(cluster *clusterstate.ClusterState, licenses LicenseTester, ports PortReserver, prolog PrologDispatcher) *Scheduler {
	if ports == nil {
		ports = noopPortReserver{}
	}
	if prolog == nil {
		prolog = noopPrologDispatcher{}
	}
	return &Scheduler{
		cluster:  cluster,
		licenses: licenses,
		ports:    ports,
		prolog:   prolog,
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scheduling loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	s.logger.Info().Msg("scheduler started")

	for {
		select {
		case <-ticker.C:
			if !s.cluster.IsLeader() {
				continue
			}
			if err := s.Cycle(); err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		case <-s.stopCh:
			s.logger.Info().Msg("scheduler stopped")
			return
		}
	}
}

// Cycle runs one scheduling pass over every PENDING job, in submission
// order, trying to allocate nodes to each.
func (s *Scheduler) Cycle() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SchedulingLatency)
		metrics.SchedulingCyclesTotal.Inc()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.cluster.Store().ListJobs()
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	// The store lists jobs by decimal key ("10" before "2"); job ids are
	// assigned at submission, so ordering by id restores submission order.
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	for _, job := range jobs {
		if job.State != types.JobStatePending {
			continue
		}
		if err := s.scheduleOne(job); err != nil {
			s.logger.Debug().Uint32("job_id", job.ID).Err(err).Msg("job not yet schedulable")
			metrics.JobsFailedToSchedule.WithLabelValues(reasonLabel(err)).Inc()
			continue
		}
		metrics.JobsScheduled.Inc()
	}

	return nil
}

func reasonLabel(err error) string {
	if be, ok := err.(*types.BoundaryError); ok {
		return string(be.Code)
	}
	return "unknown"
}

// scheduleOne attempts to allocate nodes for a single job against every
// partition it may run in, in list order, stopping at the first success.
func (s *Scheduler) scheduleOne(job *types.Job) error {
	partitions, err := s.cluster.Store().ListPartitions()
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}

	nodes, err := s.cluster.Store().ListNodes()
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	arena := buildArena(nodes)

	reservations, err := s.cluster.Store().ListReservations()
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}

	var lastErr error
	for _, part := range candidatePartitions(partitions, job) {
		chosen, err := s.scheduleAgainstPartition(job, part, arena, reservations)
		if err != nil {
			lastErr = err
			// Failure model: scheduleAgainstPartition does not modify the
			// job's request fields, so the next partition is tried with
			// them unchanged.
			continue
		}
		return s.allocateNodes(job, part, chosen)
	}
	if lastErr == nil {
		lastErr = types.NewBoundaryError(types.CodeNodesBusy, types.ReasonWaitResources, "no partition configured")
	}
	return lastErr
}

func candidatePartitions(all []*types.Partition, job *types.Job) []*types.Partition {
	if len(job.Details.PartitionList) == 0 {
		var out []*types.Partition
		for _, p := range all {
			if p.IsDefault {
				out = append(out, p)
			}
		}
		return out
	}
	byName := make(map[string]*types.Partition, len(all))
	for _, p := range all {
		byName[p.Name] = p
	}
	var out []*types.Partition
	for _, name := range job.Details.PartitionList {
		if p, ok := byName[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

func buildArena(nodes []*types.Node) []*types.Node {
	n := 0
	for _, node := range nodes {
		if node.Index+1 > n {
			n = node.Index + 1
		}
	}
	arena := make([]*types.Node, n)
	for _, node := range nodes {
		arena[node.Index] = node
	}
	return arena
}

func (s *Scheduler) scheduleAgainstPartition(job *types.Job, part *types.Partition, nodes []*types.Node, reservations []*types.Reservation) (*bitmap.Bitmap, error) {
	n := len(nodes)

	usable := reservationUsable(job, reservations, n)
	usable = filterOwnership(usable, nodes, job, part, reservations)

	powerDown := bitmap.New(n)
	idle := bitmap.New(n)
	share := bitmap.New(n)
	for _, node := range nodes {
		if node == nil {
			continue
		}
		if node.Flags.Has(types.NodeFlagPoweredDown) {
			powerDown.Set(node.Index)
		}
		switch node.BaseState {
		case types.NodeBaseIdle:
			idle.Set(node.Index)
			share.Set(node.Index)
		case types.NodeBaseMix:
			share.Set(node.Index)
		}
	}

	sets, altGroups, err := buildNodeSets(&candidateInput{
		Job:         job,
		Partition:   part,
		Excluded:    job.Details.ExcludedNodes,
		Usable:      usable,
		PowerDown:   powerDown,
		OutsideFlex: bitmap.New(n),
		Nodes:       nodes,
		N:           n,
	})
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, types.NewBoundaryError(types.CodeNodeNotAvail, types.ReasonWaitNodeNotAvail, "no nodes match constraints")
	}

	sharing := resolveSharing(part, job)

	min := job.Details.MinNodes
	max := job.Details.MaxNodes
	if max == 0 {
		max = min
	}
	req := min

	var featureGroups []FeatureGroup
	for _, g := range altGroups {
		if g.Bit != 0 && g.Count > 0 {
			featureGroups = append(featureGroups, FeatureGroup{Bit: g.Bit, Count: g.Count})
		}
	}

	return PickBestNodes(sets, job, min, max, req, false, job.PreemptionCandidates, idle, share, sharing, s.licenses, featureGroups)
}

func reservationUsable(job *types.Job, reservations []*types.Reservation, n int) *bitmap.Bitmap {
	for _, res := range reservations {
		if res.Name == job.Details.ReservationName {
			if res.Nodes != nil {
				return res.Nodes.Clone()
			}
		}
	}
	full := bitmap.New(n)
	for i := 0; i < n; i++ {
		full.Set(i)
	}
	return full
}

// allocateNodes implements the state transitions a successful selection
// emits: nodes move to ALLOC and their per-node run-job counters move, and
// the external collaborators are invoked before the job is replicated as
// RUNNING. It does not claim the job's licenses in the ledger and does not
// change any per-partition counter.
func (s *Scheduler) allocateNodes(job *types.Job, part *types.Partition, chosen *bitmap.Bitmap) error {
	for _, idx := range chosen.Bits() {
		node, err := s.nodeAt(idx)
		if err != nil {
			return err
		}
		node.BaseState = types.NodeBaseAlloc
		node.RunningJobs++
		if err := s.cluster.UpdateNode(node); err != nil {
			return fmt.Errorf("allocate node %s: %w", node.Name, err)
		}
	}

	if err := s.ports.ReservePorts(job, chosen); err != nil {
		return fmt.Errorf("reserve ports: %w", err)
	}
	if err := s.prolog.DispatchProlog(job, chosen); err != nil {
		return fmt.Errorf("dispatch prolog: %w", err)
	}

	job.State = types.JobStateRunning
	job.StateReason = ""
	job.AllocatedNodes = chosen
	job.StartTime = time.Now()
	if err := s.cluster.UpdateJob(job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	s.cluster.PublishEvent(&events.Event{
		Type:      events.EventJobAllocated,
		Timestamp: time.Now(),
		Message:   fmt.Sprintf("job %d allocated %d node(s)", job.ID, chosen.Count()),
	})
	return nil
}

func (s *Scheduler) nodeAt(idx int) (*types.Node, error) {
	nodes, err := s.cluster.Store().ListNodes()
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Index == idx {
			return n, nil
		}
	}
	return nil, fmt.Errorf("no node at index %d", idx)
}
