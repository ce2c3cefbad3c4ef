package scheduler

import (
	"github.com/cuemby/controllerd/pkg/bitmap"
	"github.com/cuemby/controllerd/pkg/types"
)

// FeatureGroup is a mandatory per-alternative node count PickBestNodes
// must enforce while accumulating avail (spec §4.3.2: XAND "exactly N
// nodes satisfying the atom", MOR "one atom whose N nodes are all
// homogeneous"). Bit must match a value some candidate NodeSet.FeatureBits
// carries; Count is always > 0 (unconstrained alternatives never produce
// a FeatureGroup, see scheduleAgainstPartition in scheduler.go).
type FeatureGroup struct {
	Bit   uint64
	Count int
}

// JobTester is the external collaborator pick_best_nodes hands a candidate
// bitmap to once it has accumulated enough nodes to try: the license
// ledger and consumable-resource checks live behind this interface so the
// selection loop itself stays free of them.
type JobTester interface {
	// TestJob validates that avail can host job under (min, max, req)
	// node-count constraints. testOnly distinguishes a real allocation attempt
	// from a dry run used only to populate "could this ever run" state.
	// On success it returns the chosen subset of avail.
	TestJob(job *types.Job, avail *bitmap.Bitmap, min, max, req int, testOnly bool, preemptees []uint32) (*bitmap.Bitmap, error)
}

// selectionError accumulates the precedence-ordered failure reasons
// pick_best_nodes can terminate with.
type selectionError struct {
	licensesUnavailable bool
	neverRunnable       bool
	nodeNotAvail        bool
	nodesBusy           bool
	reservationBusy     bool
}

// code returns the single most-specific BoundaryError for the failures
// observed, in the mandated precedence order.
func (e *selectionError) code() *types.BoundaryError {
	switch {
	case e.licensesUnavailable:
		return types.NewBoundaryError(types.CodeLicensesUnavailable, types.ReasonWaitLicenses, "")
	case e.neverRunnable:
		return types.NewBoundaryError(types.CodeNeverRunnable, types.ReasonFailBadConstraints, "")
	case e.nodeNotAvail:
		return types.NewBoundaryError(types.CodeNodeNotAvail, types.ReasonWaitNodeNotAvail, "")
	case e.nodesBusy:
		return types.NewBoundaryError(types.CodeNodesBusy, types.ReasonWaitResources, "")
	case e.reservationBusy:
		return types.NewBoundaryError(types.CodeReservationBusy, types.ReasonWaitReservation, "")
	default:
		return types.NewBoundaryError(types.CodeNodesBusy, types.ReasonWaitResources, "")
	}
}

// PickBestNodes walks sets in ascending sched_weight order, accumulating
// candidate nodes from the shareable or idle pool until there are enough
// to attempt the job, handing each attempt to tester. Preemption
// candidates are only offered on the final (widest) attempt so a job never
// preempts for lower-weight nodes when higher-weight ones would do.
func PickBestNodes(sets []*types.NodeSet, job *types.Job, min, max, req int, testOnly bool, preemptees []uint32, idle, share *bitmap.Bitmap, usingShare bool, tester JobTester, groups []FeatureGroup) (*bitmap.Bitmap, error) {
	n := idle.Len()
	if share != nil && share.Len() > n {
		n = share.Len()
	}

	avail := bitmap.New(n)
	if job.Details.RequestedNodes != nil {
		avail = avail.Or(job.Details.RequestedNodes)
	}

	total := bitmap.New(n)
	for _, s := range sets {
		total = total.Or(s.Nodes)
	}

	groupNodes := groupNodeBitmaps(sets, n)

	pool := idle
	if usingShare {
		pool = share
	}

	var selErr selectionError
	runnableEver := false

	for i, s := range sets {
		if s.Flags&types.NodeSetPowerDown != 0 {
			// power-down nodes never participate directly; the power-save
			// controller must resume them first.
			continue
		}
		avail = avail.Or(s.Nodes.And(pool))

		last := i == len(sets)-1
		if avail.Count() >= max || avail.Count() >= req || last {
			attempt, ok := restrictToFeatureGroups(avail, groupNodes, groups)
			if !ok {
				// Not enough nodes yet to satisfy every mandatory
				// alternative's count; keep accumulating.
				if last {
					selErr.nodeNotAvail = true
				}
				continue
			}
			var attemptPreemptees []uint32
			if last {
				attemptPreemptees = preemptees
			}
			chosen, err := tester.TestJob(job, attempt, min, max, req, testOnly, attemptPreemptees)
			if err == nil {
				return chosen, nil
			}
			classifySelectionError(err, &selErr)
		}
	}

	if total.Count() >= min {
		runnableEver = true
	}

	if !runnableEver {
		selErr.neverRunnable = true
	} else if !selErr.licensesUnavailable && !selErr.nodeNotAvail && !selErr.nodesBusy && !selErr.reservationBusy {
		selErr.nodesBusy = true
	}

	return nil, selErr.code()
}

// groupNodeBitmaps unions, per distinct FeatureBits value, the node
// membership of every set carrying it, so restrictToFeatureGroups can
// look up "which candidate nodes belong to alternative X" without
// re-walking sets on every accumulation step.
func groupNodeBitmaps(sets []*types.NodeSet, n int) map[uint64]*bitmap.Bitmap {
	out := make(map[uint64]*bitmap.Bitmap)
	for _, s := range sets {
		if s.FeatureBits == 0 {
			continue
		}
		if out[s.FeatureBits] == nil {
			out[s.FeatureBits] = bitmap.New(n)
		}
		out[s.FeatureBits] = out[s.FeatureBits].Or(s.Nodes)
	}
	return out
}

// restrictToFeatureGroups narrows avail to at most Count nodes per
// mandatory alternative group, leaving nodes outside every group
// untouched. It reports false if avail does not yet hold enough nodes for
// some group to be satisfiable at all, so the caller keeps accumulating
// rather than attempting (and failing) a test with too few.
func restrictToFeatureGroups(avail *bitmap.Bitmap, groupNodes map[uint64]*bitmap.Bitmap, groups []FeatureGroup) (*bitmap.Bitmap, bool) {
	if len(groups) == 0 {
		return avail, true
	}
	out := avail.Clone()
	for _, g := range groups {
		nodes, ok := groupNodes[g.Bit]
		if !ok {
			continue
		}
		inGroup := avail.And(nodes)
		if inGroup.Count() < g.Count {
			return nil, false
		}
		out = out.AndNot(nodes)
		kept := 0
		for _, idx := range inGroup.Bits() {
			if kept >= g.Count {
				break
			}
			out.Set(idx)
			kept++
		}
	}
	return out, true
}

func classifySelectionError(err error, sel *selectionError) {
	be, ok := err.(*types.BoundaryError)
	if !ok {
		sel.nodesBusy = true
		return
	}
	switch be.Code {
	case types.CodeLicensesUnavailable:
		sel.licensesUnavailable = true
	case types.CodeNeverRunnable:
		sel.neverRunnable = true
	case types.CodeNodeNotAvail:
		sel.nodeNotAvail = true
	case types.CodeReservationBusy:
		sel.reservationBusy = true
	default:
		sel.nodesBusy = true
	}
}
