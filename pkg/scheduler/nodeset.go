package scheduler

import (
	"sort"

	"github.com/cuemby/controllerd/pkg/bitmap"
	"github.com/cuemby/controllerd/pkg/types"
)

// candidateInput is everything node-set construction needs about one
// scheduling attempt.
type candidateInput struct {
	Job           *types.Job
	Partition     *types.Partition
	Excluded      *bitmap.Bitmap // job's excluded-node set
	Usable        *bitmap.Bitmap // reservation-derived usable-node set
	PowerDown     *bitmap.Bitmap // cluster-wide powered-down nodes
	OutsideFlex   *bitmap.Bitmap // nodes outside a flexible reservation the job could still use at a penalty
	TRESPenalized *bitmap.Bitmap // nodes that would exceed a user/account/group TRES-node limit
	Nodes         []*types.Node  // all nodes, indexed by Node.Index
	N             int            // arena size, for fresh bitmaps
}

// buildNodeSets implements the node-set construction procedure: candidate
// nodes are grouped so that every set is homogeneous in (cpus, memory,
// weight, feature vector), flagged for reboot/outside-flex/power-down, and
// sorted ascending by sched_weight.
func buildNodeSets(in *candidateInput) ([]*types.NodeSet, []AltGroup, error) {
	_, avail, groups, err := evalFeatureExpr(in.Job.Details.FeatureExpr, in.Nodes, in.N)
	if err != nil {
		return nil, nil, err
	}

	// Map every node to the bitwise-OR of the exclusive-alternative groups
	// it belongs to (0 if the expression defines none, or the node isn't
	// in any bracket-scoped alternative), so feature heterogeneity from
	// MOR/XAND splits the grouping key exactly like cpus/memory/weight do
	// (spec §4.3.1 step 2).
	nodeBit := make(map[int]uint64)
	for _, g := range groups {
		if g.Bit == 0 || g.Avail == nil {
			continue
		}
		for _, idx := range g.Avail.Bits() {
			nodeBit[idx] |= g.Bit
		}
	}

	base := in.Partition.Nodes.Clone()
	if in.Usable != nil {
		base = base.And(in.Usable)
	}
	if in.Excluded != nil {
		base = base.AndNot(in.Excluded)
	}
	base = base.And(avail)

	// Group the filtered candidate set by (cpus, memory, weight, feature
	// bits). base only contains nodes that satisfy the whole expression;
	// the feature-bits component of the key further splits nodes by which
	// exclusive alternative (if any) they satisfy.
	type bucketKey struct {
		cpus, mem, weight int
		featureBits       uint64
	}
	buckets := make(map[bucketKey]*bitmap.Bitmap)
	for _, idx := range base.Bits() {
		node := in.Nodes[idx]
		if node == nil {
			continue
		}
		key := bucketKey{cpus: node.CPUs, mem: int(node.RealMemory), weight: nodeWeight(node), featureBits: nodeBit[idx]}
		if buckets[key] == nil {
			buckets[key] = bitmap.New(in.N)
		}
		buckets[key].Set(idx)
	}

	var sets []*types.NodeSet
	for key, bits := range buckets {
		for _, s := range splitBucket(bits, key.cpus, int64(key.mem), key.weight, in) {
			s.FeatureBits = key.featureBits
			sets = append(sets, s)
		}
	}

	sort.SliceStable(sets, func(i, j int) bool { return sets[i].SchedWeight() < sets[j].SchedWeight() })
	return sets, groups, nil
}

// splitBucket realizes step 3-5 of node-set construction: a homogeneous
// bucket is split into up to several sub-sets carrying reboot, outside-flex
// and power-down flags, since those are not part of the grouping key but
// still must not mix within a set.
func splitBucket(bits *bitmap.Bitmap, cpus int, mem int64, weight int, in *candidateInput) []*types.NodeSet {
	powerDown := bitmap.New(in.N)
	rest := bits.Clone()
	if in.PowerDown != nil {
		powerDown = bits.And(in.PowerDown)
		rest = bits.AndNot(in.PowerDown)
	}

	var out []*types.NodeSet
	for _, sub := range splitByFlag(rest, in.OutsideFlex, types.NodeSetOutsideFlex) {
		for _, leaf := range splitByReboot(sub.bits, in.Nodes, sub.flags) {
			w := weight
			if in.TRESPenalized != nil && leaf.bits.And(in.TRESPenalized).Count() > 0 {
				w++
			}
			out = append(out, &types.NodeSet{
				CPUsPerNode: cpus,
				RealMemory:  mem,
				Weight:      w,
				Nodes:       leaf.bits,
				Flags:       leaf.flags,
			})
		}
	}

	if powerDown.Count() > 0 {
		out = append(out, &types.NodeSet{
			CPUsPerNode: cpus,
			RealMemory:  mem,
			Weight:      weight,
			Nodes:       powerDown,
			Flags:       types.NodeSetPowerDown,
		})
	}
	return out
}

type flaggedBitmap struct {
	bits  *bitmap.Bitmap
	flags types.NodeSetFlag
}

func splitByFlag(bits, marker *bitmap.Bitmap, flag types.NodeSetFlag) []flaggedBitmap {
	if marker == nil || marker.Empty() {
		return []flaggedBitmap{{bits: bits, flags: 0}}
	}
	inFlag := bits.And(marker)
	outFlag := bits.AndNot(marker)
	var out []flaggedBitmap
	if outFlag.Count() > 0 {
		out = append(out, flaggedBitmap{bits: outFlag, flags: 0})
	}
	if inFlag.Count() > 0 {
		out = append(out, flaggedBitmap{bits: inFlag, flags: flag})
	}
	return out
}

// splitByReboot separates nodes carrying the REBOOT_REQUESTED flag from
// the rest. It does not look at whether a node has the expression's
// features only in its available list and not in its active one; such a
// node lands in a set without the reboot flag.
func splitByReboot(bits *bitmap.Bitmap, nodes []*types.Node, carry types.NodeSetFlag) []flaggedBitmap {
	reboot := bitmap.New(bits.Len())
	ready := bitmap.New(bits.Len())
	for _, idx := range bits.Bits() {
		if nodes[idx] != nil && nodes[idx].Flags.Has(types.NodeFlagRebootRequested) {
			reboot.Set(idx)
		} else {
			ready.Set(idx)
		}
	}
	var out []flaggedBitmap
	if ready.Count() > 0 {
		out = append(out, flaggedBitmap{bits: ready, flags: carry})
	}
	if reboot.Count() > 0 {
		out = append(out, flaggedBitmap{bits: reboot, flags: carry | types.NodeSetReboot})
	}
	return out
}

func nodeWeight(n *types.Node) int {
	// Weight is a configured per-node scheduling priority; nodes don't
	// carry one directly in the data model and no override is applied
	// before grouping, so every node's weight is zero.
	return 0
}

// evalFeatureExpr parses and evaluates expr against the candidate pool,
// producing cluster-sized active/avail bitmaps plus any bracket-scoped
// XAND/MOR alternative groups the expression defines (expr.go's
// collectAltGroups). An empty expression matches every node and defines
// no alternatives.
func evalFeatureExpr(expr string, nodes []*types.Node, n int) (active, avail *bitmap.Bitmap, groups []AltGroup, err error) {
	if expr == "" {
		full := bitmap.New(n)
		for _, node := range nodes {
			full.Set(node.Index)
		}
		return full, full, nil, nil
	}
	parsed, err := ParseFeatureExpr(expr)
	if err != nil {
		return nil, nil, nil, err
	}
	active, avail, err = parsed.Eval(nodes, n)
	if err != nil {
		return nil, nil, nil, err
	}
	groups, err = collectAltGroups(parsed, nodes, n)
	if err != nil {
		return nil, nil, nil, err
	}
	return active, avail, groups, nil
}
