package powersave

import (
	"github.com/cuemby/controllerd/pkg/bitmap"
	"github.com/cuemby/controllerd/pkg/types"
)

// ExclusionGroup names a set of nodes an operator wants protected from
// suspension, with an optional partial count (the "name:N" form). Count <=
// 0 excludes every member of the group.
type ExclusionGroup struct {
	Name    string
	Members []string
	Count   int
}

// BuildAvoidBitmap unions every node a suspend pass must never touch:
// partitions named in excludedPartitions in full, plus the first Count
// members of each ExclusionGroup, where currently-active nodes are counted
// before suspendable ones so an exclusion count never strands a busy node.
func BuildAvoidBitmap(byName map[string]*types.Node, groups []ExclusionGroup, excludedPartitions map[string]bool, partitions []*types.Partition, n int) *bitmap.Bitmap {
	avoid := bitmap.New(n)

	for _, p := range partitions {
		if excludedPartitions[p.Name] && p.Nodes != nil {
			avoid = avoid.Or(p.Nodes)
		}
	}

	for _, g := range groups {
		var active, suspendable []*types.Node
		for _, name := range g.Members {
			node := byName[name]
			if node == nil {
				continue
			}
			if isSuspendable(node) {
				suspendable = append(suspendable, node)
			} else {
				active = append(active, node)
			}
		}
		ordered := append(active, suspendable...)
		if g.Count <= 0 {
			for _, node := range ordered {
				avoid.Set(node.Index)
			}
			continue
		}
		for i, node := range ordered {
			if i >= g.Count {
				break
			}
			avoid.Set(node.Index)
		}
	}

	return avoid
}

// isSuspendable reports whether a node is idle or down and not already
// mid-transition, the same split the suspend candidate scan uses.
func isSuspendable(n *types.Node) bool {
	if n.IsCompleting() || n.IsPoweringUp() || n.IsPoweringDown() {
		return false
	}
	return n.BaseState == types.NodeBaseIdle || n.BaseState == types.NodeBaseDown
}
