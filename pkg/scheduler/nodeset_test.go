package scheduler

import (
	"testing"

	"github.com/cuemby/controllerd/pkg/bitmap"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plainNode(idx, cpus int, mem int64) *types.Node {
	return &types.Node{Index: idx, CPUs: cpus, RealMemory: mem, BaseState: types.NodeBaseIdle}
}

func TestBuildNodeSetsGroupsByCapacityAndSortsByWeight(t *testing.T) {
	nodes := []*types.Node{
		plainNode(0, 4, 1000),
		plainNode(1, 4, 1000),
		plainNode(2, 8, 2000),
	}
	n := 3
	part := &types.Partition{Name: "batch", Nodes: bitmap.FromBits(n, 0, 1, 2)}
	job := &types.Job{Details: &types.JobDetails{}}

	sets, _, err := buildNodeSets(&candidateInput{
		Job:         job,
		Partition:   part,
		Usable:      bitmap.FromBits(n, 0, 1, 2),
		PowerDown:   bitmap.New(n),
		OutsideFlex: bitmap.New(n),
		Nodes:       nodes,
		N:           n,
	})
	require.NoError(t, err)
	require.Len(t, sets, 2)

	counts := []int{sets[0].Nodes.Count(), sets[1].Nodes.Count()}
	assert.ElementsMatch(t, []int{2, 1}, counts)
	assert.LessOrEqual(t, sets[0].SchedWeight(), sets[1].SchedWeight())
}

func TestBuildNodeSetsRespectsFeatureExpr(t *testing.T) {
	n0 := plainNode(0, 4, 1000)
	n0.FeaturesActive = []string{"gpu"}
	n0.FeaturesAvailable = []string{"gpu"}
	n1 := plainNode(1, 4, 1000)

	nodes := []*types.Node{n0, n1}
	n := 2
	part := &types.Partition{Name: "gpu", Nodes: bitmap.FromBits(n, 0, 1)}
	job := &types.Job{Details: &types.JobDetails{FeatureExpr: "gpu"}}

	sets, _, err := buildNodeSets(&candidateInput{
		Job:         job,
		Partition:   part,
		Usable:      bitmap.FromBits(n, 0, 1),
		PowerDown:   bitmap.New(n),
		OutsideFlex: bitmap.New(n),
		Nodes:       nodes,
		N:           n,
	})
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.True(t, sets[0].Nodes.IsSet(0))
	assert.False(t, sets[0].Nodes.IsSet(1))
}

func TestBuildNodeSetsSeparatesPowerDownNodes(t *testing.T) {
	nodes := []*types.Node{plainNode(0, 4, 1000), plainNode(1, 4, 1000)}
	nodes[1].Flags |= types.NodeFlagPoweredDown
	n := 2
	part := &types.Partition{Name: "batch", Nodes: bitmap.FromBits(n, 0, 1)}
	job := &types.Job{Details: &types.JobDetails{}}

	sets, _, err := buildNodeSets(&candidateInput{
		Job:         job,
		Partition:   part,
		Usable:      bitmap.FromBits(n, 0, 1),
		PowerDown:   bitmap.FromBits(n, 1),
		OutsideFlex: bitmap.New(n),
		Nodes:       nodes,
		N:           n,
	})
	require.NoError(t, err)
	require.Len(t, sets, 2)

	var sawPowerDown bool
	for _, s := range sets {
		if s.Flags&types.NodeSetPowerDown != 0 {
			sawPowerDown = true
			assert.True(t, s.Nodes.IsSet(1))
		}
	}
	assert.True(t, sawPowerDown)
}
