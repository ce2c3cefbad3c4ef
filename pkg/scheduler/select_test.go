package scheduler

import (
	"testing"

	"github.com/cuemby/controllerd/pkg/bitmap"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTester struct {
	succeedAt int // attempt index (call count) at which TestJob succeeds, -1 never
	calls     int
	lastErr   *types.BoundaryError
}

func (f *fakeTester) TestJob(job *types.Job, avail *bitmap.Bitmap, min, max, req int, testOnly bool, preemptees []uint32) (*bitmap.Bitmap, error) {
	defer func() { f.calls++ }()
	if f.succeedAt == f.calls {
		return avail, nil
	}
	if f.lastErr != nil {
		return nil, f.lastErr
	}
	return nil, types.NewBoundaryError(types.CodeNodesBusy, types.ReasonWaitResources, "")
}

func job(min, max int) *types.Job {
	return &types.Job{ID: 1, Details: &types.JobDetails{MinNodes: min, MaxNodes: max}}
}

func TestPickBestNodesSucceedsOnFirstSufficientSet(t *testing.T) {
	idle := bitmap.FromBits(4, 0, 1, 2, 3)
	share := bitmap.New(4)

	sets := []*types.NodeSet{
		{Nodes: bitmap.FromBits(4, 0, 1), Weight: 1},
		{Nodes: bitmap.FromBits(4, 2, 3), Weight: 2},
	}

	tester := &fakeTester{succeedAt: 0}
	chosen, err := PickBestNodes(sets, job(2, 2), 2, 2, 2, false, nil, idle, share, false, tester, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, chosen.Count())
	assert.Equal(t, 1, tester.calls)
}

func TestPickBestNodesReturnsNeverRunnableWhenTotalBelowMin(t *testing.T) {
	idle := bitmap.FromBits(4, 0, 1)
	share := bitmap.New(4)

	sets := []*types.NodeSet{
		{Nodes: bitmap.FromBits(4, 0, 1), Weight: 1},
	}

	tester := &fakeTester{succeedAt: -1}
	_, err := PickBestNodes(sets, job(4, 4), 4, 4, 4, false, nil, idle, share, false, tester, nil)
	require.Error(t, err)
	be, ok := err.(*types.BoundaryError)
	require.True(t, ok)
	assert.Equal(t, types.CodeNeverRunnable, be.Code)
}

func TestPickBestNodesPropagatesLicensesUnavailableOverNodesBusy(t *testing.T) {
	idle := bitmap.FromBits(4, 0, 1, 2, 3)
	share := bitmap.New(4)

	sets := []*types.NodeSet{
		{Nodes: bitmap.FromBits(4, 0, 1), Weight: 1},
		{Nodes: bitmap.FromBits(4, 2, 3), Weight: 2},
	}

	tester := &fakeTester{succeedAt: -1, lastErr: types.NewBoundaryError(types.CodeLicensesUnavailable, types.ReasonWaitLicenses, "")}
	_, err := PickBestNodes(sets, job(4, 4), 4, 4, 4, false, nil, idle, share, false, tester, nil)
	require.Error(t, err)
	be, ok := err.(*types.BoundaryError)
	require.True(t, ok)
	assert.Equal(t, types.CodeLicensesUnavailable, be.Code)
}

// TestPickBestNodesRejectsAllGpuForXANDBracket is end-to-end scenario 2:
// nodes n1,n2 carry "gpu", n3,n4 carry "fpga"; a job requesting
// "[gpu*1|fpga*1]" over 2 nodes must be allocated exactly one of
// {n1,n2} plus one of {n3,n4} — an all-gpu or all-fpga pair must never
// reach the tester.
func TestPickBestNodesRejectsAllGpuForXANDBracket(t *testing.T) {
	nodes := []*types.Node{
		nodeAtIdx(0, []string{"gpu"}, []string{"gpu"}, nil),
		nodeAtIdx(1, []string{"gpu"}, []string{"gpu"}, nil),
		nodeAtIdx(2, []string{"fpga"}, []string{"fpga"}, nil),
		nodeAtIdx(3, []string{"fpga"}, []string{"fpga"}, nil),
	}
	n := 4
	part := &types.Partition{Name: "hybrid", Nodes: bitmap.FromBits(n, 0, 1, 2, 3)}
	j := &types.Job{Details: &types.JobDetails{FeatureExpr: "[gpu*1|fpga*1]", MinNodes: 2, MaxNodes: 2}}

	sets, groups, err := buildNodeSets(&candidateInput{
		Job:         j,
		Partition:   part,
		Usable:      bitmap.FromBits(n, 0, 1, 2, 3),
		PowerDown:   bitmap.New(n),
		OutsideFlex: bitmap.New(n),
		Nodes:       nodes,
		N:           n,
	})
	require.NoError(t, err)
	require.Len(t, sets, 2, "gpu and fpga nodes must land in distinct feature-bit sets")

	var featureGroups []FeatureGroup
	for _, g := range groups {
		if g.Bit != 0 && g.Count > 0 {
			featureGroups = append(featureGroups, FeatureGroup{Bit: g.Bit, Count: g.Count})
		}
	}
	require.Len(t, featureGroups, 2)

	idle := bitmap.FromBits(n, 0, 1, 2, 3)
	share := bitmap.New(n)
	tester := &fakeTester{succeedAt: 0}

	chosen, err := PickBestNodes(sets, j, 2, 2, 2, false, nil, idle, share, false, tester, featureGroups)
	require.NoError(t, err)
	assert.Equal(t, 2, chosen.Count())

	gpuCount := 0
	fpgaCount := 0
	if chosen.IsSet(0) {
		gpuCount++
	}
	if chosen.IsSet(1) {
		gpuCount++
	}
	if chosen.IsSet(2) {
		fpgaCount++
	}
	if chosen.IsSet(3) {
		fpgaCount++
	}
	assert.Equal(t, 1, gpuCount, "exactly one gpu node, never both or neither")
	assert.Equal(t, 1, fpgaCount, "exactly one fpga node, never both or neither")
}

func TestPickBestNodesSkipsPowerDownSets(t *testing.T) {
	idle := bitmap.FromBits(2, 0, 1)
	share := bitmap.New(2)

	sets := []*types.NodeSet{
		{Nodes: bitmap.FromBits(2, 0), Flags: types.NodeSetPowerDown},
		{Nodes: bitmap.FromBits(2, 1)},
	}

	tester := &fakeTester{succeedAt: 0}
	chosen, err := PickBestNodes(sets, job(1, 1), 1, 1, 1, false, nil, idle, share, false, tester, nil)
	require.NoError(t, err)
	assert.True(t, chosen.IsSet(1))
	assert.False(t, chosen.IsSet(0))
}
