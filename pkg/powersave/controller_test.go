package powersave_test

import (
	"testing"
	"time"

	"github.com/cuemby/controllerd/pkg/bitmap"
	"github.com/cuemby/controllerd/pkg/clusterstate"
	"github.com/cuemby/controllerd/pkg/powersave"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	resumes  []powersave.ResumePayload
	suspends [][]string
	fails    [][]string
}

func (f *fakeRunner) RunResume(p powersave.ResumePayload, results chan<- powersave.ScriptResult) {
	f.resumes = append(f.resumes, p)
	results <- powersave.ScriptResult{Kind: powersave.ScriptKindResume, Nodes: p.AllNodesResume}
}

func (f *fakeRunner) RunSuspend(nodes []string, results chan<- powersave.ScriptResult) {
	f.suspends = append(f.suspends, nodes)
	results <- powersave.ScriptResult{Kind: powersave.ScriptKindSuspend, Nodes: nodes}
}

func (f *fakeRunner) RunResumeFail(nodes []string, results chan<- powersave.ScriptResult) {
	f.fails = append(f.fails, nodes)
	results <- powersave.ScriptResult{Kind: powersave.ScriptKindResumeFail, Nodes: nodes}
}

func newPowerCluster(t *testing.T, addr string) *clusterstate.ClusterState {
	t.Helper()
	cs, err := clusterstate.New(&clusterstate.Config{NodeID: addr, BindAddr: addr, DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Shutdown() })
	require.NoError(t, cs.Bootstrap())
	require.Eventually(t, cs.IsLeader, 2*time.Second, 10*time.Millisecond)
	return cs
}

func TestCycleSuspendsIdleNodePastSuspendTime(t *testing.T) {
	cs := newPowerCluster(t, "127.0.0.1:18460")
	require.NoError(t, cs.CreateNode(&types.Node{
		Name: "n1", Index: 0, BaseState: types.NodeBaseIdle,
		LastBusy: time.Now().Add(-time.Hour),
	}))

	runner := &fakeRunner{}
	c := powersave.New(cs, powersave.Config{
		SuspendTime: time.Minute,
		SuspendRate: 60,
		PowerSaveInterval: time.Minute,
	}, runner)

	require.NoError(t, c.Cycle())

	node, err := cs.Store().GetNode("n1")
	require.NoError(t, err)
	require.True(t, node.IsPoweringDown())
	require.False(t, node.Flags.Has(types.NodeFlagPowerDown))
	require.Len(t, runner.suspends, 1)
	require.Equal(t, []string{"n1"}, runner.suspends[0])
}

func TestCycleSkipsRecentlyBusyNode(t *testing.T) {
	cs := newPowerCluster(t, "127.0.0.1:18461")
	require.NoError(t, cs.CreateNode(&types.Node{
		Name: "n1", Index: 0, BaseState: types.NodeBaseIdle,
		LastBusy: time.Now(),
	}))

	runner := &fakeRunner{}
	c := powersave.New(cs, powersave.Config{
		SuspendTime: time.Hour,
		SuspendRate: 60,
		PowerSaveInterval: time.Minute,
	}, runner)

	require.NoError(t, c.Cycle())

	node, err := cs.Store().GetNode("n1")
	require.NoError(t, err)
	require.False(t, node.IsPoweringDown())
	require.Empty(t, runner.suspends)
}

func TestCycleResumesPoweredDownNodeAllocatedToRunningJob(t *testing.T) {
	cs := newPowerCluster(t, "127.0.0.1:18462")
	require.NoError(t, cs.CreateNode(&types.Node{
		Name: "n1", Index: 0, BaseState: types.NodeBaseAlloc,
		Flags: types.NodeFlagPoweredDown,
	}))
	require.NoError(t, cs.CreateJob(&types.Job{
		ID:    1,
		State: types.JobStateRunning,
		Details: &types.JobDetails{MinNodes: 1, MaxNodes: 1, FeatureExpr: "gpu"},
		AllocatedNodes: bitmap.FromBits(1, 0),
	}))

	runner := &fakeRunner{}
	c := powersave.New(cs, powersave.Config{
		ResumeRate: 60,
		PowerSaveInterval: time.Minute,
	}, runner)

	require.NoError(t, c.Cycle())

	node, err := cs.Store().GetNode("n1")
	require.NoError(t, err)
	require.True(t, node.IsPoweringUp())
	require.False(t, node.IsPoweredDown())
	require.Len(t, runner.resumes, 1)
	require.Equal(t, []string{"n1"}, runner.resumes[0].AllNodesResume)
	require.Len(t, runner.resumes[0].Jobs, 1)
	require.Equal(t, []string{"n1"}, runner.resumes[0].Jobs[0].NodesAlloc, "nodes_alloc must carry the job's full allocation, not just the woken subset")
	require.Equal(t, "gpu", runner.resumes[0].Jobs[0].Features)
}

func TestCycleFinalizesSuspendPastTimeout(t *testing.T) {
	cs := newPowerCluster(t, "127.0.0.1:18463")
	require.NoError(t, cs.CreateNode(&types.Node{
		Name: "n1", Index: 0, BaseState: types.NodeBaseIdle,
		Flags:            types.NodeFlagPoweringDown,
		PowerSaveReqTime: time.Now().Add(-time.Hour),
	}))

	c := powersave.New(cs, powersave.Config{
		SuspendTimeout:    time.Minute,
		PowerSaveInterval: time.Minute,
	}, &fakeRunner{})

	require.NoError(t, c.Cycle())

	node, err := cs.Store().GetNode("n1")
	require.NoError(t, err)
	require.True(t, node.IsPoweredDown())
	require.False(t, node.IsPoweringDown())
}

func TestCycleFailsResumeTimeoutStillNoResponding(t *testing.T) {
	cs := newPowerCluster(t, "127.0.0.1:18464")
	require.NoError(t, cs.CreateNode(&types.Node{
		Name: "n1", Index: 0, BaseState: types.NodeBaseAlloc,
		Flags:       types.NodeFlagPoweringUp | types.NodeFlagNoRespond,
		BootReqTime: time.Now().Add(-time.Hour),
	}))

	runner := &fakeRunner{}
	c := powersave.New(cs, powersave.Config{
		ResumeTimeout:     time.Minute,
		PowerSaveInterval: time.Minute,
	}, runner)

	require.NoError(t, c.Cycle())

	node, err := cs.Store().GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeBaseDown, node.BaseState)
	require.False(t, node.IsPoweringUp())
	require.Len(t, runner.fails, 1)
}
