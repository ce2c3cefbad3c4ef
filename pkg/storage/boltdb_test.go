package storage_test

import (
	"testing"

	"github.com/cuemby/controllerd/pkg/storage"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNodeCRUD(t *testing.T) {
	s := openStore(t)

	n := &types.Node{Name: "n1", CPUs: 4, BaseState: types.NodeBaseIdle}
	require.NoError(t, s.CreateNode(n))

	got, err := s.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.CPUs)

	n.CPUs = 8
	require.NoError(t, s.UpdateNode(n))
	got, _ = s.GetNode("n1")
	assert.Equal(t, 8, got.CPUs)

	nodes, err := s.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	require.NoError(t, s.DeleteNode("n1"))
	_, err = s.GetNode("n1")
	assert.Error(t, err)
}

func TestJobCRUD(t *testing.T) {
	s := openStore(t)

	j := &types.Job{ID: 42, State: types.JobStatePending}
	require.NoError(t, s.CreateJob(j))

	got, err := s.GetJob(42)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatePending, got.State)

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, s.DeleteJob(42))
	_, err = s.GetJob(42)
	assert.Error(t, err)
}

func TestLicenseCRUD(t *testing.T) {
	s := openStore(t)

	l := &types.LicenseEntry{Name: "matlab", Total: 10}
	require.NoError(t, s.CreateLicense(l))

	got, err := s.GetLicense("matlab")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Total)

	licenses, err := s.ListLicenses()
	require.NoError(t, err)
	assert.Len(t, licenses, 1)
}

func TestCARoundTrip(t *testing.T) {
	s := openStore(t)
	_, err := s.GetCA()
	assert.Error(t, err)

	require.NoError(t, s.SaveCA([]byte("pem-data")))
	data, err := s.GetCA()
	require.NoError(t, err)
	assert.Equal(t, []byte("pem-data"), data)
}
