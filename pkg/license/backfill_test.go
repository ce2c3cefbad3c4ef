package license

import (
	"testing"

	"github.com/cuemby/controllerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackfillSeedsFromTotalOrOccupancy(t *testing.T) {
	entries := []*types.LicenseEntry{{Name: "matlab", Total: 10, Used: 4}}

	fromTotal := NewBackfill(entries, false)
	avail, err := fromTotal.Available(&types.Job{Details: &types.JobDetails{LicenseRequest: "matlab"}})
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail["matlab"])

	fromOccupancy := NewBackfill(entries, true)
	avail2, err := fromOccupancy.Available(&types.Job{Details: &types.JobDetails{LicenseRequest: "matlab"}})
	require.NoError(t, err)
	assert.Equal(t, int64(6), avail2["matlab"])
}

func TestBackfillDeductDrainsReservationBeforeGlobalPool(t *testing.T) {
	b := NewBackfill([]*types.LicenseEntry{{Name: "matlab", Total: 10}}, false)
	b.TransferToReservation("matlab", "res1", 3)

	job := &types.Job{Details: &types.JobDetails{LicenseRequest: "matlab:2", ReservationName: "res1"}}
	ok, err := b.Deduct(job)
	require.NoError(t, err)
	require.True(t, ok)

	avail, err := b.Available(job)
	require.NoError(t, err)
	assert.Equal(t, int64(1+7), avail["matlab"], "reservation bucket drained first, global pool untouched")
}

func TestBackfillDeductFailsWithoutMutatingOnInsufficientSupply(t *testing.T) {
	b := NewBackfill([]*types.LicenseEntry{{Name: "matlab", Total: 1}}, false)
	job := &types.Job{Details: &types.JobDetails{LicenseRequest: "matlab:5"}}

	ok, err := b.Deduct(job)
	require.NoError(t, err)
	assert.False(t, ok)

	avail, err := b.Available(job)
	require.NoError(t, err)
	assert.Equal(t, int64(1), avail["matlab"])
}

func TestBackfillEqual(t *testing.T) {
	a := NewBackfill([]*types.LicenseEntry{{Name: "matlab", Total: 5}}, false)
	b := NewBackfill([]*types.LicenseEntry{{Name: "matlab", Total: 5}}, false)
	assert.True(t, Equal(a, b))

	_, _ = a.Deduct(&types.Job{Details: &types.JobDetails{LicenseRequest: "matlab:1"}})
	assert.False(t, Equal(a, b))
}
