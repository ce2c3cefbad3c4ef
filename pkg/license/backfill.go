package license

import "github.com/cuemby/controllerd/pkg/types"

// Backfill is a per-backfill-pass ledger seeded from the main ledger,
// either at `total` (when running jobs' licenses will be re-examined) or
// `total - used` (when simulating from current occupancy). Lookup by
// (name, reservation) is unique; Remaining is monotone-non-increasing
// through a pass unless licenses return via a simulated job completion.
type Backfill struct {
	entries map[backfillKey]*types.BackfillEntry
}

type backfillKey struct {
	name        string
	reservation string
}

// NewBackfill seeds a Backfill from entries. If fromOccupancy is true,
// each entry's remaining starts at total-used instead of total.
func NewBackfill(entries []*types.LicenseEntry, fromOccupancy bool) *Backfill {
	b := &Backfill{entries: make(map[backfillKey]*types.BackfillEntry, len(entries))}
	for _, e := range entries {
		remaining := e.Total
		if fromOccupancy {
			remaining -= e.Used
			if remaining < 0 {
				remaining = 0
			}
		}
		key := backfillKey{name: e.Name}
		b.entries[key] = &types.BackfillEntry{Name: e.Name, Remaining: remaining}
	}
	return b
}

// Deduct consumes job's requested licenses, draining a per-reservation
// bucket first (if job.Details.ReservationName names one already seeded
// into this ledger) and falling back to the global pool. It returns false
// without mutating state if the pool cannot satisfy the request.
func (b *Backfill) Deduct(job *types.Job) (bool, error) {
	reqs, err := Parse(job.Details.LicenseRequest)
	if err != nil {
		return false, err
	}

	// Validate first so a partial deduction never happens.
	for _, r := range reqs {
		if b.available(r.Name, job.Details.ReservationName) < r.Count {
			return false, nil
		}
	}

	for _, r := range reqs {
		b.deductOne(r.Name, job.Details.ReservationName, r.Count)
	}
	return true, nil
}

func (b *Backfill) available(name, reservation string) int64 {
	total := int64(0)
	if reservation != "" {
		if e, ok := b.entries[backfillKey{name: name, reservation: reservation}]; ok {
			total += e.Remaining
		}
	}
	if e, ok := b.entries[backfillKey{name: name}]; ok {
		total += e.Remaining
	}
	return total
}

func (b *Backfill) deductOne(name, reservation string, count int64) {
	if reservation != "" {
		if e, ok := b.entries[backfillKey{name: name, reservation: reservation}]; ok {
			take := min64(e.Remaining, count)
			e.Remaining -= take
			count -= take
		}
	}
	if count <= 0 {
		return
	}
	if e, ok := b.entries[backfillKey{name: name}]; ok {
		e.Remaining -= count
		if e.Remaining < 0 {
			e.Remaining = 0
		}
	}
}

// TransferToReservation moves count units of name from the global pool
// into a per-reservation bucket, creating the bucket if needed.
func (b *Backfill) TransferToReservation(name, reservation string, count int64) {
	global, ok := b.entries[backfillKey{name: name}]
	if !ok {
		return
	}
	take := min64(global.Remaining, count)
	global.Remaining -= take

	key := backfillKey{name: name, reservation: reservation}
	e, ok := b.entries[key]
	if !ok {
		e = &types.BackfillEntry{Name: name, Reservation: reservation}
		b.entries[key] = e
	}
	e.Remaining += take
}

// Available reports how many units of job's requested licenses remain,
// per license name.
func (b *Backfill) Available(job *types.Job) (map[string]int64, error) {
	reqs, err := Parse(job.Details.LicenseRequest)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(reqs))
	for _, r := range reqs {
		out[r.Name] = b.available(r.Name, job.Details.ReservationName)
	}
	return out, nil
}

// Equal reports whether a and b have identical remaining counts for every
// entry either one holds.
func Equal(a, bb *Backfill) bool {
	if len(a.entries) != len(bb.entries) {
		return false
	}
	for k, v := range a.entries {
		other, ok := bb.entries[k]
		if !ok || other.Remaining != v.Remaining {
			return false
		}
	}
	return true
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
