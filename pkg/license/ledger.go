package license

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/controllerd/pkg/bitmap"
	"github.com/cuemby/controllerd/pkg/clusterstate"
	"github.com/cuemby/controllerd/pkg/log"
	"github.com/cuemby/controllerd/pkg/metrics"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/rs/zerolog"
)

// TestStatus is the outcome of job_test against the ledger.
type TestStatus int

const (
	StatusOK TestStatus = iota
	StatusEAGAIN
	StatusErr
)

// Ledger tracks cluster-wide counted resources (C2): local entries
// declared in configuration, and remote entries mirrored from a
// federation database. All operations serialize on a single mutex, the
// same discipline the license ledger's "pack for RPC runs under this
// mutex" rule describes.
type Ledger struct {
	mu      sync.Mutex
	cluster *clusterstate.ClusterState
	logger  zerolog.Logger
}

// New creates a Ledger backed by cluster's replicated license table.
func New(cluster *clusterstate.ClusterState) *Ledger {
	return &Ledger{cluster: cluster, logger: log.WithComponent("license")}
}

// Validate parses req and resolves each name against the ledger. If
// mustExist is false, unknown names are silently dropped rather than
// rejected.
func (l *Ledger) Validate(req string, mustExist bool) ([]Request, error) {
	parsed, err := Parse(req)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Request, 0, len(parsed))
	for _, r := range parsed {
		_, err := l.cluster.Store().GetLicense(r.Name)
		if err != nil {
			if mustExist {
				return nil, fmt.Errorf("license: unknown license %q", r.Name)
			}
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// JobGet atomically increments used for each license job.Details requests.
// If a backing entry is missing, the call logs and returns an error but
// keeps whatever partial effect already landed — mirroring the ledger's
// "logs and returns error but keeps partial effect" contract.
func (l *Ledger) JobGet(job *types.Job) error {
	return l.jobGet(job, false)
}

// RestoreJob replays the license acquisition of a job recovered from
// persisted state (a RUNNING job the control daemon did not itself just
// schedule, found on startup or snapshot restore). It increments used
// exactly as JobGet does, and additionally decrements last_deficit on
// every remote entry it touches by the restored amount, saturating at
// zero: the federation side's last_consumed already reflects this job's
// share, so replaying it locally must not double-count it into the
// deficit that job_test adds on top of used.
func (l *Ledger) RestoreJob(job *types.Job) error {
	return l.jobGet(job, true)
}

func (l *Ledger) jobGet(job *types.Job, restoring bool) error {
	reqs, err := Parse(job.Details.LicenseRequest)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, r := range reqs {
		entry, err := l.cluster.Store().GetLicense(r.Name)
		if err != nil {
			l.logger.Error().Str("license", r.Name).Msg("job_get: unknown license entry")
			if firstErr == nil {
				firstErr = fmt.Errorf("license: unknown license %q", r.Name)
			}
			continue
		}
		entry.Used += r.Count
		if restoring && entry.Remote != types.LicenseLocal {
			entry.LastDeficit -= r.Count
			if entry.LastDeficit < 0 {
				entry.LastDeficit = 0
			}
		}
		entry.LastUpdate = time.Now()
		if err := l.cluster.UpdateLicense(entry); err != nil {
			return err
		}
		metrics.LicensesInUse.WithLabelValues(entry.Name).Set(float64(entry.Used))
	}
	return firstErr
}

// JobReturn decrements used by the amount job.Details previously
// requested; underflow saturates at zero and logs.
func (l *Ledger) JobReturn(job *types.Job) error {
	reqs, err := Parse(job.Details.LicenseRequest)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range reqs {
		entry, err := l.cluster.Store().GetLicense(r.Name)
		if err != nil {
			continue
		}
		if entry.Used < r.Count {
			l.logger.Warn().Str("license", r.Name).Msg("job_return: used underflow, saturating at zero")
			entry.Used = 0
		} else {
			entry.Used -= r.Count
		}
		entry.LastUpdate = time.Now()
		if err := l.cluster.UpdateLicense(entry); err != nil {
			return err
		}
		metrics.LicensesInUse.WithLabelValues(entry.Name).Set(float64(entry.Used))
	}
	return nil
}

// JobTest conservatively estimates whether job can run now, ever, or must
// wait, per license. advanceReservationShare accounts for the share an
// advance reservation starting at `when` would carve out; this core
// charges it as zero since reservation share accounting lives with C1's
// reservation table, not the ledger (see DESIGN.md).
func (l *Ledger) JobTest(job *types.Job, when time.Time, rebootNeeded bool) (TestStatus, error) {
	reqs, err := Parse(job.Details.LicenseRequest)
	if err != nil {
		return StatusErr, err
	}
	if len(reqs) == 0 {
		return StatusOK, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range reqs {
		entry, err := l.cluster.Store().GetLicense(r.Name)
		if err != nil {
			return StatusErr, fmt.Errorf("license: unknown license %q", r.Name)
		}
		if entry.Total < r.Count {
			return StatusErr, nil
		}
		effectiveUsed := entry.Used + entry.LastDeficit
		if entry.Total < r.Count+effectiveUsed {
			return StatusEAGAIN, nil
		}
	}
	return StatusOK, nil
}

// TestJob adapts the ledger to scheduler.JobTester: it runs JobTest
// against the job's license request and, if licenses allow it, selects
// the first min..max nodes of avail. Per-node consumable-resource
// accounting (CPUs/memory per allocated node) is the job of a separate
// consumable-resource plugin this core does not implement; see
// DESIGN.md.
func (l *Ledger) TestJob(job *types.Job, avail *bitmap.Bitmap, min, max, req int, testOnly bool, preemptees []uint32) (*bitmap.Bitmap, error) {
	status, err := l.JobTest(job, time.Now(), job.Details.RebootRequested)
	if err != nil {
		return nil, err
	}
	switch status {
	case StatusEAGAIN:
		return nil, types.NewBoundaryError(types.CodeLicensesUnavailable, types.ReasonWaitLicenses, "")
	case StatusErr:
		return nil, types.NewBoundaryError(types.CodeLicensesUnavailable, types.ReasonFailBadConstraints, "requested license exceeds total")
	}

	if avail.Count() < min {
		return nil, types.NewBoundaryError(types.CodeNodesBusy, types.ReasonWaitResources, "")
	}

	want := req
	if want < min {
		want = min
	}
	if max > 0 && want > max {
		want = max
	}

	chosen := bitmap.New(avail.Len())
	count := 0
	for _, idx := range avail.Bits() {
		if count >= want {
			break
		}
		chosen.Set(idx)
		count++
	}

	if testOnly {
		return chosen, nil
	}
	if err := l.JobGet(job); err != nil {
		return nil, err
	}
	return chosen, nil
}

// SyncRemote reconciles remote entries against a federation-delivered
// list: every remote entry is marked stale, entries present in list are
// refreshed and flipped to fresh, and any entry still stale afterward is
// deleted.
func (l *Ledger) SyncRemote(list []RemoteUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.cluster.Store().ListLicenses()
	if err != nil {
		return err
	}

	stale := make(map[string]*types.LicenseEntry)
	for _, e := range entries {
		if e.Remote != types.LicenseLocal {
			stale[e.Name] = e
		}
	}

	for _, u := range list {
		entry, ok := stale[u.Name]
		if !ok {
			entry = &types.LicenseEntry{Name: u.Name}
		}
		localTotal := u.LocalTotal()
		externalShare := u.Count - localTotal
		deficit := u.LastConsumed - externalShare - entry.Used
		if deficit < 0 {
			deficit = 0
		}

		entry.Total = localTotal
		entry.LastConsumed = u.LastConsumed
		entry.LastDeficit = deficit
		entry.Remote = types.LicenseRemoteFresh
		entry.LastUpdate = time.Now()

		if err := l.cluster.UpdateLicense(entry); err != nil {
			return err
		}
		delete(stale, u.Name)
	}

	for name := range stale {
		if err := l.cluster.DeleteLicense(name); err != nil {
			return err
		}
	}
	return nil
}

// RemoteUpdate is one federation-delivered license pool update.
type RemoteUpdate struct {
	Name         string
	Count        int64 // total pool size
	Allowed      int64 // absolute count, or a percentage if AbsoluteMode is false
	AbsoluteMode bool
	LastConsumed int64
}

// LocalTotal computes this controller's share of the federation pool.
func (u RemoteUpdate) LocalTotal() int64 {
	if u.AbsoluteMode {
		return u.Allowed
	}
	return u.Count * u.Allowed / 100
}
