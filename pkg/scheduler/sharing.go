package scheduler

import "github.com/cuemby/controllerd/pkg/types"

// resolveSharing answers "may this job share a node with other jobs?"
// given the partition's max_share policy and the job's own share/whole-node
// request, per the documented matrix: an EXCLUSIVE partition never shares;
// a FORCE partition shares when its share count is above one and never
// otherwise; for other partitions the job's own request decides, with
// whole-node jobs defaulting to exclusive unless they explicitly asked to
// share.
func resolveSharing(part *types.Partition, job *types.Job) bool {
	switch part.Share {
	case types.ShareExclusive:
		return false
	case types.ShareForce:
		return part.ShareCount > 1
	case types.ShareNo:
		return job.Details.ShareRequested
	case types.ShareYes:
		if job.Details.WholeNode && !job.Details.ShareRequested {
			return false
		}
		return true
	default:
		return job.Details.ShareRequested
	}
}
