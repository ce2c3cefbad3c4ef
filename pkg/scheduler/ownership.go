package scheduler

import (
	"github.com/cuemby/controllerd/pkg/bitmap"
	"github.com/cuemby/controllerd/pkg/types"
)

// filterOwnership removes from usable every node this job is not entitled
// to touch: nodes another user owns exclusively when the job asks for a
// whole node that resolveSharing does not let it share, nodes carrying a
// different MCS label, and nodes still held by an advance reservation the
// job isn't a member of. A job that does not ask for a whole node keeps
// owned nodes, whatever the partition's share policy.
func filterOwnership(usable *bitmap.Bitmap, nodes []*types.Node, job *types.Job, part *types.Partition, reservations []*types.Reservation) *bitmap.Bitmap {
	out := usable.Clone()

	exclusiveUser := job.Details.WholeNode && resolveSharing(part, job) == false
	for _, idx := range out.Bits() {
		node := nodes[idx]
		if node == nil {
			out.Clear(idx)
			continue
		}

		if exclusiveUser && node.Owner != "" && node.Owner != job.Details.User {
			out.Clear(idx)
			continue
		}
		if node.MCSLabel != "" && node.MCSLabel != job.Details.MCSLabel {
			out.Clear(idx)
			continue
		}
	}

	for _, res := range reservations {
		if res.Nodes == nil || res.Name == job.Details.ReservationName {
			continue
		}
		held := out.And(res.Nodes)
		if held.Count() == 0 {
			continue
		}
		out = out.AndNot(held)
	}

	return out
}
