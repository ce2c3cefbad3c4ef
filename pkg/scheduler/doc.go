/*
Package scheduler is the node selector (C3): it turns PENDING jobs into
node allocations.

Each cycle (scheduler.New, Start) walks every pending job against its
candidate partitions. For each partition, buildNodeSets groups the
reservation- and ownership-filtered candidate nodes into sched_weight-
ordered, internally homogeneous sets (nodeset.go); ParseFeatureExpr parses
a job's constraint string into a FeatureExpr tree evaluated against each
node's active/available/changeable feature lists (expr.go); PickBestNodes
walks the sets accumulating idle or shareable nodes until there are enough
to hand to a JobTester — the license ledger and consumable-resource limits
— terminating with the most specific of LICENSES_UNAVAILABLE,
NEVER_RUNNABLE, NODE_NOT_AVAIL, NODES_BUSY or RESERVATION_BUSY when no
attempt succeeds (select.go). A successful selection moves nodes to
ALLOC, invokes the PortReserver and PrologDispatcher collaborators, and
replicates the job as RUNNING through the cluster's Raft log.
*/
package scheduler
