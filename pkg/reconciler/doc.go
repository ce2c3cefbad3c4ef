/*
Package reconciler periodically sweeps the node and job tables for
staleness that heartbeat and RPC handlers don't catch inline: nodes whose
heartbeat has gone silent (NO_RESPOND, then DOWN), and jobs still marked
RUNNING against a node that has since gone DOWN. Before flipping a
heartbeat-silent node's state it gives pkg/health a chance to confirm
the node is truly unreachable by probing its liveness endpoint, when it
has one.
*/
package reconciler
