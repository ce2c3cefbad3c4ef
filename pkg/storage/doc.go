/*
Package storage provides BoltDB-backed persistence for the cluster state
store's tables: nodes, partitions, jobs, reservations and license
entries, plus the certificate authority material pkg/security needs for
peer mTLS.

Each table lives in its own bucket, keyed by name (nodes, partitions,
reservations, licenses) or by decimal job id (jobs), with values
JSON-encoded. Create and Update share an implementation (BoltDB puts are
upserts); Delete is idempotent.

The Store interface exists so pkg/clusterstate's FSM can be tested
against a throwaway BoltStore in a temp directory without depending on a
running Raft cluster.
*/
package storage
