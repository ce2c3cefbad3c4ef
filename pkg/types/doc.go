/*
Package types defines the core data structures shared by every subsystem
of the control daemon: nodes, partitions, jobs, license entries,
reservations and node sets.

These are plain value types with JSON tags for BoltDB persistence and
Raft snapshotting; synchronization is the caller's responsibility (see
pkg/clusterstate for the lock discipline that protects them).
*/
package types
