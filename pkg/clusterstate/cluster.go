package clusterstate

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/controllerd/pkg/events"
	"github.com/cuemby/controllerd/pkg/metrics"
	"github.com/cuemby/controllerd/pkg/security"
	"github.com/cuemby/controllerd/pkg/storage"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// ClusterState is the replicated control-plane (C1): a Raft-backed FSM over
// the node, partition, job, reservation, and license tables, guarded by the
// five-rail lock and exposing the cluster-wide bitmaps and timestamps.
type ClusterState struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	store storage.Store

	Locks   *LockSet
	Bitmaps *Bitmaps
	CA      *security.CertAuthority

	eventBroker *events.Broker
}

// Config configures a ClusterState instance.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// New creates a ClusterState backed by a fresh BoltDB store at cfg.DataDir.
// Bootstrap or Join must be called before the instance accepts commands.
func New(cfg *Config) (*ClusterState, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	fsm := NewFSM(store)

	clusterKey := security.DeriveKeyFromClusterID(cfg.NodeID)
	if err := security.SetClusterEncryptionKey(clusterKey); err != nil {
		return nil, fmt.Errorf("failed to set cluster encryption key: %w", err)
	}

	ca := security.NewCertAuthority(store)

	eventBroker := events.NewBroker()
	eventBroker.Start()

	cs := &ClusterState{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		fsm:         fsm,
		store:       store,
		Locks:       NewLockSet(),
		Bitmaps:     NewBitmaps(0),
		CA:          ca,
		eventBroker: eventBroker,
	}

	return cs, nil
}

func (cs *ClusterState) raftConfig() (*raft.Config, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cs.nodeID)

	// Hashicorp Raft's WAN-oriented defaults (HeartbeatTimeout=1s,
	// ElectionTimeout=1s, LeaderLeaseTimeout=500ms) push failover past
	// the backup controller's SlurmctldTimeout expectations on a LAN.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	return config, nil
}

func (cs *ClusterState) newRaft(config *raft.Config) (*raft.Raft, *raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", cs.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cs.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cs.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cs.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cs.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, cs.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create raft: %w", err)
	}

	return r, transport, nil
}

// Bootstrap starts a new single-node cluster and initializes the CA.
func (cs *ClusterState) Bootstrap() error {
	config, err := cs.raftConfig()
	if err != nil {
		return err
	}

	r, transport, err := cs.newRaft(config)
	if err != nil {
		return err
	}
	cs.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: config.LocalID, Address: transport.LocalAddr()},
		},
	}
	if err := cs.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	if err := cs.CA.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize CA: %w", err)
	}
	if err := cs.CA.SaveToStore(); err != nil {
		return fmt.Errorf("failed to save CA: %w", err)
	}

	return nil
}

// JoinHandler is the peer callback used to add a joining node as a Raft
// voter; the RPC layer supplies the concrete implementation.
type JoinHandler func(nodeID, bindAddr string) error

// Join starts Raft for an existing cluster member, asks the leader via
// joinFn to add this node as a voter, and then loads the CA from the
// local store.
func (cs *ClusterState) Join(leaderAddr string, joinFn JoinHandler) error {
	config, err := cs.raftConfig()
	if err != nil {
		return err
	}

	r, _, err := cs.newRaft(config)
	if err != nil {
		return err
	}
	cs.raft = r

	if err := joinFn(cs.nodeID, cs.bindAddr); err != nil {
		return fmt.Errorf("failed to join cluster: %w", err)
	}

	if err := cs.CA.LoadFromStore(); err != nil {
		return fmt.Errorf("failed to load CA: %w", err)
	}

	return nil
}

// AddVoter adds nodeID as a Raft voter. Only the leader can do this.
func (cs *ClusterState) AddVoter(nodeID, address string) error {
	if cs.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !cs.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", cs.LeaderAddr())
	}
	return cs.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// RemoveServer removes nodeID from the Raft configuration.
func (cs *ClusterState) RemoveServer(nodeID string) error {
	if cs.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !cs.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	return cs.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// GetClusterServers lists the Raft configuration's servers.
func (cs *ClusterState) GetClusterServers() ([]raft.Server, error) {
	if cs.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := cs.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this instance is the Raft leader.
func (cs *ClusterState) IsLeader() bool {
	return cs.raft != nil && cs.raft.State() == raft.Leader
}

// LeaderAddr returns the current Raft leader's address, if known.
func (cs *ClusterState) LeaderAddr() string {
	if cs.raft == nil {
		return ""
	}
	return string(cs.raft.Leader())
}

// RaftStats reports Raft's current state, used by the metrics collector.
func (cs *ClusterState) RaftStats() map[string]interface{} {
	if cs.raft == nil {
		return nil
	}
	stats := map[string]interface{}{
		"state":          cs.raft.State().String(),
		"last_log_index": cs.raft.LastIndex(),
		"applied_index":  cs.raft.AppliedIndex(),
		"leader":         string(cs.raft.Leader()),
	}
	if cf := cs.raft.GetConfiguration(); cf.Error() == nil {
		stats["peers"] = uint64(len(cf.Configuration().Servers))
	} else {
		stats["peers"] = uint64(0)
	}
	return stats
}

// EventBroker returns the cluster's event broker.
func (cs *ClusterState) EventBroker() *events.Broker { return cs.eventBroker }

// PublishEvent publishes an event to all subscribers.
func (cs *ClusterState) PublishEvent(event *events.Event) {
	if cs.eventBroker != nil {
		cs.eventBroker.Publish(event)
	}
}

// Store exposes the underlying storage.Store for read-mostly callers
// (e.g. the scheduler) that don't need to go through Raft to read state.
func (cs *ClusterState) Store() storage.Store { return cs.store }

// apply marshals cmd and submits it to the Raft log, returning the FSM's
// response error, if any.
func (cs *ClusterState) apply(op string, payload interface{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	if cs.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	cmdData, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := cs.raft.Apply(cmdData, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// CreateNode replicates a new node into the cluster.
func (cs *ClusterState) CreateNode(n *types.Node) error { return cs.apply("create_node", n) }

// UpdateNode replicates a node update.
func (cs *ClusterState) UpdateNode(n *types.Node) error { return cs.apply("update_node", n) }

// DeleteNode replicates a node removal.
func (cs *ClusterState) DeleteNode(name string) error { return cs.apply("delete_node", name) }

// CreatePartition replicates a new partition.
func (cs *ClusterState) CreatePartition(p *types.Partition) error {
	return cs.apply("create_partition", p)
}

// UpdatePartition replicates a partition update.
func (cs *ClusterState) UpdatePartition(p *types.Partition) error {
	return cs.apply("update_partition", p)
}

// DeletePartition replicates a partition removal.
func (cs *ClusterState) DeletePartition(name string) error {
	return cs.apply("delete_partition", name)
}

// CreateJob replicates a new job.
func (cs *ClusterState) CreateJob(j *types.Job) error { return cs.apply("create_job", j) }

// UpdateJob replicates a job update.
func (cs *ClusterState) UpdateJob(j *types.Job) error { return cs.apply("update_job", j) }

// DeleteJob replicates a job removal.
func (cs *ClusterState) DeleteJob(id uint32) error { return cs.apply("delete_job", id) }

// CreateReservation replicates a new reservation.
func (cs *ClusterState) CreateReservation(r *types.Reservation) error {
	return cs.apply("create_reservation", r)
}

// UpdateReservation replicates a reservation update.
func (cs *ClusterState) UpdateReservation(r *types.Reservation) error {
	return cs.apply("update_reservation", r)
}

// DeleteReservation replicates a reservation removal.
func (cs *ClusterState) DeleteReservation(name string) error {
	return cs.apply("delete_reservation", name)
}

// UpdateLicense replicates a license ledger entry upsert.
func (cs *ClusterState) UpdateLicense(l *types.LicenseEntry) error {
	return cs.apply("update_license", l)
}

// DeleteLicense replicates a license ledger entry removal.
func (cs *ClusterState) DeleteLicense(name string) error {
	return cs.apply("delete_license", name)
}

// Shutdown stops Raft and closes the backing store.
func (cs *ClusterState) Shutdown() error {
	if cs.raft != nil {
		if err := cs.raft.Shutdown().Error(); err != nil {
			return err
		}
	}
	if cs.eventBroker != nil {
		cs.eventBroker.Stop()
	}
	return cs.store.Close()
}
