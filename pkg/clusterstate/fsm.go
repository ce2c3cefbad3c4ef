package clusterstate

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/controllerd/pkg/storage"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM applies the cluster state store's replicated log to a storage.Store.
// Every mutation of the node, partition, job, reservation, or license
// tables funnels through here so that every controller instance converges
// on the same state.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM wraps store as a Raft finite state machine.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Command is the Raft log entry envelope: an operation name plus its
// JSON-encoded argument.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Apply applies one committed log entry.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "create_node":
		var n types.Node
		if err := json.Unmarshal(cmd.Data, &n); err != nil {
			return err
		}
		return f.store.CreateNode(&n)
	case "update_node":
		var n types.Node
		if err := json.Unmarshal(cmd.Data, &n); err != nil {
			return err
		}
		return f.store.UpdateNode(&n)
	case "delete_node":
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		return f.store.DeleteNode(name)

	case "create_partition":
		var p types.Partition
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.CreatePartition(&p)
	case "update_partition":
		var p types.Partition
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.UpdatePartition(&p)
	case "delete_partition":
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		return f.store.DeletePartition(name)

	case "create_job":
		var j types.Job
		if err := json.Unmarshal(cmd.Data, &j); err != nil {
			return err
		}
		return f.store.CreateJob(&j)
	case "update_job":
		var j types.Job
		if err := json.Unmarshal(cmd.Data, &j); err != nil {
			return err
		}
		return f.store.UpdateJob(&j)
	case "delete_job":
		var id uint32
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteJob(id)

	case "create_reservation":
		var r types.Reservation
		if err := json.Unmarshal(cmd.Data, &r); err != nil {
			return err
		}
		return f.store.CreateReservation(&r)
	case "update_reservation":
		var r types.Reservation
		if err := json.Unmarshal(cmd.Data, &r); err != nil {
			return err
		}
		return f.store.UpdateReservation(&r)
	case "delete_reservation":
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		return f.store.DeleteReservation(name)

	case "create_license", "update_license":
		var l types.LicenseEntry
		if err := json.Unmarshal(cmd.Data, &l); err != nil {
			return err
		}
		return f.store.UpdateLicense(&l)
	case "delete_license":
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		return f.store.DeleteLicense(name)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures a point-in-time copy of every table.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	partitions, err := f.store.ListPartitions()
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	jobs, err := f.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	reservations, err := f.store.ListReservations()
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	licenses, err := f.store.ListLicenses()
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}

	return &Snapshot{
		Nodes:        nodes,
		Partitions:   partitions,
		Jobs:         jobs,
		Reservations: reservations,
		Licenses:     licenses,
	}, nil
}

// Restore replaces the FSM's backing store with the contents of a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range snap.Nodes {
		if err := f.store.CreateNode(n); err != nil {
			return fmt.Errorf("restore node: %w", err)
		}
	}
	for _, p := range snap.Partitions {
		if err := f.store.CreatePartition(p); err != nil {
			return fmt.Errorf("restore partition: %w", err)
		}
	}
	for _, j := range snap.Jobs {
		if err := f.store.CreateJob(j); err != nil {
			return fmt.Errorf("restore job: %w", err)
		}
	}
	for _, r := range snap.Reservations {
		if err := f.store.CreateReservation(r); err != nil {
			return fmt.Errorf("restore reservation: %w", err)
		}
	}
	for _, l := range snap.Licenses {
		if err := f.store.CreateLicense(l); err != nil {
			return fmt.Errorf("restore license: %w", err)
		}
	}

	return nil
}

// Snapshot is the JSON-encoded payload of an FSM snapshot.
type Snapshot struct {
	Nodes        []*types.Node
	Partitions   []*types.Partition
	Jobs         []*types.Job
	Reservations []*types.Reservation
	Licenses     []*types.LicenseEntry
}

// Persist writes the snapshot to sink.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release is a no-op; Snapshot holds no external resources.
func (s *Snapshot) Release() {}
