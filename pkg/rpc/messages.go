package rpc

import "github.com/cuemby/controllerd/pkg/types"

// PingRequest/PingResponse implement the liveness check every peer answers
// regardless of primary/standby status.
type PingRequest struct{}

type PingResponse struct {
	NodeID string
}

// ControlStatusRequest/ControlStatusResponse implement the peer-ping RPC
// the backup controller uses to find the current primary: control_time is
// the responder's last-heartbeat-write Unix timestamp, backup_inx its
// position in the partition's ordered controller list.
type ControlStatusRequest struct{}

type ControlStatusResponse struct {
	ControlTime int64
	BackupInx   int32
	IsPrimary   bool
}

// ShutdownRequest/ShutdownResponse: an admin or a taking-over primary
// telling a lower-priority peer to exit.
type ShutdownRequest struct {
	Core bool
}

type ShutdownResponse struct{}

// TakeoverRequest/TakeoverResponse: an admin (or a backup past its
// timeout) announcing it is assuming the primary role.
type TakeoverRequest struct{}

type TakeoverResponse struct{}

// ControlRequest/ControlResponse: sent by a taking-over instance to
// higher-priority peers that are not themselves primary, asking them to
// acknowledge the new primary.
type ControlRequest struct {
	NewPrimaryIndex int32
}

type ControlResponse struct{}

// ConfigRequest/ConfigResponse: a standby always answers "use primary"
// rather than serving configuration itself.
type ConfigRequest struct{}

type ConfigResponse struct {
	UsePrimary bool
}

// JoinRequest/JoinResponse: a node asking the Raft leader to add it as a
// voter, the RPC clusterstate.Join's JoinHandler dials out over.
type JoinRequest struct {
	NodeID   string
	BindAddr string
}

type JoinResponse struct{}

// AccountingRequest/AccountingResponse carry the accounting agent's
// multi-message envelope: up to 1000 packed messages in one round trip,
// each answered with its own response code in the same order.
type AccountingRequest struct {
	RPCVersion uint16
	Messages   []types.AgentQueueItem
}

type AccountingResponse struct {
	Codes []int32
}
