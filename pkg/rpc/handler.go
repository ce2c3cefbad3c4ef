package rpc

import (
	"context"

	"github.com/cuemby/controllerd/pkg/clusterstate"
	"github.com/cuemby/controllerd/pkg/log"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/rs/zerolog"
)

// AccountingSink receives decoded accounting messages off the wire and
// returns one response code per message, in the same order.
type AccountingSink interface {
	HandleAccounting(ctx context.Context, items []types.AgentQueueItem) ([]int32, error)
}

// StandbyGate reports this instance's primary/standby status for the
// methods spec.md §4.6 restricts a standby from fully serving.
type StandbyGate interface {
	IsPrimary() bool
	ControlTime() (unixSeconds int64, backupIndex int32)
}

// noopGate always reports primary, used when an instance runs without a
// backup controller (e.g. a single-controller deployment).
type noopGate struct{}

func (noopGate) IsPrimary() bool             { return true }
func (noopGate) ControlTime() (int64, int32) { return 0, 0 }

// noopAccountingSink rejects every accounting message; a real agent must
// be wired in for SendAccounting to do anything useful.
type noopAccountingSink struct{}

func (noopAccountingSink) HandleAccounting(ctx context.Context, items []types.AgentQueueItem) ([]int32, error) {
	codes := make([]int32, len(items))
	for i := range codes {
		codes[i] = -1
	}
	return codes, nil
}

// Handler implements ControlServer against a cluster handle plus the
// small collaborator seams backup/agentqueue plug into: it never imports
// those packages directly (they import this one for their outbound RPC
// client), so the three callback fields and two interfaces below are the
// entire coupling surface.
type Handler struct {
	Cluster    *clusterstate.ClusterState
	NodeID     string
	Standby    StandbyGate
	Accounting AccountingSink

	// OnShutdown and OnTakeover run the local side-effects of an admin or
	// peer-issued Shutdown/Takeover RPC; nil is a no-op.
	OnShutdown func(core bool) error
	OnTakeover func() error
	OnControl  func(newPrimaryIndex int32) error

	logger zerolog.Logger
}

// NewHandler builds a Handler with nil-safe collaborator defaults.
func NewHandler(cluster *clusterstate.ClusterState, nodeID string, standby StandbyGate, accounting AccountingSink) *Handler {
	if standby == nil {
		standby = noopGate{}
	}
	if accounting == nil {
		accounting = noopAccountingSink{}
	}
	return &Handler{
		Cluster:    cluster,
		NodeID:     nodeID,
		Standby:    standby,
		Accounting: accounting,
		logger:     log.WithComponent("rpc"),
	}
}

func (h *Handler) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	return &PingResponse{NodeID: h.NodeID}, nil
}

func (h *Handler) ControlStatus(ctx context.Context, req *ControlStatusRequest) (*ControlStatusResponse, error) {
	t, inx := h.Standby.ControlTime()
	return &ControlStatusResponse{ControlTime: t, BackupInx: inx, IsPrimary: h.Standby.IsPrimary()}, nil
}

func (h *Handler) Shutdown(ctx context.Context, req *ShutdownRequest) (*ShutdownResponse, error) {
	if h.OnShutdown != nil {
		if err := h.OnShutdown(req.Core); err != nil {
			return nil, err
		}
	}
	return &ShutdownResponse{}, nil
}

func (h *Handler) Takeover(ctx context.Context, req *TakeoverRequest) (*TakeoverResponse, error) {
	if h.OnTakeover != nil {
		if err := h.OnTakeover(); err != nil {
			return nil, err
		}
	}
	return &TakeoverResponse{}, nil
}

func (h *Handler) Control(ctx context.Context, req *ControlRequest) (*ControlResponse, error) {
	if h.OnControl != nil {
		if err := h.OnControl(req.NewPrimaryIndex); err != nil {
			return nil, err
		}
	}
	return &ControlResponse{}, nil
}

func (h *Handler) Config(ctx context.Context, req *ConfigRequest) (*ConfigResponse, error) {
	return &ConfigResponse{UsePrimary: !h.Standby.IsPrimary()}, nil
}

func (h *Handler) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	if !h.Cluster.IsLeader() {
		h.logger.Warn().Str("node", req.NodeID).Str("leader", h.Cluster.LeaderAddr()).Msg("rejecting join, not the raft leader")
		return nil, types.NewBoundaryError(types.CodeInStandbyMode, "", "not the raft leader")
	}
	if err := h.Cluster.AddVoter(req.NodeID, req.BindAddr); err != nil {
		return nil, err
	}
	h.logger.Info().Str("node", req.NodeID).Str("addr", req.BindAddr).Msg("added raft voter")
	return &JoinResponse{}, nil
}

func (h *Handler) SendAccounting(ctx context.Context, req *AccountingRequest) (*AccountingResponse, error) {
	if !h.Standby.IsPrimary() {
		h.logger.Debug().Msg("rejecting accounting send while in standby mode")
		return nil, types.NewBoundaryError(types.CodeInStandbyMode, "", "accounting agent must talk to the primary")
	}
	codes, err := h.Accounting.HandleAccounting(ctx, req.Messages)
	if err != nil {
		return nil, err
	}
	return &AccountingResponse{Codes: codes}, nil
}
