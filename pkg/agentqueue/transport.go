package agentqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/controllerd/pkg/rpc"
	"github.com/cuemby/controllerd/pkg/security"
	"github.com/cuemby/controllerd/pkg/types"
)

// DBTransport is the accounting agent's connection to the accounting
// database. Connect is called lazily and may be called repeatedly after a
// failure; Send delivers one packed batch and returns one response code
// per message, in the same order.
type DBTransport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, items []types.AgentQueueItem) ([]int32, error)
	Close() error
}

// GRPCTransport is the default DBTransport, built on the hand-rolled
// pkg/rpc ControlService.SendAccounting unary RPC the way warren's
// pkg/client.Client wraps its generated WarrenAPIClient stub.
type GRPCTransport struct {
	addr       string
	ca         *security.CertAuthority
	clientID   string
	rpcVersion uint16

	mu     sync.Mutex
	client *rpc.Client
}

// NewGRPCTransport builds a transport that dials addr on first use.
func NewGRPCTransport(addr string, ca *security.CertAuthority, clientID string, rpcVersion uint16) *GRPCTransport {
	return &GRPCTransport{addr: addr, ca: ca, clientID: clientID, rpcVersion: rpcVersion}
}

func (t *GRPCTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}
	client, err := rpc.Dial(t.addr, t.ca, t.clientID)
	if err != nil {
		return fmt.Errorf("dial accounting endpoint %s: %w", t.addr, err)
	}
	t.client = client
	return nil
}

func (t *GRPCTransport) Send(ctx context.Context, items []types.AgentQueueItem) ([]int32, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("agentqueue: transport not connected")
	}

	resp, err := client.SendAccounting(ctx, &rpc.AccountingRequest{RPCVersion: t.rpcVersion, Messages: items})
	if err != nil {
		return nil, err
	}
	return resp.Codes, nil
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
