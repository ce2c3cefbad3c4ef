package backup

import (
	"context"
	"sync"

	"github.com/cuemby/controllerd/pkg/rpc"
	"github.com/cuemby/controllerd/pkg/security"
)

// PeerClient is the subset of pkg/rpc.Client the backup controller
// exercises against a peer, narrowed so tests can substitute a fake
// without standing up mTLS.
type PeerClient interface {
	ControlStatus(ctx context.Context) (*rpc.ControlStatusResponse, error)
	Shutdown(ctx context.Context, core bool) error
	Control(ctx context.Context, newPrimaryIndex int32) error
	Close() error
}

// DialFunc opens a PeerClient to a peer's RPC address.
type DialFunc func(addr string) (PeerClient, error)

// NewRPCDialer returns the default DialFunc, dialing peers over mTLS the
// way pkg/rpc.NewJoinHandler dials the Raft leader.
func NewRPCDialer(ca *security.CertAuthority, clientID string) DialFunc {
	return func(addr string) (PeerClient, error) {
		client, err := rpc.Dial(addr, ca, clientID)
		if err != nil {
			return nil, err
		}
		return rpcPeerClient{client: client}, nil
	}
}

type rpcPeerClient struct{ client *rpc.Client }

func (r rpcPeerClient) ControlStatus(ctx context.Context) (*rpc.ControlStatusResponse, error) {
	return r.client.ControlStatus(ctx)
}

func (r rpcPeerClient) Shutdown(ctx context.Context, core bool) error {
	_, err := r.client.Shutdown(ctx, &rpc.ShutdownRequest{Core: core})
	return err
}

func (r rpcPeerClient) Control(ctx context.Context, newPrimaryIndex int32) error {
	_, err := r.client.Control(ctx, &rpc.ControlRequest{NewPrimaryIndex: newPrimaryIndex})
	return err
}

func (r rpcPeerClient) Close() error { return r.client.Close() }

type pingResult struct {
	peer Peer
	resp *rpc.ControlStatusResponse
	err  error
}

// pingHigherPriorityPeers pings every peer with a lower index than this
// instance, in parallel, one goroutine per peer.
func (c *Controller) pingHigherPriorityPeers() []pingResult {
	var higher []Peer
	for _, p := range c.cfg.Peers {
		if p.Index < c.cfg.MyIndex {
			higher = append(higher, p)
		}
	}
	return c.pingPeers(higher)
}

func (c *Controller) pingPeers(peers []Peer) []pingResult {
	results := make([]pingResult, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p Peer) {
			defer wg.Done()
			results[i] = c.pingOne(p)
		}(i, p)
	}
	wg.Wait()
	return results
}

func (c *Controller) pingOne(p Peer) pingResult {
	client, err := c.cfg.Dial(p.Addr)
	if err != nil {
		return pingResult{peer: p, err: err}
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PingInterval)
	defer cancel()
	resp, err := client.ControlStatus(ctx)
	return pingResult{peer: p, resp: resp, err: err}
}
