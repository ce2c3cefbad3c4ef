package rpc

import (
	"context"
	"time"

	"github.com/cuemby/controllerd/pkg/clusterstate"
	"github.com/cuemby/controllerd/pkg/security"
)

// NewJoinHandler builds the clusterstate.JoinHandler a joining node passes
// to ClusterState.Join: it dials the current leader over mTLS and asks it
// to add this node as a Raft voter before Raft traffic can flow.
func NewJoinHandler(leaderRPCAddr string, ca *security.CertAuthority, clientID string) clusterstate.JoinHandler {
	return func(nodeID, bindAddr string) error {
		client, err := Dial(leaderRPCAddr, ca, clientID)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err = client.Join(ctx, &JoinRequest{NodeID: nodeID, BindAddr: bindAddr})
		return err
	}
}
