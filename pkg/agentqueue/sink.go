package agentqueue

import (
	"context"

	"github.com/cuemby/controllerd/pkg/types"
)

// HandleAccounting implements rpc.AccountingSink: a controller forwards the
// accounting messages a compute node's agent pushed to it onward to the
// configured accounting database by re-enqueuing them on this Agent's own
// queue, the same one the controller's own REGISTER_CTLD and job records
// flow through. Messages that ask for a synchronous reply are sent inline;
// the rest are enqueued for the drain loop. Re-enqueuing mints a fresh
// queue-local ID for each message rather than carrying the sender's ID
// forward, since Send/SendSync are the single place that assigns one.
func (a *Agent) HandleAccounting(ctx context.Context, items []types.AgentQueueItem) ([]int32, error) {
	codes := make([]int32, len(items))
	for i, item := range items {
		if item.ResponseWant {
			code, err := a.SendSync(ctx, item.RPCType, item.Payload)
			if err != nil {
				return nil, err
			}
			codes[i] = code
			continue
		}
		a.Send(item.RPCType, item.Payload)
	}
	return codes, nil
}
