package agentqueue

import (
	"context"
	"time"

	"github.com/cuemby/controllerd/pkg/metrics"
	"github.com/cuemby/controllerd/pkg/types"
)

func (a *Agent) drainLoop() {
	defer close(a.stopped)
	ticker := time.NewTicker(a.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.drainOnce()
		}
	}
}

func (a *Agent) drainOnce() {
	a.mu.Lock()
	for a.haltAgent {
		a.cond.Wait()
	}

	if !a.connected {
		if time.Since(a.lastFailure) < a.cfg.ReconnectBackoff {
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SendTimeout)
		err := a.transport.Connect(ctx)
		cancel()

		a.mu.Lock()
		if err != nil {
			a.lastFailure = time.Now()
			a.mu.Unlock()
			a.logger.Warn().Err(err).Msg("accounting transport reconnect failed")
			return
		}
		a.connected = true
	}

	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.packBatchLocked()
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SendTimeout)
	codes, err := a.transport.Send(ctx, batch)
	cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.connected = false
		a.lastFailure = time.Now()
		metrics.AgentMessagesSent.WithLabelValues("failure").Add(float64(len(batch)))
		a.logger.Warn().Err(err).Int("batch", len(batch)).Msg("accounting send failed, backing off")
		return
	}

	a.removeSentLocked(len(batch))
	metrics.AgentMessagesSent.WithLabelValues("success").Add(float64(len(batch)))
	metrics.AgentQueueDepth.Set(float64(len(a.pending)))
	a.logger.Debug().Int("batch", len(batch)).Int("codes", len(codes)).Msg("accounting batch delivered")
}

// packBatchLocked returns the messages the next send should carry: the
// lone head message if only one is queued, otherwise up to 1000 messages
// capped at MaxMsgBytes total payload size. Must be called with a.mu held.
func (a *Agent) packBatchLocked() []types.AgentQueueItem {
	if len(a.pending) == 1 {
		return a.pending[:1]
	}

	const maxBatch = 1000
	total := 0
	n := 0
	for n < len(a.pending) && n < maxBatch {
		size := len(a.pending[n].Payload)
		if n > 0 && total+size > a.cfg.MaxMsgBytes {
			break
		}
		total += size
		n++
	}
	if n == 0 {
		n = 1
	}
	batch := make([]types.AgentQueueItem, n)
	copy(batch, a.pending[:n])
	return batch
}

// removeSentLocked drops the first n messages, which packBatchLocked
// always drew as a prefix of pending. Must be called with a.mu held.
func (a *Agent) removeSentLocked(n int) {
	a.pending = append(a.pending[:0], a.pending[n:]...)
}
