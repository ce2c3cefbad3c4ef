// Package agentqueue implements the accounting agent (C5): a bounded
// producer/consumer queue that buffers outbound accounting messages and
// drains them to the accounting database over pkg/rpc, tolerating
// disconnects without losing messages until the queue itself overflows.
package agentqueue

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cuemby/controllerd/pkg/log"
	"github.com/cuemby/controllerd/pkg/metrics"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Accounting RPC type names the overflow and restore policies special-case.
const (
	RPCStepStart    = "STEP_START"
	RPCStepComplete = "STEP_COMPLETE"
	RPCRegisterCtld = "REGISTER_CTLD"
)

// OverflowMode selects what Send does once the queue is at MaxDBDMsgs.
type OverflowMode string

const (
	OverflowDiscard OverflowMode = "discard"
	OverflowExit    OverflowMode = "exit"
)

// OnCriticalDepth is invoked at most once per WarnInterval while the queue
// sits at or above half capacity.
type OnCriticalDepth func(depth, max int)

// Config holds the agent's tunables, all named after their spec.md
// counterparts.
type Config struct {
	MaxDBDMsgs       int
	OverflowMode     OverflowMode
	MaxMsgBytes      int
	ReconnectBackoff time.Duration
	WarnInterval     time.Duration
	SendTimeout      time.Duration
	DrainInterval    time.Duration
	StatePath        string
	RPCVersion       uint16
}

func (c Config) withDefaults() Config {
	if c.MaxDBDMsgs <= 0 {
		c.MaxDBDMsgs = 10000
	}
	if c.OverflowMode == "" {
		c.OverflowMode = OverflowDiscard
	}
	if c.MaxMsgBytes <= 0 {
		c.MaxMsgBytes = 1 << 20
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 10 * time.Second
	}
	if c.WarnInterval <= 0 {
		c.WarnInterval = 120 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 500 * time.Millisecond
	}
	return c
}

// Agent is the accounting agent's queue, drain loop, and halt protocol,
// grounded on warren's pkg/events.Broker (mutex-guarded slice plus a
// dedicated background goroutine) generalized with a condition variable
// for the halt protocol spec.md requires.
type Agent struct {
	cfg       Config
	transport DBTransport
	onCritial OnCriticalDepth
	exitFunc  func(code int)
	logger    zerolog.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	pending     []types.AgentQueueItem
	connected   bool
	haltAgent   bool
	lastFailure time.Time
	lastWarn    time.Time

	stopCh  chan struct{}
	stopped chan struct{}
}

// New builds an Agent. transport is dialed lazily by the drain loop.
func New(cfg Config, transport DBTransport) *Agent {
	a := &Agent{
		cfg:       cfg.withDefaults(),
		transport: transport,
		exitFunc:  os.Exit,
		logger:    log.WithComponent("agentqueue"),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// OnCriticalDepth registers the callback spec.md's every-120s queue-depth
// warning invokes alongside its log line.
func (a *Agent) OnCriticalDepth(fn OnCriticalDepth) { a.onCritial = fn }

// Start restores any persisted queue and begins draining.
func (a *Agent) Start() {
	if items, err := a.restoreState(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to restore accounting queue state")
	} else if len(items) > 0 {
		a.mu.Lock()
		a.pending = append(a.pending, items...)
		a.mu.Unlock()
		a.logger.Info().Int("count", len(items)).Msg("restored accounting queue state")
	}
	go a.drainLoop()
}

// Stop halts the drain loop and persists whatever remains queued.
func (a *Agent) Stop() {
	close(a.stopCh)
	<-a.stopped
	if err := a.persistState(); err != nil {
		a.logger.Error().Err(err).Msg("failed to persist accounting queue state")
	}
	if a.transport != nil {
		_ = a.transport.Close()
	}
}

// Send enqueues an accounting message for asynchronous delivery.
func (a *Agent) Send(rpcType string, payload []byte) {
	item := types.AgentQueueItem{
		ID:         uuid.NewString(),
		RPCType:    rpcType,
		RPCVersion: a.cfg.RPCVersion,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) >= a.cfg.MaxDBDMsgs {
		if idx, ok := findDiscardable(a.pending); ok {
			a.pending = append(a.pending[:idx], a.pending[idx+1:]...)
			metrics.AgentMessagesDropped.Inc()
		} else if a.cfg.OverflowMode == OverflowExit {
			a.logger.Error().Int("max", a.cfg.MaxDBDMsgs).Msg("accounting queue full, persisting and exiting")
			if err := a.persistStateLocked(); err != nil {
				a.logger.Error().Err(err).Msg("failed to persist accounting queue before exit")
			}
			a.exitFunc(1)
			return
		} else {
			metrics.AgentMessagesDropped.Inc()
			return
		}
	}

	a.pending = append(a.pending, item)
	metrics.AgentQueueDepth.Set(float64(len(a.pending)))
	a.maybeWarnLocked()
	a.cond.Broadcast()
}

// SendSync implements the halt protocol: it pauses the drain loop, sends
// one message inline, and resumes draining, so an inline request never
// interleaves with a bulk drain in flight.
func (a *Agent) SendSync(ctx context.Context, rpcType string, payload []byte) (int32, error) {
	a.mu.Lock()
	a.haltAgent = true
	a.mu.Unlock()

	a.mu.Lock()
	a.haltAgent = false
	item := types.AgentQueueItem{
		ID:         uuid.NewString(),
		RPCType:    rpcType,
		RPCVersion: a.cfg.RPCVersion,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	codes, err := a.transport.Send(ctx, []types.AgentQueueItem{item})
	a.cond.Broadcast()
	a.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return codes[0], nil
}

// QueueDepth reports the number of messages currently pending delivery.
func (a *Agent) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Agent) maybeWarnLocked() {
	if len(a.pending) < a.cfg.MaxDBDMsgs/2 {
		return
	}
	if time.Since(a.lastWarn) < a.cfg.WarnInterval {
		return
	}
	a.lastWarn = time.Now()
	a.logger.Warn().Int("depth", len(a.pending)).Int("max", a.cfg.MaxDBDMsgs).Msg("accounting queue critically full")
	if a.onCritial != nil {
		a.onCritial(len(a.pending), a.cfg.MaxDBDMsgs)
	}
}

// findDiscardable returns the index of the first step-start/step-complete
// record in pending, the records spec.md names as safe to drop first on
// overflow since they are superseded by later records for the same step.
func findDiscardable(pending []types.AgentQueueItem) (int, bool) {
	for i, item := range pending {
		if item.RPCType == RPCStepStart || item.RPCType == RPCStepComplete {
			return i, true
		}
	}
	return 0, false
}
