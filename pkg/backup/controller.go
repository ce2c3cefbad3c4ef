// Package backup implements the backup controller (C6): the standby
// ping loop, takeover decision tree, and takeover sequence that let a
// lower-priority controller instance assume primary status when every
// higher-priority peer stops responding.
package backup

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/controllerd/pkg/log"
	"github.com/cuemby/controllerd/pkg/metrics"
	"github.com/rs/zerolog"
)

// Peer is one other controller instance in the partition's ordered
// controller list. A lower Index is higher priority; index 0 is primary
// absent any takeover.
type Peer struct {
	Index int32
	Addr  string
}

// Config holds a Controller's tunables.
type Config struct {
	MyIndex int32
	Peers   []Peer

	HeartbeatPath      string
	HeartbeatInterval  time.Duration
	PingInterval       time.Duration // slurmctld_timeout/3
	ControllerTimeout  time.Duration // slurmctld_timeout
	ControlTimeout     time.Duration // min(CONTROL_TIMEOUT, msg_timeout/2)
	WaitTime           time.Duration

	Dial DialFunc
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.ControllerTimeout <= 0 {
		c.ControllerTimeout = 120 * time.Second
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = 10 * time.Second
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 2 * time.Second
	}
	return c
}

// Controller runs the standby ping loop for index > 0 instances, or the
// heartbeat-writer loop once it is (or starts as) primary. It implements
// rpc.StandbyGate so pkg/rpc.Handler can consult it directly.
type Controller struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	primary     bool
	controlTime int64

	onTakeover func() error

	forceTakeoverCh chan struct{}
	stopCh          chan struct{}
	stopped         chan struct{}
}

// New builds a Controller. cfg.MyIndex == 0 means this instance is
// primary by static ordering and never runs the standby loop.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:             cfg.withDefaults(),
		primary:         cfg.MyIndex == 0,
		logger:          log.WithComponent("backup"),
		forceTakeoverCh: make(chan struct{}),
		stopCh:          make(chan struct{}),
		stopped:         make(chan struct{}),
	}
}

// OnTakeover registers the primary-initialization hook spec.md §4.6 step
// 4 runs after a takeover: restart the agent, reinitialize the
// association manager and priority plugin, restore switch and
// reservation state, read full configuration, and set every node's
// initial node-info. The daemon wires these up; this package only
// sequences the call.
func (c *Controller) OnTakeover(fn func() error) { c.onTakeover = fn }

// Start begins this instance's loop in a background goroutine.
func (c *Controller) Start() {
	metrics.BackupIsPrimary.Set(boolToFloat(c.IsPrimary()))
	go c.run()
}

// Stop halts the running loop and waits for it to exit.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.stopped
}

// IsPrimary implements rpc.StandbyGate.
func (c *Controller) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

// ControlTime implements rpc.StandbyGate: the Unix timestamp of this
// instance's last heartbeat write and its position in the ordered
// controller list.
func (c *Controller) ControlTime() (int64, int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlTime, c.cfg.MyIndex
}

// ForceTakeover implements the admin-issued TAKEOVER RPC's short-circuit:
// it skips the usual unresponsive-timeout wait, but still refuses if no
// heartbeat file exists (nothing to take over from) or this instance is
// already primary.
func (c *Controller) ForceTakeover() error {
	if c.IsPrimary() {
		return nil
	}
	if _, err := os.Stat(c.cfg.HeartbeatPath); err != nil {
		return fmt.Errorf("backup: cannot force takeover, no heartbeat file present: %w", err)
	}
	select {
	case c.forceTakeoverCh <- struct{}{}:
	case <-c.stopCh:
	}
	return nil
}

func (c *Controller) becomePrimary() {
	c.mu.Lock()
	c.primary = true
	c.mu.Unlock()
	metrics.BackupIsPrimary.Set(1)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
