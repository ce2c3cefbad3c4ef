package backup

import (
	"os"
	"time"
)

func (c *Controller) run() {
	defer close(c.stopped)
	if c.cfg.MyIndex == 0 {
		c.becomePrimary()
		c.heartbeatLoop()
		return
	}
	c.standbyLoop()
}

// standbyState carries the takeover decision tree's running state across
// ticks of the PingInterval loop.
type standbyState struct {
	firstIteration     bool
	prevHeartbeatMTime time.Time
	useTime            time.Time
}

func (c *Controller) standbyLoop() {
	if !c.waitForHeartbeatFile() {
		return
	}

	state := &standbyState{firstIteration: true, useTime: time.Now()}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.forceTakeoverCh:
			c.takeover()
			return
		case <-ticker.C:
		}
		if c.evaluateCycle(state) {
			c.takeover()
			return
		}
	}
}

func (c *Controller) waitForHeartbeatFile() bool {
	for {
		select {
		case <-c.stopCh:
			return false
		default:
		}
		if _, err := os.Stat(c.cfg.HeartbeatPath); err == nil {
			return true
		}
		select {
		case <-c.stopCh:
			return false
		case <-time.After(time.Second):
		}
	}
}

// evaluateCycle runs one pass of the ping-then-decide cycle described in
// spec.md §4.6 step 3, mutating state, and reports whether the takeover
// threshold has now been crossed.
func (c *Controller) evaluateCycle(state *standbyState) bool {
	results := c.pingHigherPriorityPeers()

	primaryResponding := false
	for _, r := range results {
		if r.err != nil {
			c.logger.Debug().Str("peer", r.peer.Addr).Err(r.err).Msg("peer not responding")
			continue
		}
		if r.resp.BackupInx != r.peer.Index {
			c.logger.Warn().Str("peer", r.peer.Addr).Int32("expected", r.peer.Index).
				Int32("reported", r.resp.BackupInx).Msg("peer reports unexpected backup index")
		}
		if r.resp.IsPrimary {
			primaryResponding = true
		}
	}

	if primaryResponding {
		state.useTime = time.Now()
		state.firstIteration = false
		return false
	}

	hb, hbErr := ReadHeartbeat(c.cfg.HeartbeatPath)
	if hbErr == nil && hb.ControllerIndex > c.cfg.MyIndex {
		c.logger.Debug().Msg("lower-priority peer holds primary per heartbeat file, staying passive")
		return false
	}

	hbMTime, mtimeErr := heartbeatModTime(c.cfg.HeartbeatPath)
	if mtimeErr == nil && hbMTime.After(state.useTime) {
		c.logger.Debug().Msg("heartbeat file newer than last confirmed response, trusting filesystem")
		state.useTime = hbMTime
		state.prevHeartbeatMTime = time.Time{}
		state.firstIteration = false
		return false
	}

	switch {
	case hbErr != nil:
		c.logger.Debug().Err(hbErr).Msg("aborting takeover check, heartbeat file unreadable")
		state.firstIteration = false
		return false
	case state.firstIteration:
		c.logger.Debug().Msg("aborting takeover check, first iteration since startup")
		state.firstIteration = false
		state.prevHeartbeatMTime = hbMTime
		return false
	case mtimeErr == nil && hbMTime.After(state.prevHeartbeatMTime):
		c.logger.Debug().Msg("aborting takeover check, heartbeat still advancing")
		state.prevHeartbeatMTime = hbMTime
		return false
	}

	if time.Since(state.useTime) <= c.cfg.ControllerTimeout {
		return false
	}

	c.logger.Warn().Dur("unresponsive_for", time.Since(state.useTime)).Msg("primary unresponsive past timeout, taking over")
	return true
}

func (c *Controller) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	c.writeHeartbeat()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.writeHeartbeat()
		}
	}
}

func (c *Controller) writeHeartbeat() {
	if err := WriteHeartbeat(c.cfg.HeartbeatPath, c.cfg.MyIndex); err != nil {
		c.logger.Error().Err(err).Msg("failed to write heartbeat file")
		return
	}
	c.mu.Lock()
	c.controlTime = time.Now().Unix()
	c.mu.Unlock()
}
