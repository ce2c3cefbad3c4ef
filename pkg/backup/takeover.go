package backup

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/controllerd/pkg/metrics"
)

// takeover runs spec.md §4.6 step 4: tell lower-priority peers to shut
// down, tell higher-priority non-primary peers to relinquish control,
// wait for responses or timeouts, give the outgoing primary time to
// persist state, then run primary initialization.
func (c *Controller) takeover() {
	var lower, higherNonPrimary []Peer
	for _, p := range c.cfg.Peers {
		if p.Index > c.cfg.MyIndex {
			lower = append(lower, p)
		} else {
			higherNonPrimary = append(higherNonPrimary, p)
		}
	}

	var wg sync.WaitGroup
	for _, p := range lower {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			c.commandShutdown(p)
		}(p)
	}
	for _, p := range higherNonPrimary {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			c.commandRelinquish(p)
		}(p)
	}
	wg.Wait()

	time.Sleep(c.cfg.WaitTime)

	c.becomePrimary()
	if c.onTakeover != nil {
		if err := c.onTakeover(); err != nil {
			c.logger.Error().Err(err).Msg("primary initialization after takeover failed")
		}
	}
	metrics.BackupTakeoversTotal.Inc()
	c.logger.Warn().Int32("new_primary_index", c.cfg.MyIndex).Msg("takeover complete")

	c.heartbeatLoop()
}

func (c *Controller) commandShutdown(p Peer) {
	client, err := c.cfg.Dial(p.Addr)
	if err != nil {
		c.logger.Debug().Str("peer", p.Addr).Err(err).Msg("could not reach lower-priority peer for shutdown")
		return
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ControlTimeout)
	defer cancel()
	if err := client.Shutdown(ctx, false); err != nil {
		c.logger.Debug().Str("peer", p.Addr).Err(err).Msg("shutdown request failed or timed out")
	}
}

func (c *Controller) commandRelinquish(p Peer) {
	client, err := c.cfg.Dial(p.Addr)
	if err != nil {
		c.logger.Debug().Str("peer", p.Addr).Err(err).Msg("could not reach higher-priority peer for control handoff")
		return
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ControlTimeout)
	defer cancel()
	if err := client.Control(ctx, c.cfg.MyIndex); err != nil {
		c.logger.Debug().Str("peer", p.Addr).Err(err).Msg("control handoff request failed or timed out")
	}
}
