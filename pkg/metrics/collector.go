package metrics

import (
	"time"
)

// ClusterSource is the subset of ClusterState the collector needs. Declared
// here (rather than imported) to avoid a pkg/metrics -> pkg/clusterstate
// import cycle, since clusterstate itself reports timing metrics.
type ClusterSource interface {
	IsLeader() bool
	RaftStats() map[string]interface{}
}

// Collector periodically samples cluster state into the registered gauges.
type Collector struct {
	cluster ClusterSource
	stopCh  chan struct{}
}

// NewCollector creates a Collector over cluster.
func NewCollector(cluster ClusterSource) *Collector {
	return &Collector{
		cluster: cluster,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic sampling loop.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRaftMetrics()
}

func (c *Collector) collectRaftMetrics() {
	if c.cluster.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.cluster.RaftStats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"].(uint64); ok {
		RaftPeers.Set(float64(peers))
	}
}
