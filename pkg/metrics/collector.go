package metrics

import (
	"time"

	"github.com/cuemby/yuanrong/pkg/types"
)

// TopologySource is the subset of the global scheduler the collector polls.
// Defined here, at the consumer, so pkg/metrics depends on pkg/types (a
// leaf package) rather than on pkg/globalsched itself.
type TopologySource interface {
	Domains() []*types.TopologyNode
	IsLeader() bool
	RaftStats() (appliedIndex uint64, peers int)
}

// Collector periodically exports a global scheduler's topology and raft
// state into the package's gauges, the way a Prometheus scrape target is
// expected to report rarely-changing state between scrapes.
type Collector struct {
	source TopologySource
	stopCh chan struct{}
}

// NewCollector builds a collector polling source every 15 seconds until Stop.
func NewCollector(source TopologySource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTopologyMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectTopologyMetrics() {
	counts := make(map[[2]string]int)
	for _, node := range c.source.Domains() {
		counts[[2]string{string(node.Layer), string(node.State)}]++
	}
	for key, count := range counts {
		TopologyNodesTotal.WithLabelValues(key[0], key[1]).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.source.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	appliedIndex, peers := c.source.RaftStats()
	RaftAppliedIndex.Set(float64(appliedIndex))
	RaftPeers.Set(float64(peers))
}
