/*
Package metrics registers the Prometheus gauges, counters, and histograms
the control daemon exposes: cluster table sizes, Raft replication lag,
RPC latency, scheduling cycle outcomes, license usage, power-save spend,
accounting queue depth, and backup controller election state.

Handler returns the promhttp handler to mount at /metrics. Timer is a
small helper for timing an operation and recording it to a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)
*/
package metrics
