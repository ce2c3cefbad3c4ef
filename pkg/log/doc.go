/*
Package log wraps zerolog to give every component of the control daemon
structured, JSON-capable logging with a shared global level and small
helpers for attaching component/node/job context fields.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("scheduler")
	logger.Info().Uint32("job_id", job.ID).Msg("allocated nodes")
*/
package log
