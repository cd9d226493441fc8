/*
Package log provides structured logging via zerolog.

A single global Logger is configured once with Init, then every
long-running component gets its own child logger via WithComponent so
log lines stay greppable by subsystem (scheduler, registry, mesh, ...).
WithNodeID/WithVmID/WithRelayID attach the relevant entity id.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Str("vm_id", vmID).Msg("placement decided")
*/
package log
