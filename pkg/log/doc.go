/*
Package log provides structured logging for rke2d using zerolog.

Init configures the global logger once at startup with the chosen level
and output format (JSON for production, console for development). The
helpers attach the fields used across the codebase:

	log.WithComponent("api").Info().Msg("listening")
	log.WithJobID(job.ID).Error().Err(err).Msg("stage failed")
	log.WithClusterID(id).Warn().Msg("lock released")

Playbook output never goes through this logger; it belongs to the job's
event bus and persisted output, where secrets are already kept out at the
source.
*/
package log
