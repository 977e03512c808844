/*
Package log provides structured logging for shipyard using zerolog.

A single global Logger is configured once at startup with Init and shared by
every component. Components derive child loggers that carry identifying fields:

	logger := log.WithComponent("reconciler")
	logger.Info().Str("container_id", id).Msg("container exited out of band")

	uploadLogger := log.WithUploadID(upload.ID)
	uploadLogger.Warn().Err(err).Msg("image load failed")

Console output is the default; set JSONOutput for machine-readable logs:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Levels are debug, info, warn and error. Unknown level strings resolve to info
via ParseLevel.
*/
package log
