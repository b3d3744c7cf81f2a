/*
Package log provides structured logging for Vicky using zerolog.

It wraps a single global zerolog.Logger, configured once via Init, plus a set
of WithXxx helpers that attach a context field (task, lock, worker, user) to
a child logger. Call sites pass the child logger down instead of threading a
context.Context just to carry log fields.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	log.Info("vicky starting")

	taskLog := log.WithTaskID(task.ID.String())
	taskLog.Info().Str("status", string(task.Status)).Msg("task claimed")

# Levels

Debug is for development only; Info is the default production level; Warn
and Error should stay low-volume. Fatal logs and calls os.Exit(1) — reserve
it for startup failures the process cannot recover from (a bucket the server
can't reach, a config file it can't parse).
*/
package log
