/*
Package log provides structured logging for Tally built on zerolog.

The package owns a global logger initialized once at startup and handed out
as child loggers scoped by component, worker, or trace id. Every pipeline
flow carries a trace id (T-NNNNNN-hhhhhhhh); logging through WithTrace makes
the whole path of a document reconstructable from the log stream.

# Redaction

Init accepts an optional Redactor. When set, every formatted line passes
through it before reaching the sink, so sensitive substrings (phone numbers,
national ids, card numbers) are masked at the writer boundary regardless of
which component produced the record. The privacy guard satisfies Redactor.

# Usage

Initialization (daemon startup):

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Redactor:   privacy.NewGuard(privacy.WithRole(privacy.RoleInternal)),
	})

Component logger:

	logger := log.WithComponent("collector")
	logger.Info().Str("file", path).Msg("parsed statement")

Flow logger:

	flow := log.WithTrace(doc.TraceID)
	flow.Debug().Str("rule", rule.RuleID).Msg("fast path hit")
*/
package log
