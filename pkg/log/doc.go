/*
Package log provides structured logging for Custodia using zerolog.

The package wraps zerolog behind a global logger initialized once via
log.Init, with component-scoped child loggers and helpers that attach
the identifiers threaded through most operations (record_id, patient_id,
ledger tx_id).

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	pipelineLog := log.WithComponent("pipeline")
	pipelineLog.Info().
		Str("record_id", rec.ID).
		Str("tx_id", txID).
		Msg("record committed")

Audit-relevant events (forbidden decisions, integrity violations) are
additionally persisted through the metadata store's audit log; this
package is operational logging only. Never log plaintext payloads or
key material.
*/
package log
