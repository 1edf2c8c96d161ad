/*
Package log provides structured logging for convsync using zerolog.

A single package-level Logger is configured once at startup with Init and every
component derives a child logger from it:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("consumer")
	logger.Info().
		Str("entity_id", ev.EntityID).
		Uint64("version", ev.Version).
		Msg("change applied")

Components receive their logger at construction time so tests can pass
zerolog.Nop() and keep output quiet.

# Fields

The conventional structured fields are:

  - component: consumer, feed, dualwrite, reconciler, ledger, api, manager
  - entity_id, entity_type, version: identify the entity a line is about
  - command_id: the command driving a dual-write
  - partition: the consumer partition processing an event

JSON output is intended for production; console output (the default) is for
local runs of the convsync CLI.
*/
package log
