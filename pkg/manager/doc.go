/*
Package manager assembles and runs a convsync node.

A Manager opens the three stores named in the configuration and wires the
sync core around them:

	                POST /v1/commands
	                        │
	                ┌───────▼────────┐   commit    ┌──────────────┐
	                │ dual-write     ├────────────►│ write store  │
	                │ coordinator    │             │ + change_log │
	                └───────┬────────┘             └──────┬───────┘
	         best-effort    │                             │ poll
	         projection     │                      ┌──────▼───────┐
	                        │                      │ feed.Poller  │
	                        │                      └──────┬───────┘
	                        │            partition by entity id
	                        │                      ┌──────▼───────┐
	                        │                      │ consumer ×N  │
	                        │                      └──────┬───────┘
	                ┌───────▼─────────────────────────────▼───────┐
	                │ read store              ledger (bbolt)      │
	                └───────▲─────────────────────────────▲───────┘
	                        └──────── reconciler ─────────┘

Run starts the feed, one consumer goroutine per partition, the health
monitor and the HTTP API under one errgroup, plus the reconciler and ledger
metrics collector on their own tickers. It returns when its context ends or
any of the errgroup members fails; the first failure cancels the rest.

Alerts from every component go through one events.Broker whose log
subscriber writes them as structured warnings.

Close releases the stores. The ledger file is locked while open, so only
one Manager per ledger path can exist at a time; the CLI therefore talks to
a running node through pkg/client instead of opening the stores itself.
*/
package manager
