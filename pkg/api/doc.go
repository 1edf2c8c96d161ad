/*
Package api exposes the sync core over HTTP.

The server is a gorilla/mux router. Commands go through the dual-write
coordinator; everything else is read-only inspection of the ledger and the
read store, plus two operator actions: replaying a dead letter and running
an on-demand reconciliation sweep.

# Endpoints

	POST /v1/commands                      commit a command (201 + Commit)
	GET  /v1/sync?status=&repair=&limit=   scan sync records
	GET  /v1/sync/{entityID}               sync record for an entity
	GET  /v1/ledger/stats                  ledger counts by dual-write status
	GET  /v1/entities/{entityID}           projected entity
	GET  /v1/entities/{entityID}/children  entities whose parent is entityID
	GET  /v1/sessions/{sessionID}/entities entities in a session
	GET  /v1/users/{userID}/entities       entities owned by a user
	GET  /v1/deadletters?limit=N           parked events, oldest first
	POST /v1/deadletters/{id}/replay       reapply a parked event
	POST /v1/reconcile                     run one sweep, optional window overrides
	GET  /v1/reconcile/last                report of the latest sweep
	GET  /health, /ready, /metrics

Errors are JSON objects with a single "error" field. Missing entities map to
404, transient store failures to 503, and rejected commits to 409.

A failed or superseded projection does not fail a command: the response is
still 201 and the commit's "projection" field says what happened.
*/
package api
