/*
Package health probes the stores convsync depends on and feeds the results
into the process health registry served on /health and /ready.

# Checkers

Every probe implements Checker:

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

Three checkers are provided:

  - PingChecker calls a store's own Ping (ledger, write store, read store)
  - HTTPChecker requests an HTTP health endpoint; SurrealHealthURL derives
    SurrealDB's /health URL from its RPC connection URL
  - TCPChecker dials a port; PostgresAddress extracts host:port from a DSN

# Monitor

Monitor runs all registered probes every Interval, each bounded by Timeout.
Status applies hysteresis: a component is reported unhealthy only after
Retries consecutive failures and recovers on the first success, so a single
slow ping does not flip readiness. Several probes may report the same
component, which is then healthy only while all of them pass.

When a component turns unhealthy the monitor publishes a health.degraded
event on the broker.

	m := health.NewMonitor(health.DefaultConfig(), broker)
	m.Register(metrics.ComponentLedger, health.NewPingChecker("ledger", ledger))
	go m.Run(ctx)
*/
package health
