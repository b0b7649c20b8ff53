// Package supervisor assembles the daemon: storage, connection
// registry, rate limiter, source clients, search schema, poller,
// indexer, task engine and the operational API, started and stopped as
// one unit with a bounded shutdown.
package supervisor
