// Package poller runs the ingestion side of the pipeline: a central
// loop walks the enabled connections on their per-protocol cadence and
// hands each to the matching handler, which fetches changed content
// read-only and stages it in the local store. Handlers never touch the
// search index; that is the indexer's side of the staging boundary.
package poller
