// Package metrics defines the Prometheus collectors for the ingestion
// pipeline and the task engine, registered on a dedicated registry
// served at /metrics.
package metrics
