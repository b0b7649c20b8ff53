// Package api exposes the operational HTTP surface: liveness and
// readiness probes, Prometheus metrics and a server-sent event stream of
// system notifications. The interactive chat API lives in the separate
// UI service; this server is for operators and the supervisor only.
package api
