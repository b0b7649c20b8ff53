// Package log configures the global zerolog logger and provides child
// logger helpers that attach the standard context fields (component,
// connection, task id).
package log
