// Package httpx wraps net/http with the behavior every outbound source
// call shares: auth header injection per connection, a rate-limit token
// per request, transient-error retries with exponential backoff, and
// status-code mapping onto the typed error taxonomy. Timeouts are never
// retried.
package httpx
