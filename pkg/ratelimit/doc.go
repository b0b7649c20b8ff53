// Package ratelimit throttles outbound requests per target domain with
// combined per-second and per-minute buckets. A janitor evicts idle
// domains, and an upstream 429 temporarily halves the domain's rate.
package ratelimit
