// Package registry manages source connections: CRUD over the store,
// read-only reachability probes per protocol, and invalidation. Only a
// successful probe moves a connection to VALID; marking one INVALID
// also raises a user task so the broken credential is visible.
package registry
