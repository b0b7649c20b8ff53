// Package search owns the Weaviate side of the pipeline: schema
// reconciliation on startup and idempotent batch writes of externally
// embedded chunks. Chunk object ids are derived deterministically from
// chunk ids, so rewriting a parent's chunks overwrites instead of
// duplicating.
package search
