// Package indexer drains staged artifacts into the semantic search
// store. One consumer per source collection claims NEW artifacts with a
// compare-and-set, cuts them into documents (main body plus one document
// per comment), chunks oversized bodies under the embedding context
// budget, embeds each chunk and batch-writes the result. Artifacts end
// in INDEXED with document and chunk counts, or FAILED with the error
// recorded; failed artifacts are not retried until the source publishes
// a newer version.
package indexer
