/*
Package types defines the shared data model for Jervis.

All identifiers are opaque 12-byte values rendered as 24-character hex
strings. All timestamps are UTC instants. Records are serialized as JSON
when persisted, so every field carries an explicit JSON tag.

The model groups into four families:

  - Catalog records: Connection (a tagged variant over HTTP, IMAP, POP3 and
    OAuth2 payloads), Client and Project with their ConnectionFilter scoping.
  - Staged artifacts: IssueItem, WikiPage, EmailMessage and GitCommit, each
    embedding ArtifactMeta with the NEW -> INDEXING -> INDEXED | FAILED
    lifecycle shared by every source collection.
  - Background tasks: Task with its qualification/execution state machine,
    and TaskMemory summaries produced by the qualifier.
  - Link safety records: UnsafeLink, LearnedPattern and IndexedLink used by
    the URL qualifier and the indexer for deduplication.

The package also defines the error taxonomy (TransientError, AuthError,
PermanentError) that transport clients raise and the polling/indexing loops
dispatch on.
*/
package types
