/*
Package storage provides BoltDB-backed persistence for Jervis's staging
and catalog data.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for connections, clients,
projects, the four staged artifact collections, tasks, task memory,
polling cursors and the link safety caches. All data is serialized as JSON
and stored in separate buckets for isolation and efficient scanning.

# Architecture

Jervis uses BoltDB (bbolt) for embedded, transactional storage with zero
external dependencies:

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/jervis.db                │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌───────────────────────────────────────┐ │          │
	│  │  │ connections          (connection ID)  │ │          │
	│  │  │ clients              (client ID)      │ │          │
	│  │  │ projects             (project ID)     │ │          │
	│  │  │ issue_tracker_items  (connId/srcKey)  │ │          │
	│  │  │ wiki_pages           (connId/srcKey)  │ │          │
	│  │  │ email_messages       (connId/srcKey)  │ │          │
	│  │  │ git_commits          (connId/srcKey)  │ │          │
	│  │  │ tasks                (task ID)        │ │          │
	│  │  │ task_memory          (taskId/memId)   │ │          │
	│  │  │ polling_cursors      (connId/kind)    │ │          │
	│  │  │ indexed_links        (clientId/url)   │ │          │
	│  │  │ unsafe_links         (url)            │ │          │
	│  │  │ unsafe_link_patterns (pattern ID)     │ │          │
	│  │  └───────────────────────────────────────┘ │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - Read: db.View() - Concurrent reads       │          │
	│  │  - Write: db.Update() - Serialized writes   │          │
	│  │  - Rollback: Automatic on error             │          │
	│  │  - Commit: Automatic on success + fsync     │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	└────────────────────────────────────────────────────────┘

# Core Components

BoltStore:
  - Implements Store interface using BoltDB
  - Single database file in the configured data directory
  - Automatic bucket creation on initialization
  - Thread-safe via BoltDB's transaction model

Catalog Buckets:
  - connections: Polymorphic source connection records
  - clients: Client records with mono-repo settings
  - projects: Projects grouped under clients
  - polling_cursors: Incremental poll positions per connection and kind

Staged Artifact Buckets:
  - issue_tracker_items: Issues pulled from Jira-compatible trackers
  - wiki_pages: Pages pulled from Confluence-compatible wikis
  - email_messages: Mail pulled from IMAP and POP3 mailboxes
  - git_commits: Commit history synced from git remotes

Task Buckets:
  - tasks: Background and foreground tasks with lifecycle state
  - task_memory: Summaries written when tasks complete

Link Safety Buckets:
  - indexed_links: Per-client record of links already indexed
  - unsafe_links: Links rejected by the safety qualifier
  - unsafe_link_patterns: Learned rejection patterns

Transaction Model:
  - Read transactions: db.View() - Concurrent, consistent snapshots
  - Write transactions: db.Update() - Serialized, atomic commits
  - Isolation: Snapshot isolation (MVCC)
  - Durability: fsync on commit ensures crash recovery

# Keying and Uniqueness

Composite keys make the uniqueness constraints structural rather than
checked:

	issue_tracker_items     connectionId/sourceKey
	wiki_pages              connectionId/sourceKey
	email_messages          connectionId/sourceKey
	git_commits             connectionId/sourceKey
	task_memory             taskId/memoryId
	polling_cursors         connectionId/kind
	indexed_links           clientId/url
	unsafe_links            url

A source can never stage the same artifact twice under one connection,
and a polling cursor is always one record per connection and kind. IMAP
cursors use the kind "imap/<folder>" so every mailbox folder advances
independently.

# Artifact Lifecycle

Staged artifacts carry an ArtifactMeta envelope with a lifecycle state:

	NEW ──────► INDEXING ──────► INDEXED
	               │
	               └──────────► FAILED

UpsertIfNewer implements the ingest idempotency contract:
  - Unseen artifact: stored with state NEW, outcome "created"
  - Same externalUpdatedAt: payload untouched, outcome "skipped"
  - Strictly newer externalUpdatedAt: payload replaced, lifecycle reset
    to NEW, identity (key) unchanged, outcome "updated"

CASArtifactState moves an artifact between states only when it is
currently in the expected state. The indexer claims work with
NEW -> INDEXING; when two workers race, BoltDB's single-writer model
guarantees exactly one claim succeeds and the loser gets a clean false.

MarkArtifactIndexed and MarkArtifactFailed finish the cycle, recording
document and chunk counts or the failure reason on the envelope without
touching the payload.

# Task Claims

Tasks follow the same compare-and-set discipline:

ClaimNextQualification:
  - Scans for READY_FOR_QUALIFICATION tasks whose retry time has passed
  - Oldest first, moved to QUALIFYING inside one update transaction
  - Returns nil when nothing is eligible

ClaimNextExecution:
  - Scans for READY_FOR_GPU tasks
  - Foreground tasks claimed before background tasks, oldest first
  - Moved to DISPATCHED_GPU inside one update transaction

CASTaskState:
  - Generic guarded transition used by the engine
  - Returns false without error when the task moved meanwhile

# Usage

Creating a Store:

	store, err := storage.NewBoltStore("/var/lib/jervis")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

Connection Operations:

	conn := &types.Connection{
		Name:    "company-jira",
		Kind:    types.ConnectionKindHTTP,
		Enabled: true,
		HTTP: &types.HTTPConnection{
			BaseURL:  "https://jira.example.com",
			Service:  types.ServiceIssueTracker,
			AuthType: types.AuthBasic,
			Username: "bot",
			Secret:   "token",
		},
	}
	err := store.CreateConnection(conn)

	conn, err = store.GetConnectionByName("company-jira")
	conns, err := store.ListEnabledConnections()

Staging Artifacts:

	outcome, err := store.UpsertIfNewer(storage.SourceIssues, issue)
	switch outcome {
	case storage.UpsertCreated, storage.UpsertUpdated:
		// artifact is NEW and will be picked up by the indexer
	case storage.UpsertSkipped:
		// staged copy is already current
	}

Indexing Claims:

	items, err := store.FindNew(storage.SourceWiki, 32)
	for _, item := range items {
		ok, err := store.CASArtifactState(storage.SourceWiki,
			item.Meta.ConnectionID, item.Meta.SourceKey,
			types.ArtifactStateNew, types.ArtifactStateIndexing)
		if err != nil || !ok {
			continue // another worker got it
		}
		// ... index, then:
		err = store.MarkArtifactIndexed(storage.SourceWiki,
			item.Meta.ConnectionID, item.Meta.SourceKey, docs, chunks)
	}

Cursor Operations:

	cursor, err := store.GetCursor(conn.ID, "imap/INBOX")
	err = store.PutCursor(&types.PollingCursor{
		ConnectionID:   conn.ID,
		Kind:           "imap/INBOX",
		LastFetchedUID: 4711,
		UpdatedAt:      time.Now(),
	})

# Integration Points

This package integrates with:

  - pkg/poller: Stages artifacts and advances polling cursors
  - pkg/indexer: Claims NEW artifacts and records index outcomes
  - pkg/engine: Claims tasks and drives the task state machine
  - pkg/safety: Reads and writes the link safety caches
  - pkg/registry: Persists connection records and probe verdicts
  - pkg/api: Serves catalog reads and pipeline counters
  - pkg/types: All entity definitions

# Design Patterns

Upsert Pattern:
  - Save operations overwrite by key (db.Put)
  - No separate "exists" check needed
  - Atomic replacement

Guarded Transitions:
  - Every state change reads, compares and writes in one transaction
  - Races resolve to exactly one winner
  - Losers receive false, never a partial write

Idempotent Deletes:
  - Delete returns no error if key doesn't exist
  - Safe to call multiple times

Cursor Iteration:
  - ForEach pattern for full bucket scans
  - Memory efficient (streaming)
  - Consistent snapshot during iteration

Envelope Mutation:
  - Artifact payloads are opaque JSON
  - Lifecycle updates patch only the meta fields
  - A schema change in one source type cannot corrupt another

Error Wrapping:
  - All errors wrapped with context: fmt.Errorf("op failed: %w", err)
  - ErrNotFound sentinel for missing records

# Performance Characteristics

Read Operations:
  - Get by key: O(log n) via B+tree, typically < 1ms
  - List all: O(n) full scan, ~1ms per 1000 entries
  - FindNew: O(n) scan with state predicate and limit
  - Concurrent reads: Supported via MVCC snapshots

Write Operations:
  - Insert/Update: O(log n) for key, ~1-5ms with fsync
  - Claims: One scan plus one write inside a single transaction
  - Serialized: Only one writer at a time (BoltDB limitation)

Database File Size:
  - Empty: 32KB (header + initial pages)
  - Typical single-user install: tens of MB
  - Dominated by staged artifact payloads (mail bodies, wiki HTML)
  - Growth: Linear with artifact count

# Troubleshooting

Database Locked:
  - Symptom: "timeout" opening the database
  - Cause: Another jervis process holds the exclusive file lock
  - Solution: Stop the other process; one daemon per data directory

Database Corruption:
  - Symptom: "invalid database" or checksum errors
  - Cause: Unclean shutdown, disk failure
  - Solution: Restore the file from backup; sources re-stage on poll
  - Prevention: fsync is enabled by default

Slow Writes:
  - Symptom: High latency on staging bursts
  - Cause: Slow disk, large payloads, fsync cost per transaction
  - Check: Disk I/O wait during poll cycles
  - Solution: Use an SSD for the data directory

Large Database File:
  - Symptom: File much larger than live data
  - Cause: Deleted keys leave free pages; BoltDB never shrinks files
  - Solution: Back up and restore into a fresh file

# Monitoring

The pipeline gauges derived from this store:

  - jervis_artifacts_by_state: Artifact counts per source and state
  - jervis_artifacts_staged_total: UpsertIfNewer outcomes per source
  - jervis_tasks_by_state: Task counts per lifecycle state
  - jervis_task_queue_depth: READY_FOR_GPU depth per processing mode

# Data Integrity

Transaction Guarantees:
  - Atomicity: All-or-nothing commits
  - Consistency: JSON validation before commit
  - Isolation: Snapshot reads, serialized writes
  - Durability: fsync ensures crash recovery

Backup and Restore:
  - Database is a single file (easy to copy)
  - Backup: Copy the file while the daemon is stopped
  - Restore: Replace file and restart
  - Staged artifacts are re-fetchable; the catalog is the valuable part

# Security

Encryption at Rest:
  - Database file not encrypted; Jervis is a single-user deployment
  - Connection credentials are stored in plaintext inside the file
  - Recommendation: Use disk encryption (LUKS, dm-crypt)

File Permissions:
  - Database file: 0600 (owner read/write only)
  - Directory: 0700 (owner full access only)
  - Prevents other local users from reading staged data

# See Also

  - pkg/types for all entity definitions
  - pkg/indexer for the NEW -> INDEXED consumer
  - pkg/engine for task claim semantics
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
