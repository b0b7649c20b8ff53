/*
Package sources contains the typed clients the poller uses to pull
complete content out of external systems: issue trackers, wikis,
mailboxes (IMAP and POP3) and git remotes.

Every client fetches full artifacts in as few round trips as the
protocol allows; nothing here writes to the search store or mutates the
remote system. Mailbox access is strictly read-only (IMAP folders are
opened with EXAMINE) and git remotes are cloned or fetched, never pushed.
*/
package sources
