package poller

import (
	"context"
	"sort"
	"time"

	"github.com/jervisai/jervis/pkg/metrics"
	"github.com/jervisai/jervis/pkg/sources"
	"github.com/jervisai/jervis/pkg/storage"
	"github.com/jervisai/jervis/pkg/types"
)

// IssueHandler polls Jira-compatible issue trackers.
type IssueHandler struct {
	client *sources.IssueTrackerClient
	store  storage.Store
}

// NewIssueHandler creates an IssueHandler.
func NewIssueHandler(client *sources.IssueTrackerClient, store storage.Store) *IssueHandler {
	return &IssueHandler{client: client, store: store}
}

func (h *IssueHandler) Name() string { return "issue_tracker" }

func (h *IssueHandler) CanHandle(conn *types.Connection) bool {
	return conn.Kind == types.ConnectionKindHTTP && conn.HTTP != nil &&
		conn.HTTP.Service == types.ServiceIssueTracker
}

func (h *IssueHandler) Poll(ctx context.Context, conn *types.Connection, scope Scope) (Result, error) {
	var projectKeys []string
	var updatedSince time.Time
	if scope.Filter != nil {
		projectKeys = scope.Filter.ProjectKeys
		if scope.Filter.UpdatedSinceDays > 0 {
			updatedSince = time.Now().AddDate(0, 0, -scope.Filter.UpdatedSinceDays)
		}
	}

	items, err := h.client.SearchFull(ctx, conn, projectKeys, updatedSince)
	result := Result{Discovered: len(items)}
	if err != nil {
		result.Errors++
		return result, err
	}

	for i := range items {
		stamp(&items[i].ArtifactMeta, scope)
		outcome, err := h.store.UpsertIfNewer(storage.SourceIssues, &items[i])
		tally(&result, storage.SourceIssues, outcome, err)
	}
	return result, nil
}

// WikiHandler polls Confluence-compatible wikis. Search returns cheap
// stubs; full pages are fetched only when the staged copy is stale.
type WikiHandler struct {
	client *sources.WikiClient
	store  storage.Store
}

// NewWikiHandler creates a WikiHandler.
func NewWikiHandler(client *sources.WikiClient, store storage.Store) *WikiHandler {
	return &WikiHandler{client: client, store: store}
}

func (h *WikiHandler) Name() string { return "wiki" }

func (h *WikiHandler) CanHandle(conn *types.Connection) bool {
	return conn.Kind == types.ConnectionKindHTTP && conn.HTTP != nil &&
		conn.HTTP.Service == types.ServiceWiki
}

func (h *WikiHandler) Poll(ctx context.Context, conn *types.Connection, scope Scope) (Result, error) {
	var spaces []string
	var updatedSince time.Time
	if scope.Filter != nil {
		spaces = scope.Filter.WikiSpaces
		if scope.Filter.UpdatedSinceDays > 0 {
			updatedSince = time.Now().AddDate(0, 0, -scope.Filter.UpdatedSinceDays)
		}
	}

	stubs, err := h.client.SearchPages(ctx, conn, spaces, updatedSince)
	result := Result{Discovered: len(stubs)}
	if err != nil {
		result.Errors++
		return result, err
	}

	for _, stub := range stubs {
		existing, err := h.store.GetArtifact(storage.SourceWiki, conn.ID, stub.SourceKey)
		if err == nil && existing != nil && !existing.Meta.ExternalUpdatedAt.Before(stub.ExternalUpdatedAt) {
			result.Skipped++
			continue
		}

		page, err := h.client.GetPage(ctx, conn, stub.SourceKey)
		if err != nil {
			if types.IsAuth(err) {
				result.Errors++
				return result, err
			}
			result.Errors++
			continue
		}

		stamp(&page.ArtifactMeta, scope)
		outcome, err := h.store.UpsertIfNewer(storage.SourceWiki, page)
		tally(&result, storage.SourceWiki, outcome, err)
	}
	return result, nil
}

// MailHandler polls IMAP and POP3 mailboxes. For IMAP the polling
// cursor is the last persisted UID; the cursor only moves past messages
// that actually made it into the staging store, so a mid-batch failure
// re-fetches the remainder next poll.
type MailHandler struct {
	imap  sources.MailReader
	pop3  sources.MailReader
	store storage.Store
}

// NewMailHandler creates a MailHandler.
func NewMailHandler(imap, pop3 sources.MailReader, store storage.Store) *MailHandler {
	return &MailHandler{imap: imap, pop3: pop3, store: store}
}

func (h *MailHandler) Name() string { return "mail" }

func (h *MailHandler) CanHandle(conn *types.Connection) bool {
	return conn.Kind == types.ConnectionKindIMAP || conn.Kind == types.ConnectionKindPOP3
}

func (h *MailHandler) Poll(ctx context.Context, conn *types.Connection, scope Scope) (Result, error) {
	if conn.Kind == types.ConnectionKindIMAP {
		return h.pollIMAP(ctx, conn, scope)
	}
	return h.pollPOP3(ctx, conn, scope)
}

func (h *MailHandler) pollIMAP(ctx context.Context, conn *types.Connection, scope Scope) (Result, error) {
	var result Result

	for _, folder := range mailFolders(conn, scope) {
		if err := h.pollIMAPFolder(ctx, conn, scope, folder, &result); err != nil {
			result.Errors++
			return result, err
		}
	}
	return result, nil
}

// pollIMAPFolder fetches one folder against its own UID cursor. Cursors
// are keyed per folder because IMAP UIDs are only ordered within one
// mailbox.
func (h *MailHandler) pollIMAPFolder(ctx context.Context, conn *types.Connection, scope Scope, folder string, result *Result) error {
	cursorKind := "imap/" + folder

	cursor, err := h.store.GetCursor(conn.ID, cursorKind)
	var lastUID uint32
	if err == nil && cursor != nil {
		lastUID = cursor.LastFetchedUID
	}

	messages, err := h.imap.FetchNew(ctx, conn, folder, lastUID)
	result.Discovered += len(messages)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].UID < messages[j].UID })

	persistedUpTo := lastUID
	for i := range messages {
		stamp(&messages[i].ArtifactMeta, scope)
		outcome, err := h.store.UpsertIfNewer(storage.SourceEmail, &messages[i])
		tally(result, storage.SourceEmail, outcome, err)
		if err != nil {
			// Cursor must not jump over an unpersisted message
			break
		}
		persistedUpTo = messages[i].UID
	}

	if persistedUpTo > lastUID {
		putErr := h.store.PutCursor(&types.PollingCursor{
			ConnectionID:   conn.ID,
			Kind:           cursorKind,
			LastFetchedUID: persistedUpTo,
			UpdatedAt:      time.Now(),
		})
		if putErr != nil {
			return putErr
		}
	}
	return nil
}

// mailFolders resolves which folders a poll opens: the scope filter's
// selection when present, otherwise the connection's configured folder,
// otherwise INBOX.
func mailFolders(conn *types.Connection, scope Scope) []string {
	if scope.Filter != nil && len(scope.Filter.MailFolders) > 0 {
		return scope.Filter.MailFolders
	}
	if conn.IMAP != nil && conn.IMAP.FolderName != "" {
		return []string{conn.IMAP.FolderName}
	}
	return []string{"INBOX"}
}

func (h *MailHandler) pollPOP3(ctx context.Context, conn *types.Connection, scope Scope) (Result, error) {
	var result Result

	messages, err := h.pop3.FetchNew(ctx, conn, "", 0)
	result.Discovered = len(messages)
	if err != nil {
		result.Errors++
		return result, err
	}

	for i := range messages {
		stamp(&messages[i].ArtifactMeta, scope)
		outcome, err := h.store.UpsertIfNewer(storage.SourceEmail, &messages[i])
		tally(&result, storage.SourceEmail, outcome, err)
	}
	return result, nil
}

// GitHandler stages commit history from the scope's repository: the
// project git settings when present, otherwise the client mono-repo.
type GitHandler struct {
	remote *sources.GitRemote
	store  storage.Store
}

// NewGitHandler creates a GitHandler.
func NewGitHandler(remote *sources.GitRemote, store storage.Store) *GitHandler {
	return &GitHandler{remote: remote, store: store}
}

func (h *GitHandler) Name() string { return "git" }

func (h *GitHandler) CanHandle(conn *types.Connection) bool {
	return conn.Kind == types.ConnectionKindHTTP && conn.HTTP != nil &&
		conn.HTTP.Service == types.ServiceGit
}

func (h *GitHandler) Poll(ctx context.Context, conn *types.Connection, scope Scope) (Result, error) {
	var result Result

	repoURL, branch := repoFor(scope)
	if repoURL == "" {
		return result, nil
	}

	// A previously discovered default branch is reused until overridden
	if branch == "" {
		if cursor, err := h.store.GetCursor(conn.ID, "git"); err == nil && cursor != nil {
			branch = cursor.LastETag
		}
	}

	commits, usedBranch, err := h.remote.SyncCommits(ctx, conn, repoURL, branch)
	result.Discovered = len(commits)
	if err != nil {
		result.Errors++
		return result, err
	}

	if usedBranch != branch {
		putErr := h.store.PutCursor(&types.PollingCursor{
			ConnectionID: conn.ID,
			Kind:         "git",
			LastETag:     usedBranch,
			UpdatedAt:    time.Now(),
		})
		if putErr != nil {
			result.Errors++
		}
	}

	for i := range commits {
		stamp(&commits[i].ArtifactMeta, scope)
		outcome, err := h.store.UpsertIfNewer(storage.SourceGit, &commits[i])
		tally(&result, storage.SourceGit, outcome, err)
	}
	return result, nil
}

// repoFor resolves the repository for a scope: project settings override
// the client mono-repo.
func repoFor(scope Scope) (url, branch string) {
	if scope.Project != nil && scope.Project.GitURL != "" {
		return scope.Project.GitURL, scope.Project.GitBranch
	}
	if scope.Client != nil {
		return scope.Client.MonoRepoURL, scope.Client.MonoRepoBranch
	}
	return "", ""
}

// stamp fills the owning client and project on a staged artifact.
func stamp(meta *types.ArtifactMeta, scope Scope) {
	if scope.Client != nil {
		meta.ClientID = scope.Client.ID
	}
	if scope.Project != nil {
		meta.ProjectID = scope.Project.ID
	}
}

// tally folds one upsert outcome into the poll result.
func tally(result *Result, src storage.Source, outcome storage.UpsertOutcome, err error) {
	if err != nil {
		result.Errors++
		return
	}
	metrics.ArtifactsStaged.WithLabelValues(string(src), string(outcome)).Inc()
	switch outcome {
	case storage.UpsertCreated, storage.UpsertUpdated:
		result.Created++
	case storage.UpsertSkipped:
		result.Skipped++
	}
}
