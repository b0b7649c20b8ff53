package indexer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisai/jervis/pkg/config"
	"github.com/jervisai/jervis/pkg/safety"
	"github.com/jervisai/jervis/pkg/search"
	"github.com/jervisai/jervis/pkg/storage"
	"github.com/jervisai/jervis/pkg/types"
)

type fakeEmbedder struct {
	mu     sync.Mutex
	models []string
	texts  []string
	err    error
}

func (f *fakeEmbedder) Embed(_ context.Context, model, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.models = append(f.models, model)
	f.texts = append(f.texts, text)
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	classes []string
	chunks  []search.Chunk
	deletes []string
	err     error
}

func (f *fakeWriter) WriteChunks(_ context.Context, class string, chunks []search.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.classes = append(f.classes, class)
	f.chunks = append(f.chunks, chunks...)
	return nil
}

func (f *fakeWriter) DeleteByParent(_ context.Context, class, parentRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, class+"/"+parentRef)
	return nil
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestIndexer(store storage.Store, embedder *fakeEmbedder, writer *fakeWriter) *Indexer {
	cfg := config.DefaultConfig()
	cfg.LLM.EmbeddingCodeModel = "code-embed"
	return New(store, embedder, writer, nil, cfg.LLM, cfg.Indexer, nil)
}

func stageIssue(t *testing.T, store storage.Store, clientID types.ID) *types.IssueItem {
	t.Helper()
	issue := &types.IssueItem{
		ArtifactMeta: types.ArtifactMeta{
			ClientID:          clientID,
			ConnectionID:      types.NewID(),
			SourceKey:         "PROJ-42",
			ExternalUpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Key:         "PROJ-42",
		Summary:     "Login times out",
		Description: "Session refresh fails after upgrade.",
		Reporter:    "alice",
		URL:         "https://tracker.example.com/browse/PROJ-42",
		Comments: []types.Comment{
			{Author: "bob", Body: "Reproduced on staging."},
			{Author: "carol", Body: "Fix deployed, please verify."},
		},
	}
	outcome, err := store.UpsertIfNewer(storage.SourceIssues, issue)
	require.NoError(t, err)
	require.Equal(t, storage.UpsertCreated, outcome)
	return issue
}

func TestDrainBatchIndexesIssueWithComments(t *testing.T) {
	store := newTestStore(t)
	clientID := types.NewID()
	issue := stageIssue(t, store, clientID)

	embedder := &fakeEmbedder{}
	writer := &fakeWriter{}
	ix := newTestIndexer(store, embedder, writer)

	processed := ix.drainBatch(context.Background(), storage.SourceIssues)
	assert.Equal(t, 1, processed)

	// Main document plus one per comment
	require.Len(t, writer.chunks, 3)
	assert.Equal(t, []string{search.ClassSemanticText}, writer.classes)

	main := writer.chunks[0]
	assert.Equal(t, "PROJ-42#main", main.ChunkOf)
	assert.Contains(t, main.Text, "Login times out")
	assert.Contains(t, main.Text, "Session refresh fails")
	assert.Equal(t, []string{"PROJ-42#comment-0", "PROJ-42#comment-1"}, main.RelatedDocs)
	assert.Equal(t, clientID, main.ClientID)
	assert.Equal(t, string(storage.SourceIssues), main.SourceType)
	assert.Equal(t, issue.URL, main.SourceURI)

	comment := writer.chunks[1]
	assert.Equal(t, "PROJ-42#comment-0", comment.ChunkOf)
	assert.Equal(t, "bob", comment.Author)
	assert.Equal(t, []string{"PROJ-42#main"}, comment.RelatedDocs)
	assert.Equal(t, main.ParentRef, comment.ParentRef)

	item, err := store.GetArtifact(storage.SourceIssues, issue.ConnectionID, issue.SourceKey)
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactStateIndexed, item.Meta.State)
	assert.Equal(t, 3, item.Meta.DocumentCount)
	assert.Equal(t, 3, item.Meta.ChunkCount)
	require.NotNil(t, item.Meta.LastIndexedAt)

	// The issue URL never needs link qualification again
	link, err := store.GetIndexedLink(issue.URL, clientID)
	require.NoError(t, err)
	assert.Equal(t, clientID, link.ClientID)
}

func TestIndexGitCommitUsesCodeModelAndClass(t *testing.T) {
	store := newTestStore(t)
	commit := &types.GitCommit{
		ArtifactMeta: types.ArtifactMeta{
			ClientID:          types.NewID(),
			ConnectionID:      types.NewID(),
			SourceKey:         "abc123",
			ExternalUpdatedAt: time.Now(),
		},
		Hash:        "abc123",
		Author:      "dave",
		Message:     "fix: stop leaking the session ticker\n\nThe refresh loop never stopped.",
		CommittedAt: time.Now(),
		Branch:      "main",
		RepoURL:     "https://git.example.com/mono.git",
		Files:       []string{"pkg/session/refresh.go"},
	}
	_, err := store.UpsertIfNewer(storage.SourceGit, commit)
	require.NoError(t, err)

	embedder := &fakeEmbedder{}
	writer := &fakeWriter{}
	ix := newTestIndexer(store, embedder, writer)

	processed := ix.drainBatch(context.Background(), storage.SourceGit)
	assert.Equal(t, 1, processed)

	require.Len(t, writer.chunks, 1)
	assert.Equal(t, []string{search.ClassSemanticCode}, writer.classes)
	assert.Equal(t, []string{"code-embed"}, embedder.models)

	chunk := writer.chunks[0]
	assert.Equal(t, "main", chunk.Branch)
	assert.Equal(t, "fix: stop leaking the session ticker", chunk.Title)
	assert.Contains(t, chunk.Text, "pkg/session/refresh.go")
}

func TestEmbedFailureMarksArtifactFailed(t *testing.T) {
	store := newTestStore(t)
	issue := stageIssue(t, store, types.NewID())

	embedder := &fakeEmbedder{err: types.Transient("model server down", assert.AnError)}
	writer := &fakeWriter{}
	ix := newTestIndexer(store, embedder, writer)

	processed := ix.drainBatch(context.Background(), storage.SourceIssues)
	assert.Equal(t, 1, processed)
	assert.Empty(t, writer.chunks)

	item, err := store.GetArtifact(storage.SourceIssues, issue.ConnectionID, issue.SourceKey)
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactStateFailed, item.Meta.State)
	assert.Contains(t, item.Meta.IndexingError, "model server down")

	// Failed artifacts are terminal: another cycle leaves them alone
	processed = ix.drainBatch(context.Background(), storage.SourceIssues)
	assert.Zero(t, processed)
}

func TestDrainBatchSkipsAlreadyClaimed(t *testing.T) {
	store := newTestStore(t)
	issue := stageIssue(t, store, types.NewID())

	claimed, err := store.CASArtifactState(storage.SourceIssues, issue.ConnectionID, issue.SourceKey,
		types.ArtifactStateNew, types.ArtifactStateIndexing)
	require.NoError(t, err)
	require.True(t, claimed)

	ix := newTestIndexer(store, &fakeEmbedder{}, &fakeWriter{})
	processed := ix.drainBatch(context.Background(), storage.SourceIssues)
	assert.Zero(t, processed)
}

func TestUpstreamEditTriggersReindexWithCleanup(t *testing.T) {
	store := newTestStore(t)
	clientID := types.NewID()
	issue := stageIssue(t, store, clientID)

	embedder := &fakeEmbedder{}
	writer := &fakeWriter{}
	ix := newTestIndexer(store, embedder, writer)

	require.Equal(t, 1, ix.drainBatch(context.Background(), storage.SourceIssues))
	require.Len(t, writer.deletes, 1)

	// Upstream edit arrives: fewer comments than before
	edited := *issue
	edited.ExternalUpdatedAt = issue.ExternalUpdatedAt.Add(time.Hour)
	edited.Comments = nil
	outcome, err := store.UpsertIfNewer(storage.SourceIssues, &edited)
	require.NoError(t, err)
	require.Equal(t, storage.UpsertUpdated, outcome)

	require.Equal(t, 1, ix.drainBatch(context.Background(), storage.SourceIssues))

	// Stale chunks from the first shape were cleared before the rewrite
	require.Len(t, writer.deletes, 2)
	parent := writer.chunks[0].ParentRef
	assert.Equal(t, search.ClassSemanticText+"/"+parent, writer.deletes[1])

	item, err := store.GetArtifact(storage.SourceIssues, issue.ConnectionID, issue.SourceKey)
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactStateIndexed, item.Meta.State)
	assert.Equal(t, 1, item.Meta.DocumentCount)
}

func TestOversizedBodySplitsIntoChunks(t *testing.T) {
	store := newTestStore(t)
	issue := &types.IssueItem{
		ArtifactMeta: types.ArtifactMeta{
			ClientID:          types.NewID(),
			ConnectionID:      types.NewID(),
			SourceKey:         "PROJ-99",
			ExternalUpdatedAt: time.Now(),
		},
		Key:         "PROJ-99",
		Summary:     "Huge log dump",
		Description: strings.Repeat("line of diagnostic output\n\n", 60),
	}
	_, err := store.UpsertIfNewer(storage.SourceIssues, issue)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.LLM.ContextTokens = 100
	embedder := &fakeEmbedder{}
	writer := &fakeWriter{}
	ix := New(store, embedder, writer, nil, cfg.LLM, cfg.Indexer, nil)

	require.Equal(t, 1, ix.drainBatch(context.Background(), storage.SourceIssues))
	require.Greater(t, len(writer.chunks), 1)

	seen := make(map[string]bool)
	for _, chunk := range writer.chunks {
		assert.Equal(t, "PROJ-99#main", chunk.ChunkOf)
		assert.False(t, seen[chunk.ChunkID], "chunk ids must be unique")
		seen[chunk.ChunkID] = true
	}

	item, err := store.GetArtifact(storage.SourceIssues, issue.ConnectionID, issue.SourceKey)
	require.NoError(t, err)
	assert.Equal(t, 1, item.Meta.DocumentCount)
	assert.Equal(t, len(writer.chunks), item.Meta.ChunkCount)
}

type fakeLinkQualifier struct {
	mu   sync.Mutex
	urls []string
}

func (f *fakeLinkQualifier) Qualify(_ context.Context, _ types.ID, rawURL, _ string) (safety.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, rawURL)
	return safety.Result{Verdict: safety.VerdictUncertain}, nil
}

func TestEmailBodyLinksAreQualified(t *testing.T) {
	store := newTestStore(t)
	msg := &types.EmailMessage{
		ArtifactMeta: types.ArtifactMeta{
			ClientID:          types.NewID(),
			ConnectionID:      types.NewID(),
			SourceKey:         "INBOX/9",
			ExternalUpdatedAt: time.Now(),
		},
		Subject:  "Release notes",
		From:     "release@example.com",
		TextBody: "Full changelog: https://example.com/releases/2.4 and docs at https://docs.example.com/migrate.",
	}
	_, err := store.UpsertIfNewer(storage.SourceEmail, msg)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	qualifier := &fakeLinkQualifier{}
	ix := New(store, &fakeEmbedder{}, &fakeWriter{}, qualifier, cfg.LLM, cfg.Indexer, nil)

	require.Equal(t, 1, ix.drainBatch(context.Background(), storage.SourceEmail))
	assert.Equal(t, []string{
		"https://example.com/releases/2.4",
		"https://docs.example.com/migrate",
	}, qualifier.urls)
}

func TestEmailFallsBackToStrippedHTML(t *testing.T) {
	store := newTestStore(t)
	msg := &types.EmailMessage{
		ArtifactMeta: types.ArtifactMeta{
			ClientID:          types.NewID(),
			ConnectionID:      types.NewID(),
			SourceKey:         "INBOX/12",
			ExternalUpdatedAt: time.Now(),
		},
		Subject:  "Maintenance window",
		From:     "ops@example.com",
		Folder:   "INBOX",
		HTMLBody: "<html><body><p>Downtime on <b>Friday</b> at 22:00.</p></body></html>",
	}
	_, err := store.UpsertIfNewer(storage.SourceEmail, msg)
	require.NoError(t, err)

	writer := &fakeWriter{}
	ix := newTestIndexer(store, &fakeEmbedder{}, writer)

	require.Equal(t, 1, ix.drainBatch(context.Background(), storage.SourceEmail))
	require.Len(t, writer.chunks, 1)
	chunk := writer.chunks[0]
	assert.Contains(t, chunk.Text, "Downtime on")
	assert.Contains(t, chunk.Text, "Friday")
	assert.NotContains(t, chunk.Text, "<b>")
	assert.Equal(t, "INBOX", chunk.Folder)
}
