package storage

import (
	"errors"
	"time"

	"github.com/jervisai/jervis/pkg/types"
)

// ErrNotFound is returned for lookups that match no record.
var ErrNotFound = errors.New("record not found")

// Source names a staged artifact collection. The values double as bucket
// names so logical and physical collection names stay identical.
type Source string

const (
	SourceIssues Source = "issue_tracker_items"
	SourceWiki   Source = "wiki_pages"
	SourceEmail  Source = "email_messages"
	SourceGit    Source = "git_commits"
)

// Sources lists every staged artifact collection.
var Sources = []Source{SourceIssues, SourceWiki, SourceEmail, SourceGit}

// UpsertOutcome reports what UpsertIfNewer did with an artifact.
type UpsertOutcome string

const (
	UpsertCreated UpsertOutcome = "created"
	UpsertUpdated UpsertOutcome = "updated"
	UpsertSkipped UpsertOutcome = "skipped"
)

// StagedItem is one row streamed out of a staged collection. Data holds
// the full JSON payload; Meta is the decoded lifecycle envelope.
type StagedItem struct {
	Key  string
	Meta types.ArtifactMeta
	Data []byte
}

// Store is the durable staging and catalog store. All state transitions
// are atomic: bbolt serializes writers, so a compare-and-set inside one
// update transaction can never interleave with another claim.
type Store interface {
	// Connections
	CreateConnection(conn *types.Connection) error
	UpdateConnection(conn *types.Connection) error
	GetConnection(id types.ID) (*types.Connection, error)
	GetConnectionByName(name string) (*types.Connection, error)
	ListConnections() ([]*types.Connection, error)
	ListEnabledConnections() ([]*types.Connection, error)
	DeleteConnection(id types.ID) error

	// Clients and projects
	SaveClient(client *types.Client) error
	GetClient(id types.ID) (*types.Client, error)
	ListClients() ([]*types.Client, error)
	SaveProject(project *types.Project) error
	GetProject(id types.ID) (*types.Project, error)
	ListProjects() ([]*types.Project, error)
	ListProjectsByClient(clientID types.ID) ([]*types.Project, error)

	// Staged artifacts
	UpsertIfNewer(src Source, artifact types.Artifact) (UpsertOutcome, error)
	GetArtifact(src Source, connID types.ID, sourceKey string) (*StagedItem, error)
	FindNew(src Source, limit int) ([]StagedItem, error)
	CASArtifactState(src Source, connID types.ID, sourceKey string, from, to types.ArtifactState) (bool, error)
	MarkArtifactIndexed(src Source, connID types.ID, sourceKey string, docs, chunks int) error
	MarkArtifactFailed(src Source, connID types.ID, sourceKey string, reason string) error
	CountArtifactsByState(src Source) (map[types.ArtifactState]int, error)

	// Polling cursors
	GetCursor(connID types.ID, kind string) (*types.PollingCursor, error)
	PutCursor(cursor *types.PollingCursor) error

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id types.ID) (*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id types.ID) error
	ListTasks() ([]*types.Task, error)
	ListTasksByState(state types.TaskState) ([]*types.Task, error)
	CASTaskState(id types.ID, from, to types.TaskState) (bool, error)
	ClaimNextQualification(now time.Time) (*types.Task, error)
	ClaimNextExecution() (*types.Task, error)
	CountTasksByState() (map[types.TaskState]int, error)

	// Task memory
	SaveTaskMemory(mem *types.TaskMemory) error
	ListTaskMemory(taskID types.ID) ([]*types.TaskMemory, error)

	// Link safety records
	GetUnsafeLink(url string) (*types.UnsafeLink, error)
	PutUnsafeLink(link *types.UnsafeLink) error
	GetIndexedLink(url string, clientID types.ID) (*types.IndexedLink, error)
	PutIndexedLink(link *types.IndexedLink) error
	ListLearnedPatterns(enabledOnly bool) ([]*types.LearnedPattern, error)
	PutLearnedPattern(pattern *types.LearnedPattern) error

	// Utility
	Close() error
}
