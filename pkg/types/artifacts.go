package types

import "time"

// ArtifactState is the staging lifecycle shared by every source collection.
type ArtifactState string

const (
	ArtifactStateNew      ArtifactState = "NEW"
	ArtifactStateIndexing ArtifactState = "INDEXING"
	ArtifactStateIndexed  ArtifactState = "INDEXED"
	ArtifactStateFailed   ArtifactState = "FAILED"
)

// ArtifactMeta carries the lifecycle fields shared by all staged artifacts.
// (ConnectionID, SourceKey) is unique within each source collection.
type ArtifactMeta struct {
	ID                ID            `json:"id"`
	ClientID          ID            `json:"clientId"`
	ProjectID         ID            `json:"projectId,omitempty"`
	ConnectionID      ID            `json:"connectionId"`
	SourceKey         string        `json:"sourceKey"`
	CreatedAt         time.Time     `json:"createdAt"`
	ExternalUpdatedAt time.Time     `json:"externalUpdatedAt"`
	State             ArtifactState `json:"state"`
	LastIndexedAt     *time.Time    `json:"lastIndexedAt,omitempty"`
	IndexingError     string        `json:"indexingError,omitempty"`
	DocumentCount     int           `json:"documentCount,omitempty"`
	ChunkCount        int           `json:"chunkCount,omitempty"`
}

// Meta exposes the embedded lifecycle fields through the Artifact interface.
func (m *ArtifactMeta) Meta() *ArtifactMeta { return m }

// Artifact is implemented by every staged record type.
type Artifact interface {
	Meta() *ArtifactMeta
}

// Comment is one comment on an issue or page, indexed as its own document.
type Comment struct {
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// AttachmentMeta describes an attachment without its payload. Jervis
// stages attachment metadata only; binaries are never downloaded.
type AttachmentMeta struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	URL       string `json:"url,omitempty"`
}

// IssueItem is a fully expanded issue: summary, description, comments and
// attachment metadata fetched in a single search call.
type IssueItem struct {
	ArtifactMeta

	Key         string           `json:"key"`
	Summary     string           `json:"summary"`
	Description string           `json:"description,omitempty"`
	Status      string           `json:"status,omitempty"`
	Priority    string           `json:"priority,omitempty"`
	IssueType   string           `json:"issueType,omitempty"`
	Assignee    string           `json:"assignee,omitempty"`
	Reporter    string           `json:"reporter,omitempty"`
	Labels      []string         `json:"labels,omitempty"`
	Comments    []Comment        `json:"comments,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
	URL         string           `json:"url,omitempty"`
}

// WikiPage is a wiki page with body storage format and attachment metadata.
type WikiPage struct {
	ArtifactMeta

	Title       string           `json:"title"`
	SpaceKey    string           `json:"spaceKey,omitempty"`
	Body        string           `json:"body"`
	Version     int              `json:"version,omitempty"`
	Author      string           `json:"author,omitempty"`
	Comments    []Comment        `json:"comments,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
	URL         string           `json:"url,omitempty"`
}

// EmailMessage is one mail message. For IMAP the SourceKey is the folder
// UID; for POP3 it is the Message-ID header. A message whose content could
// not be loaded still gets staged with TextBody set to an error marker so
// the artifact is tracked.
type EmailMessage struct {
	ArtifactMeta

	Subject     string           `json:"subject,omitempty"`
	From        string           `json:"from,omitempty"`
	To          []string         `json:"to,omitempty"`
	Cc          []string         `json:"cc,omitempty"`
	Date        time.Time        `json:"date,omitempty"`
	Folder      string           `json:"folder,omitempty"`
	UID         uint32           `json:"uid,omitempty"`
	MessageID   string           `json:"messageId,omitempty"`
	TextBody    string           `json:"textBody,omitempty"`
	HTMLBody    string           `json:"htmlBody,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
}

// GitCommit is one commit from a client mono-repo or project repository.
// The SourceKey is the commit hash.
type GitCommit struct {
	ArtifactMeta

	Hash        string    `json:"hash"`
	Author      string    `json:"author,omitempty"`
	AuthorEmail string    `json:"authorEmail,omitempty"`
	Message     string    `json:"message"`
	CommittedAt time.Time `json:"committedAt"`
	Branch      string    `json:"branch,omitempty"`
	RepoURL     string    `json:"repoUrl,omitempty"`
	Files       []string  `json:"files,omitempty"`
}
