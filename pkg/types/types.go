package types

import (
	"fmt"
	"time"
)

// ConnectionKind discriminates the Connection variant payload.
type ConnectionKind string

const (
	ConnectionKindHTTP   ConnectionKind = "http"
	ConnectionKindIMAP   ConnectionKind = "imap"
	ConnectionKindPOP3   ConnectionKind = "pop3"
	ConnectionKindOAuth2 ConnectionKind = "oauth2"
)

// ConnectionState tracks whether a connection may be used by pollers.
// Only a connectivity test may set StateValid; any 401/403 during use
// flips the record to StateInvalid.
type ConnectionState string

const (
	ConnectionStateUnverified ConnectionState = "unverified"
	ConnectionStateValid      ConnectionState = "valid"
	ConnectionStateInvalid    ConnectionState = "invalid"
)

// ServiceKind tags which API family an HTTP connection speaks, so the
// poller can route it to the matching handler.
type ServiceKind string

const (
	ServiceIssueTracker ServiceKind = "issue_tracker"
	ServiceWiki         ServiceKind = "wiki"
	ServiceGit          ServiceKind = "git"
	ServiceGeneric      ServiceKind = "generic"
)

// AuthType selects how the HTTP client authenticates requests.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
)

// RateLimitConfig holds the per-connection outbound request budget.
type RateLimitConfig struct {
	MaxRequestsPerSecond float64 `json:"maxRequestsPerSecond"`
	MaxRequestsPerMinute float64 `json:"maxRequestsPerMinute"`
	Enabled              bool    `json:"enabled"`
}

// HTTPConnection is the variant payload for API-backed sources
// (issue trackers, wikis, git hosting, generic links).
type HTTPConnection struct {
	BaseURL  string      `json:"baseUrl"`
	Service  ServiceKind `json:"service,omitempty"`
	AuthType AuthType    `json:"authType"`
	// Credentials are stored in plaintext: Jervis is a single-user
	// deployment and the staging store is local to the machine.
	Username  string `json:"username,omitempty"`
	Secret    string `json:"secret,omitempty"`
	APIKeyHdr string `json:"apiKeyHeader,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// MailboxConnection is the variant payload shared by IMAP and POP3.
type MailboxConnection struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	UseSSL     bool   `json:"useSsl"`
	FolderName string `json:"folderName,omitempty"`
}

// OAuth2Connection is the variant payload for providers that hand out
// token sets instead of static credentials.
type OAuth2Connection struct {
	Provider     string    `json:"provider"`
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	BaseURL      string    `json:"baseUrl,omitempty"`
}

// Connection is a polymorphic connection record. Exactly one variant
// payload matching Kind is non-nil; deserializers dispatch on Kind.
type Connection struct {
	ID          ID               `json:"id"`
	Name        string           `json:"name"`
	Kind        ConnectionKind   `json:"kind"`
	Enabled     bool             `json:"enabled"`
	State       ConnectionState  `json:"state"`
	StateReason string           `json:"stateReason,omitempty"`
	RateLimit   *RateLimitConfig `json:"rateLimit,omitempty"`

	HTTP   *HTTPConnection    `json:"http,omitempty"`
	IMAP   *MailboxConnection `json:"imap,omitempty"`
	POP3   *MailboxConnection `json:"pop3,omitempty"`
	OAuth2 *OAuth2Connection  `json:"oauth2,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks that the variant payload matches the discriminator.
func (c *Connection) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("connection name is required")
	}
	switch c.Kind {
	case ConnectionKindHTTP:
		if c.HTTP == nil || c.HTTP.BaseURL == "" {
			return fmt.Errorf("connection %s: http payload with baseUrl required", c.Name)
		}
	case ConnectionKindIMAP:
		if c.IMAP == nil || c.IMAP.Host == "" {
			return fmt.Errorf("connection %s: imap payload with host required", c.Name)
		}
	case ConnectionKindPOP3:
		if c.POP3 == nil || c.POP3.Host == "" {
			return fmt.Errorf("connection %s: pop3 payload with host required", c.Name)
		}
	case ConnectionKindOAuth2:
		if c.OAuth2 == nil || c.OAuth2.Provider == "" {
			return fmt.Errorf("connection %s: oauth2 payload with provider required", c.Name)
		}
	default:
		return fmt.Errorf("connection %s: unknown kind %q", c.Name, c.Kind)
	}
	return nil
}

// Usable reports whether pollers may use this connection.
func (c *Connection) Usable() bool {
	return c.Enabled && c.State == ConnectionStateValid
}

// ConnectionFilter scopes what a client or project ingests from a
// connection. A project-level filter overrides the client-level one.
type ConnectionFilter struct {
	ConnectionID     ID       `json:"connectionId"`
	ProjectKeys      []string `json:"projectKeys,omitempty"`
	WikiSpaces       []string `json:"wikiSpaces,omitempty"`
	MailFolders      []string `json:"mailFolders,omitempty"`
	UpdatedSinceDays int      `json:"updatedSinceDays,omitempty"`
}

// Client is a top-level tenant scope. All staged artifacts and tasks
// carry a ClientID.
type Client struct {
	ID            ID                 `json:"id"`
	Name          string             `json:"name"`
	ConnectionIDs []ID               `json:"connectionIds,omitempty"`
	Filters       []ConnectionFilter `json:"filters,omitempty"`

	// Mono-repo: a single git URL covering all of the client's projects.
	MonoRepoURL    string `json:"monoRepoUrl,omitempty"`
	MonoRepoBranch string `json:"monoRepoBranch,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Project is an optional narrower scope under a client. Project git
// settings override the client mono-repo.
type Project struct {
	ID            ID                 `json:"id"`
	ClientID      ID                 `json:"clientId"`
	Name          string             `json:"name"`
	ConnectionIDs []ID               `json:"connectionIds,omitempty"`
	Filters       []ConnectionFilter `json:"filters,omitempty"`

	GitURL    string `json:"gitUrl,omitempty"`
	GitBranch string `json:"gitBranch,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// FilterFor returns the filter for a connection, or nil.
func filterFor(filters []ConnectionFilter, connID ID) *ConnectionFilter {
	for i := range filters {
		if filters[i].ConnectionID == connID {
			return &filters[i]
		}
	}
	return nil
}

// EffectiveFilter resolves the filter for a connection with project-level
// taking precedence over client-level.
func EffectiveFilter(client *Client, project *Project, connID ID) *ConnectionFilter {
	if project != nil {
		if f := filterFor(project.Filters, connID); f != nil {
			return f
		}
	}
	if client != nil {
		return filterFor(client.Filters, connID)
	}
	return nil
}

// PollingCursor is the per-connection incremental sync marker. The poller
// advances it only past artifacts that were successfully persisted.
type PollingCursor struct {
	ConnectionID    ID        `json:"connectionId"`
	Kind            string    `json:"kind"`
	LastFetchedUID  uint32    `json:"lastFetchedUid,omitempty"`
	LastETag        string    `json:"lastEtag,omitempty"`
	LastChangelogID string    `json:"lastChangelogId,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// UnsafeLink caches a negative URL classification so repeat sightings
// never reach the qualifier model again.
type UnsafeLink struct {
	URL       string    `json:"url"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// LearnedPattern is a regex promoted from a qualifier verdict. Enabled
// patterns short-circuit classification to UNSAFE.
type LearnedPattern struct {
	ID        ID        `json:"id"`
	Pattern   string    `json:"pattern"`
	Reason    string    `json:"reason,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
}

// IndexedLink records that a URL was already fetched and indexed for a
// client, deduplicating scraped links.
type IndexedLink struct {
	URL       string    `json:"url"`
	ClientID  ID        `json:"clientId"`
	IndexedAt time.Time `json:"indexedAt"`
}
