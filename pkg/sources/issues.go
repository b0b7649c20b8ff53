package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jervisai/jervis/pkg/httpx"
	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/types"
)

const issuePageSize = 50

// issueTimeFormat is the timestamp layout Jira-compatible trackers emit.
const issueTimeFormat = "2006-01-02T15:04:05.000-0700"

// IssueTrackerClient pulls fully expanded issues from a Jira-compatible
// REST API. A single search call returns summary, description, comments
// and attachment metadata, so no per-issue follow-up requests are needed.
type IssueTrackerClient struct {
	http   *httpx.Client
	logger zerolog.Logger
}

// NewIssueTrackerClient creates an IssueTrackerClient on top of the shared
// retrying HTTP client.
func NewIssueTrackerClient(http *httpx.Client) *IssueTrackerClient {
	return &IssueTrackerClient{
		http:   http,
		logger: log.WithComponent("sources.issues"),
	}
}

type issueSearchResponse struct {
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	Total      int         `json:"total"`
	Issues     []issueJSON `json:"issues"`
}

type issueJSON struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Updated     string `json:"updated"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		Priority struct {
			Name string `json:"name"`
		} `json:"priority"`
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Assignee struct {
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
		Reporter struct {
			DisplayName string `json:"displayName"`
		} `json:"reporter"`
		Labels  []string `json:"labels"`
		Comment struct {
			Comments []struct {
				Author struct {
					DisplayName string `json:"displayName"`
				} `json:"author"`
				Body    string `json:"body"`
				Created string `json:"created"`
			} `json:"comments"`
		} `json:"comment"`
		Attachment []struct {
			Filename string `json:"filename"`
			MimeType string `json:"mimeType"`
			Size     int64  `json:"size"`
			Content  string `json:"content"`
		} `json:"attachment"`
	} `json:"fields"`
}

// SearchFull runs a paged search and returns every matching issue with
// comments and attachment metadata expanded. projectKeys narrows the
// search; updatedSince (zero means unbounded) makes the poll incremental.
func (c *IssueTrackerClient) SearchFull(ctx context.Context, conn *types.Connection, projectKeys []string, updatedSince time.Time) ([]types.IssueItem, error) {
	base := strings.TrimRight(conn.HTTP.BaseURL, "/")
	jql := buildJQL(projectKeys, updatedSince)

	var items []types.IssueItem
	startAt := 0
	for {
		q := url.Values{}
		q.Set("jql", jql)
		q.Set("startAt", fmt.Sprintf("%d", startAt))
		q.Set("maxResults", fmt.Sprintf("%d", issuePageSize))
		q.Set("fields", "summary,description,updated,status,priority,issuetype,assignee,reporter,labels,comment,attachment")

		var page issueSearchResponse
		searchURL := base + "/rest/api/2/search?" + q.Encode()
		if err := c.http.GetJSON(ctx, conn, searchURL, &page); err != nil {
			return items, err
		}

		for _, raw := range page.Issues {
			items = append(items, convertIssue(conn, base, raw))
		}

		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			break
		}
	}

	c.logger.Debug().
		Str("connection", conn.Name).
		Int("issues", len(items)).
		Msg("Issue search complete")
	return items, nil
}

func buildJQL(projectKeys []string, updatedSince time.Time) string {
	var clauses []string
	if len(projectKeys) > 0 {
		clauses = append(clauses, fmt.Sprintf("project in (%s)", strings.Join(projectKeys, ",")))
	}
	if !updatedSince.IsZero() {
		clauses = append(clauses, fmt.Sprintf("updated >= '%s'", updatedSince.Format("2006-01-02 15:04")))
	}
	jql := strings.Join(clauses, " AND ")
	if jql != "" {
		jql += " "
	}
	return jql + "ORDER BY updated ASC"
}

func convertIssue(conn *types.Connection, base string, raw issueJSON) types.IssueItem {
	item := types.IssueItem{
		ArtifactMeta: types.ArtifactMeta{
			ConnectionID:      conn.ID,
			SourceKey:         raw.Key,
			ExternalUpdatedAt: parseIssueTime(raw.Fields.Updated),
		},
		Key:         raw.Key,
		Summary:     raw.Fields.Summary,
		Description: raw.Fields.Description,
		Status:      raw.Fields.Status.Name,
		Priority:    raw.Fields.Priority.Name,
		IssueType:   raw.Fields.IssueType.Name,
		Assignee:    raw.Fields.Assignee.DisplayName,
		Reporter:    raw.Fields.Reporter.DisplayName,
		Labels:      raw.Fields.Labels,
		URL:         base + "/browse/" + raw.Key,
	}

	for _, comment := range raw.Fields.Comment.Comments {
		item.Comments = append(item.Comments, types.Comment{
			Author:    comment.Author.DisplayName,
			Body:      comment.Body,
			CreatedAt: parseIssueTime(comment.Created),
		})
	}
	for _, att := range raw.Fields.Attachment {
		item.Attachments = append(item.Attachments, types.AttachmentMeta{
			Filename:  att.Filename,
			MimeType:  att.MimeType,
			SizeBytes: att.Size,
			URL:       att.Content,
		})
	}

	return item
}

func parseIssueTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(issueTimeFormat, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
