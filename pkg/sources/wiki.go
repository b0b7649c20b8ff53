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

const wikiPageSize = 25

// WikiClient pulls pages from a Confluence-compatible REST API. Search
// returns page stubs; GetPage expands the storage-format body, comments
// and attachment metadata.
type WikiClient struct {
	http   *httpx.Client
	logger zerolog.Logger
}

// NewWikiClient creates a WikiClient on top of the shared HTTP client.
func NewWikiClient(http *httpx.Client) *WikiClient {
	return &WikiClient{
		http:   http,
		logger: log.WithComponent("sources.wiki"),
	}
}

type wikiSearchResponse struct {
	Results []wikiPageStub `json:"results"`
	Size    int            `json:"size"`
	Limit   int            `json:"limit"`
	Start   int            `json:"start"`
}

type wikiPageStub struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Version struct {
		Number int    `json:"number"`
		When   string `json:"when"`
		By     struct {
			DisplayName string `json:"displayName"`
		} `json:"by"`
	} `json:"version"`
	Space struct {
		Key string `json:"key"`
	} `json:"space"`
}

type wikiPageFull struct {
	wikiPageStub
	Body struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
	Children struct {
		Comment struct {
			Results []struct {
				Body struct {
					Storage struct {
						Value string `json:"value"`
					} `json:"storage"`
				} `json:"body"`
				Version struct {
					When string `json:"when"`
					By   struct {
						DisplayName string `json:"displayName"`
					} `json:"by"`
				} `json:"version"`
			} `json:"results"`
		} `json:"comment"`
		Attachment struct {
			Results []struct {
				Title    string `json:"title"`
				Metadata struct {
					MediaType string `json:"mediaType"`
				} `json:"metadata"`
				Extensions struct {
					FileSize int64 `json:"fileSize"`
				} `json:"extensions"`
				Links struct {
					Download string `json:"download"`
				} `json:"_links"`
			} `json:"results"`
		} `json:"attachment"`
	} `json:"children"`
}

// SearchPages lists pages, optionally scoped to spaces and an update
// horizon, paging until exhausted. Returned stubs carry only identity and
// version; use GetPage for content.
func (c *WikiClient) SearchPages(ctx context.Context, conn *types.Connection, spaces []string, updatedSince time.Time) ([]types.WikiPage, error) {
	base := strings.TrimRight(conn.HTTP.BaseURL, "/")
	cql := buildCQL(spaces, updatedSince)

	var pages []types.WikiPage
	start := 0
	for {
		q := url.Values{}
		q.Set("cql", cql)
		q.Set("start", fmt.Sprintf("%d", start))
		q.Set("limit", fmt.Sprintf("%d", wikiPageSize))
		q.Set("expand", "version,space")

		var resp wikiSearchResponse
		searchURL := base + "/rest/api/content/search?" + q.Encode()
		if err := c.http.GetJSON(ctx, conn, searchURL, &resp); err != nil {
			return pages, err
		}

		for _, stub := range resp.Results {
			pages = append(pages, types.WikiPage{
				ArtifactMeta: types.ArtifactMeta{
					ConnectionID:      conn.ID,
					SourceKey:         stub.ID,
					ExternalUpdatedAt: parseIssueTime(stub.Version.When),
				},
				Title:    stub.Title,
				SpaceKey: stub.Space.Key,
				Version:  stub.Version.Number,
				Author:   stub.Version.By.DisplayName,
			})
		}

		start += len(resp.Results)
		if len(resp.Results) < wikiPageSize {
			break
		}
	}

	c.logger.Debug().
		Str("connection", conn.Name).
		Int("pages", len(pages)).
		Msg("Wiki search complete")
	return pages, nil
}

// GetPage fetches one page with body, comments and attachment metadata
// expanded in a single request.
func (c *WikiClient) GetPage(ctx context.Context, conn *types.Connection, pageID string) (*types.WikiPage, error) {
	base := strings.TrimRight(conn.HTTP.BaseURL, "/")

	q := url.Values{}
	q.Set("expand", "body.storage,version,space,children.comment.body.storage,children.comment.version,children.attachment")

	var full wikiPageFull
	pageURL := base + "/rest/api/content/" + url.PathEscape(pageID) + "?" + q.Encode()
	if err := c.http.GetJSON(ctx, conn, pageURL, &full); err != nil {
		return nil, err
	}

	page := &types.WikiPage{
		ArtifactMeta: types.ArtifactMeta{
			ConnectionID:      conn.ID,
			SourceKey:         full.ID,
			ExternalUpdatedAt: parseIssueTime(full.Version.When),
		},
		Title:    full.Title,
		SpaceKey: full.Space.Key,
		Body:     full.Body.Storage.Value,
		Version:  full.Version.Number,
		Author:   full.Version.By.DisplayName,
		URL:      base + full.Links.WebUI,
	}

	for _, comment := range full.Children.Comment.Results {
		page.Comments = append(page.Comments, types.Comment{
			Author:    comment.Version.By.DisplayName,
			Body:      comment.Body.Storage.Value,
			CreatedAt: parseIssueTime(comment.Version.When),
		})
	}
	for _, att := range full.Children.Attachment.Results {
		page.Attachments = append(page.Attachments, types.AttachmentMeta{
			Filename:  att.Title,
			MimeType:  att.Metadata.MediaType,
			SizeBytes: att.Extensions.FileSize,
			URL:       base + att.Links.Download,
		})
	}

	return page, nil
}

func buildCQL(spaces []string, updatedSince time.Time) string {
	clauses := []string{"type=page"}
	if len(spaces) > 0 {
		quoted := make([]string, len(spaces))
		for i, s := range spaces {
			quoted[i] = fmt.Sprintf("%q", s)
		}
		clauses = append(clauses, fmt.Sprintf("space in (%s)", strings.Join(quoted, ",")))
	}
	if !updatedSince.IsZero() {
		clauses = append(clauses, fmt.Sprintf("lastmodified >= '%s'", updatedSince.Format("2006-01-02 15:04")))
	}
	return strings.Join(clauses, " AND ") + " ORDER BY lastmodified ASC"
}
