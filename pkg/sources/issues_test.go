package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisai/jervis/pkg/config"
	"github.com/jervisai/jervis/pkg/httpx"
	"github.com/jervisai/jervis/pkg/types"
)

func testConn(baseURL string) *types.Connection {
	return &types.Connection{
		ID:      types.NewID(),
		Name:    "tracker",
		Kind:    types.ConnectionKindHTTP,
		Enabled: true,
		State:   types.ConnectionStateValid,
		HTTP: &types.HTTPConnection{
			BaseURL:  baseURL,
			AuthType: types.AuthNone,
		},
	}
}

func TestSearchFullPagination(t *testing.T) {
	// Two pages of one issue each
	issue := func(key string) map[string]interface{} {
		return map[string]interface{}{
			"key": key,
			"fields": map[string]interface{}{
				"summary":     "Summary of " + key,
				"description": "Description",
				"updated":     "2026-01-15T10:30:00.000+0000",
				"status":      map[string]string{"name": "Open"},
				"issuetype":   map[string]string{"name": "Bug"},
				"labels":      []string{"backend"},
				"comment": map[string]interface{}{
					"comments": []map[string]interface{}{
						{
							"author":  map[string]string{"displayName": "Alice"},
							"body":    "First comment",
							"created": "2026-01-15T11:00:00.000+0000",
						},
					},
				},
				"attachment": []map[string]interface{}{
					{
						"filename": "trace.log",
						"mimeType": "text/plain",
						"size":     1024,
						"content":  "https://tracker/attach/1",
					},
				},
			},
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/search", r.URL.Path)
		startAt := r.URL.Query().Get("startAt")

		var issues []map[string]interface{}
		start := 0
		if startAt == "0" {
			issues = append(issues, issue("AB-1"))
		} else {
			start = 1
			issues = append(issues, issue("AB-2"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"startAt":    start,
			"maxResults": 1,
			"total":      2,
			"issues":     issues,
		})
	}))
	defer srv.Close()

	client := NewIssueTrackerClient(httpx.New(nil, config.HTTPRetryConfig{MaxAttempts: 1}))
	items, err := client.SearchFull(context.Background(), testConn(srv.URL), []string{"AB"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "AB-1", items[0].Key)
	assert.Equal(t, "AB-2", items[1].Key)
	assert.Equal(t, "Summary of AB-1", items[0].Summary)
	assert.Equal(t, "Open", items[0].Status)
	assert.Equal(t, srv.URL+"/browse/AB-1", items[0].URL)
	assert.Equal(t, "AB-1", items[0].SourceKey)
	assert.False(t, items[0].ExternalUpdatedAt.IsZero())

	require.Len(t, items[0].Comments, 1)
	assert.Equal(t, "Alice", items[0].Comments[0].Author)

	require.Len(t, items[0].Attachments, 1)
	assert.Equal(t, "trace.log", items[0].Attachments[0].Filename)
	assert.Equal(t, int64(1024), items[0].Attachments[0].SizeBytes)
}

func TestSearchFullAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewIssueTrackerClient(httpx.New(nil, config.HTTPRetryConfig{MaxAttempts: 1}))
	_, err := client.SearchFull(context.Background(), testConn(srv.URL), nil, time.Time{})
	require.Error(t, err)
	assert.True(t, types.IsAuth(err))
}

func TestBuildJQL(t *testing.T) {
	since := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		projects []string
		since    time.Time
		expected string
	}{
		{
			name:     "unscoped",
			expected: "ORDER BY updated ASC",
		},
		{
			name:     "projects only",
			projects: []string{"AB", "CD"},
			expected: "project in (AB,CD) ORDER BY updated ASC",
		},
		{
			name:     "projects and horizon",
			projects: []string{"AB"},
			since:    since,
			expected: "project in (AB) AND updated >= '2026-02-01 09:30' ORDER BY updated ASC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, buildJQL(tt.projects, tt.since))
		})
	}
}

func TestParseIssueTime(t *testing.T) {
	assert.True(t, parseIssueTime("").IsZero())
	assert.True(t, parseIssueTime("garbage").IsZero())

	parsed := parseIssueTime("2026-01-15T10:30:00.000+0000")
	assert.Equal(t, 2026, parsed.Year())

	rfc := parseIssueTime(fmt.Sprintf("%d-03-01T08:00:00Z", 2026))
	assert.Equal(t, time.March, rfc.Month())
}
