package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisai/jervis/pkg/events"
	"github.com/jervisai/jervis/pkg/storage"
	"github.com/jervisai/jervis/pkg/types"
)

func newTestServer(t *testing.T, checks map[string]ReadyCheck) (*Server, storage.Store, *events.Broker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewServer("127.0.0.1:0", store, broker, checks), store, broker
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, Version, body.Version)
}

func TestReadyEndpointAllChecksPass(t *testing.T) {
	s, _, _ := newTestServer(t, map[string]ReadyCheck{
		"search": func(context.Context) (string, error) { return "2 classes", nil },
	})

	rec := httptest.NewRecorder()
	s.readyHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body readyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "ok", body.Checks["storage"])
	assert.Equal(t, "2 classes", body.Checks["search"])
}

func TestReadyEndpointFailingCheck(t *testing.T) {
	s, _, _ := newTestServer(t, map[string]ReadyCheck{
		"search": func(context.Context) (string, error) {
			return "", fmt.Errorf("connection refused")
		},
	})

	rec := httptest.NewRecorder()
	s.readyHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body readyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body.Status)
	assert.Contains(t, body.Checks["search"], "connection refused")
}

func TestStatusEndpointCounts(t *testing.T) {
	s, store, _ := newTestServer(t, nil)

	require.NoError(t, store.CreateTask(&types.Task{Content: "a", Mode: types.ModeBackground}))
	require.NoError(t, store.CreateTask(&types.Task{Content: "b", Mode: types.ModeBackground, State: types.TaskStateUserTask}))

	issue := &types.IssueItem{
		ArtifactMeta: types.ArtifactMeta{
			ConnectionID:      types.NewID(),
			SourceKey:         "PROJ-1",
			ExternalUpdatedAt: time.Now(),
		},
		Key:     "PROJ-1",
		Summary: "x",
	}
	_, err := store.UpsertIfNewer(storage.SourceIssues, issue)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.statusHandler(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Tasks[string(types.TaskStateReadyForQualification)])
	assert.Equal(t, 1, body.Tasks[string(types.TaskStateUserTask)])
	assert.Equal(t, 1, body.Artifacts[string(storage.SourceIssues)][string(types.ArtifactStateNew)])
}

func TestEventsStream(t *testing.T) {
	s, _, broker := newTestServer(t, nil)

	server := httptest.NewServer(http.HandlerFunc(s.eventsHandler))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription registers asynchronously with the handler goroutine
	require.Eventually(t, func() bool { return broker.SubscriberCount() > 0 },
		2*time.Second, 10*time.Millisecond)

	broker.Publish(events.New(events.EventArtifactStaged, "staged 3 artifacts", map[string]string{
		"handler": "issue_tracker",
	}))

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	deadline := time.After(5 * time.Second)
	lines := make(chan string, 10)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimRight(line, "\n")
		}
	}()

	for eventLine == "" || dataLine == "" {
		select {
		case line := <-lines:
			if strings.HasPrefix(line, "event: ") {
				eventLine = line
			}
			if strings.HasPrefix(line, "data: ") {
				dataLine = line
			}
		case <-deadline:
			t.Fatal("timed out waiting for SSE event")
		}
	}

	assert.Equal(t, "event: "+string(events.EventArtifactStaged), eventLine)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &payload))
	assert.Equal(t, "staged 3 artifacts", payload["message"])
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.healthHandler(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
