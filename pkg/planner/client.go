package planner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jervisai/jervis/pkg/config"
	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/types"
)

// Status is the planner-side state of a submitted thread.
type Status string

const (
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusDone        Status = "done"
	StatusError       Status = "error"
)

// ChatRequest is the submit payload for POST /chat.
type ChatRequest struct {
	SessionID       string `json:"sessionId"`
	Message         string `json:"message"`
	MessageSequence int    `json:"messageSequence"`
	UserID          string `json:"userId"`
	ActiveClientID  string `json:"activeClientId,omitempty"`
	ActiveProjectID string `json:"activeProjectId,omitempty"`
	ContextTaskID   string `json:"contextTaskId,omitempty"`
}

// StatusResponse is the answer of GET /status.
type StatusResponse struct {
	Status               Status `json:"status"`
	InterruptAction      string `json:"interrupt_action,omitempty"`
	InterruptDescription string `json:"interrupt_description,omitempty"`
	Summary              string `json:"summary,omitempty"`
	Error                string `json:"error,omitempty"`
}

// streamEvent is one SSE data payload on the /chat stream. Token and
// thinking events are drained, not stored; the gateway only needs the
// thread id and the terminal outcome.
type streamEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId,omitempty"`
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Client talks to the planner HTTP API.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
	logger  zerolog.Logger
}

// New creates a planner client.
func New(cfg config.PlannerConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		userID:  cfg.UserID,
		http:    &http.Client{Timeout: 5 * time.Minute},
		logger:  log.WithComponent("planner"),
	}
}

// Submit posts the task and consumes the SSE stream until the thread id
// appears or the stream terminates. The call returns as soon as the id
// is known; progress of the thread is observed through GetStatus.
func (c *Client) Submit(ctx context.Context, req ChatRequest) (string, error) {
	if req.UserID == "" {
		req.UserID = c.userID
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", types.Permanent("planner submit", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return "", types.Permanent("planner submit", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", types.Transient("planner submit", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return "", types.Transient("planner submit", fmt.Errorf("status %d", resp.StatusCode))
		}
		return "", types.Permanent("planner submit", fmt.Errorf("status %d", resp.StatusCode))
	}

	threadID, err := readThreadID(resp.Body)
	if err != nil {
		return "", err
	}
	c.logger.Debug().Str("threadId", threadID).Str("sessionId", req.SessionID).Msg("Task submitted")
	return threadID, nil
}

// readThreadID scans SSE events until one carries a thread id. A stream
// that errors or ends before announcing the id is a failed submit.
func readThreadID(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		if ev.ThreadID != "" {
			return ev.ThreadID, nil
		}
		if ev.Type == "error" {
			msg := ev.Error
			if msg == "" {
				msg = ev.Content
			}
			return "", types.Permanent("planner submit", fmt.Errorf("stream error: %s", msg))
		}
	}
	if err := scanner.Err(); err != nil {
		return "", types.Transient("planner submit", err)
	}
	return "", types.Permanent("planner submit", fmt.Errorf("stream ended without thread id"))
}

// Stop cancels a running thread.
func (c *Client) Stop(ctx context.Context, threadID string) error {
	body, _ := json.Marshal(map[string]string{"threadId": threadID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stop", bytes.NewReader(body))
	if err != nil {
		return types.Permanent("planner stop", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Transient("planner stop", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return types.Transient("planner stop", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// GetStatus polls a thread. An unreachable planner or a server-side
// failure reads as "still running": the thread may well be progressing
// and the next poll will see it.
func (c *Client) GetStatus(ctx context.Context, threadID string) (StatusResponse, error) {
	statusURL := c.baseURL + "/status?threadId=" + url.QueryEscape(threadID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return StatusResponse{}, types.Permanent("planner status", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("threadId", threadID).Msg("Planner unreachable, assuming still running")
		return StatusResponse{Status: StatusRunning}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.logger.Warn().Int("status", resp.StatusCode).Str("threadId", threadID).
			Msg("Planner status call failed, assuming still running")
		return StatusResponse{Status: StatusRunning}, nil
	}

	var out StatusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return StatusResponse{Status: StatusRunning}, nil
	}
	if out.Status == "" {
		out.Status = StatusRunning
	}
	return out, nil
}
