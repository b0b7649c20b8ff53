package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/metrics"
	"github.com/jervisai/jervis/pkg/types"
)

// Client talks to an Ollama-compatible model server. Calls against the
// same model are capped by a per-model semaphore so a burst of indexing
// work cannot saturate the GPU and starve the planner.
type Client struct {
	baseURL     string
	hc          *http.Client
	maxPerModel int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted

	logger zerolog.Logger
}

// New creates a Client for the given base URL (for example
// http://localhost:11434). maxPerModel caps in-flight calls per model.
func New(baseURL string, maxPerModel int) *Client {
	if maxPerModel < 1 {
		maxPerModel = 1
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		hc:          &http.Client{Timeout: 10 * time.Minute},
		maxPerModel: int64(maxPerModel),
		sems:        make(map[string]*semaphore.Weighted),
		logger:      log.WithComponent("llm"),
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	var resp embedResponse
	err := c.call(ctx, model, "embed", "/api/embeddings", embedRequest{
		Model:  model,
		Prompt: text,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, types.Permanent("llm embed", fmt.Errorf("model %s returned an empty embedding", model))
	}
	return resp.Embedding, nil
}

// Generate runs a non-streaming completion and returns the full response.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	var resp generateResponse
	err := c.call(ctx, model, "generate", "/api/generate", generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", classifyModelError("llm generate", resp.Error)
	}
	return resp.Response, nil
}

func (c *Client) call(ctx context.Context, model, kind, path string, in, out interface{}) error {
	sem := c.semFor(model)
	if err := sem.Acquire(ctx, 1); err != nil {
		return types.Transient("llm "+kind, err)
	}
	defer sem.Release(1)

	timer := metrics.NewTimer()
	outcome := "error"
	defer func() {
		metrics.LLMRequestsTotal.WithLabelValues(model, kind, outcome).Inc()
		timer.ObserveDuration(metrics.LLMRequestDuration.WithLabelValues(model, kind))
	}()

	body, err := json.Marshal(in)
	if err != nil {
		return types.Permanent("llm "+kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return types.Permanent("llm "+kind, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return types.Transient("llm "+kind, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Transient("llm "+kind, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := extractAPIError(data)
		if isContextOverflow(apiErr) {
			return fmt.Errorf("llm %s: model %s: %w", kind, model, types.ErrContextOverflow)
		}
		if resp.StatusCode >= 500 {
			return types.Transient("llm "+kind, fmt.Errorf("status %d: %s", resp.StatusCode, apiErr))
		}
		return types.Permanent("llm "+kind, fmt.Errorf("status %d: %s", resp.StatusCode, apiErr))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return types.Permanent("llm "+kind, err)
	}
	outcome = "ok"
	return nil
}

func (c *Client) semFor(model string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.sems[model]
	if !ok {
		sem = semaphore.NewWeighted(c.maxPerModel)
		c.sems[model] = sem
	}
	return sem
}

func extractAPIError(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}

func classifyModelError(op, msg string) error {
	if isContextOverflow(msg) {
		return fmt.Errorf("%s: %w", op, types.ErrContextOverflow)
	}
	return types.Permanent(op, fmt.Errorf("%s", msg))
}

// isContextOverflow matches the phrasings model servers use when the
// input exceeds the context window.
func isContextOverflow(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{
		"context length",
		"context window",
		"maximum context",
		"too many tokens",
		"input too long",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
