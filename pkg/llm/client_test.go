package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisai/jervis/pkg/types"
)

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Equal(t, "hello world", req.Prompt)

		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c := New(srv.URL, 2)
	vec, err := c.Embed(context.Background(), "nomic-embed-text", "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbedEmptyVectorPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer srv.Close()

	c := New(srv.URL, 1)
	_, err := c.Embed(context.Background(), "m", "text")
	require.Error(t, err)
	assert.True(t, types.IsPermanent(err))
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(generateResponse{Response: "forty-two"})
	}))
	defer srv.Close()

	c := New(srv.URL, 1)
	out, err := c.Generate(context.Background(), "qwen2.5:7b", "meaning of life?")
	require.NoError(t, err)
	assert.Equal(t, "forty-two", out)
}

func TestGenerateContextOverflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "prompt exceeds maximum context length of 8192 tokens",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 1)
	_, err := c.Generate(context.Background(), "m", "enormous prompt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrContextOverflow))
}

func TestGenerateServerErrorTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, 1)
	_, err := c.Generate(context.Background(), "m", "p")
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

func TestPerModelConcurrencyCap(t *testing.T) {
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		json.NewEncoder(w).Encode(generateResponse{Response: "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, 2)
	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			c.Generate(context.Background(), "same-model", "p")
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestIsContextOverflow(t *testing.T) {
	assert.True(t, isContextOverflow("prompt exceeds maximum CONTEXT LENGTH"))
	assert.True(t, isContextOverflow("input too long for model"))
	assert.False(t, isContextOverflow("model not found"))
	assert.False(t, isContextOverflow(""))
}
