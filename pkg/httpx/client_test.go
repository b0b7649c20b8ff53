package httpx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisai/jervis/pkg/config"
	"github.com/jervisai/jervis/pkg/ratelimit"
	"github.com/jervisai/jervis/pkg/types"
)

func httpConn(authType types.AuthType) *types.Connection {
	return &types.Connection{
		Name:    "test",
		Kind:    types.ConnectionKindHTTP,
		Enabled: true,
		State:   types.ConnectionStateValid,
		HTTP: &types.HTTPConnection{
			BaseURL:  "http://example.com",
			AuthType: authType,
			Username: "user",
			Secret:   "s3cret",
		},
	}
}

func TestDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(nil, config.HTTPRetryConfig{MaxAttempts: 3, InitialBackoffMs: 10, MaxBackoffMs: 50})
	data, err := c.Do(context.Background(), httpConn(types.AuthNone), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestDoRetriesTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	c := New(nil, config.HTTPRetryConfig{MaxAttempts: 3, InitialBackoffMs: 10, MaxBackoffMs: 50})
	data, err := c.Do(context.Background(), httpConn(types.AuthNone), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoHonorsConfiguredBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	// Two retries at a 10ms initial interval finish well under the time
	// the former half-second default would need
	c := New(nil, config.HTTPRetryConfig{MaxAttempts: 3, InitialBackoffMs: 10, MaxBackoffMs: 20})
	start := time.Now()
	_, err := c.Do(context.Background(), httpConn(types.AuthNone), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestDoAuthFailureNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(nil, config.HTTPRetryConfig{MaxAttempts: 3, InitialBackoffMs: 10, MaxBackoffMs: 50})
	_, err := c.Do(context.Background(), httpConn(types.AuthBasic), http.MethodGet, srv.URL, nil)
	require.Error(t, err)
	assert.True(t, types.IsAuth(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDoClientErrorNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(nil, config.HTTPRetryConfig{MaxAttempts: 3, InitialBackoffMs: 10, MaxBackoffMs: 50})
	_, err := c.Do(context.Background(), httpConn(types.AuthNone), http.MethodGet, srv.URL, nil)
	require.Error(t, err)
	assert.True(t, types.IsPermanent(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDoTooManyRequestsPenalizesAndRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	limiter := ratelimit.New(100, 6000, 30*time.Minute)
	defer limiter.Stop()

	c := New(limiter, config.HTTPRetryConfig{MaxAttempts: 3, InitialBackoffMs: 10, MaxBackoffMs: 50})
	data, err := c.Do(context.Background(), httpConn(types.AuthNone), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDoAppliesConnectionRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	// Global default of one request per 100 seconds would stall the second
	// call; the connection's own budget must take precedence
	limiter := ratelimit.New(0.01, 1000, 30*time.Minute)
	defer limiter.Stop()

	conn := httpConn(types.AuthNone)
	conn.RateLimit = &types.RateLimitConfig{
		MaxRequestsPerSecond: 100,
		MaxRequestsPerMinute: 6000,
		Enabled:              true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := New(limiter, config.HTTPRetryConfig{MaxAttempts: 1})
	start := time.Now()
	_, err := c.Do(ctx, conn, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = c.Do(ctx, conn, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDoDisabledRateLimitKeepsDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	limiter := ratelimit.New(100, 6000, 30*time.Minute)
	defer limiter.Stop()

	conn := httpConn(types.AuthNone)
	conn.RateLimit = &types.RateLimitConfig{
		MaxRequestsPerSecond: 0.001,
		MaxRequestsPerMinute: 1,
		Enabled:              false,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := New(limiter, config.HTTPRetryConfig{MaxAttempts: 1})
	start := time.Now()
	_, err := c.Do(ctx, conn, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = c.Do(ctx, conn, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(nil, config.HTTPRetryConfig{MaxAttempts: 3, InitialBackoffMs: 10, MaxBackoffMs: 50})
	_, err := c.Do(context.Background(), httpConn(types.AuthNone), http.MethodGet, srv.URL, nil)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestAuthInjection(t *testing.T) {
	tests := []struct {
		name   string
		conn   *types.Connection
		verify func(t *testing.T, r *http.Request)
	}{
		{
			name: "basic",
			conn: httpConn(types.AuthBasic),
			verify: func(t *testing.T, r *http.Request) {
				user, pass, ok := r.BasicAuth()
				require.True(t, ok)
				assert.Equal(t, "user", user)
				assert.Equal(t, "s3cret", pass)
			},
		},
		{
			name: "bearer",
			conn: httpConn(types.AuthBearer),
			verify: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
			},
		},
		{
			name: "api key default header",
			conn: httpConn(types.AuthAPIKey),
			verify: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "s3cret", r.Header.Get("X-Api-Key"))
			},
		},
		{
			name: "none",
			conn: httpConn(types.AuthNone),
			verify: func(t *testing.T, r *http.Request) {
				assert.Empty(t, r.Header.Get("Authorization"))
			},
		},
		{
			name: "oauth2 access token",
			conn: &types.Connection{
				Name: "oauth",
				Kind: types.ConnectionKindOAuth2,
				OAuth2: &types.OAuth2Connection{
					Provider:    "google",
					AccessToken: "tok123",
				},
			},
			verify: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *http.Request
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = r.Clone(r.Context())
				w.Write([]byte(`{}`))
			}))
			defer srv.Close()

			c := New(nil, config.HTTPRetryConfig{MaxAttempts: 1})
			_, err := c.Do(context.Background(), tt.conn, http.MethodGet, srv.URL, nil)
			require.NoError(t, err)
			tt.verify(t, seen)
		})
	}
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"alpha","count":3}`))
	}))
	defer srv.Close()

	var out struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	c := New(nil, config.HTTPRetryConfig{MaxAttempts: 1})
	require.NoError(t, c.GetJSON(context.Background(), httpConn(types.AuthNone), srv.URL, &out))
	assert.Equal(t, "alpha", out.Name)
	assert.Equal(t, 3, out.Count)
}

func TestGetJSONDecodeFailurePermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	var out map[string]interface{}
	c := New(nil, config.HTTPRetryConfig{MaxAttempts: 1})
	err := c.GetJSON(context.Background(), httpConn(types.AuthNone), srv.URL, &out)
	require.Error(t, err)
	assert.True(t, types.IsPermanent(err))
}

func TestPostJSONEchoesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"q":"search"}`, string(body))
		w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	var out struct {
		Received bool `json:"received"`
	}
	c := New(nil, config.HTTPRetryConfig{MaxAttempts: 1})
	in := map[string]string{"q": "search"}
	require.NoError(t, c.PostJSON(context.Background(), httpConn(types.AuthNone), srv.URL, in, &out))
	assert.True(t, out.Received)
}
