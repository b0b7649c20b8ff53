package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestLimiter(t *testing.T, perSecond float64, perMinute int) *Limiter {
	t.Helper()
	l := New(perSecond, perMinute, 30*time.Minute)
	t.Cleanup(l.Stop)
	return l
}

func TestAcquireWithinBurst(t *testing.T) {
	l := newTestLimiter(t, 2, 60)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// First two requests fit the burst without blocking
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "example.com"))
	require.NoError(t, l.Acquire(ctx, "example.com"))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestAcquireBlocksWhenExhausted(t *testing.T) {
	l := newTestLimiter(t, 1, 60)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "example.com"))

	// Second request has to wait roughly a full second for the next token
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "example.com"))
	assert.Greater(t, time.Since(start), 500*time.Millisecond)
}

func TestAcquireDomainsIndependent(t *testing.T) {
	l := newTestLimiter(t, 1, 60)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, l.Acquire(ctx, "a.example.com"))

	// A different domain has its own buckets and does not wait
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "b.example.com"))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestAcquireContextCancelled(t *testing.T) {
	l := newTestLimiter(t, 1, 60)

	require.NoError(t, l.Acquire(context.Background(), "example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "example.com")
	assert.Error(t, err)
}

func TestPenalizeHalvesRate(t *testing.T) {
	l := newTestLimiter(t, 2, 120)

	l.Penalize("example.com")

	l.mu.Lock()
	entry := l.domains["example.com"]
	l.mu.Unlock()

	require.NotNil(t, entry)
	assert.Equal(t, rate.Limit(1), entry.second.Limit())
	assert.False(t, entry.penaltyUntil.IsZero())
}

func TestPenalizeHasFloor(t *testing.T) {
	l := newTestLimiter(t, 2, 120)

	for i := 0; i < 10; i++ {
		l.Penalize("example.com")
	}

	l.mu.Lock()
	entry := l.domains["example.com"]
	l.mu.Unlock()

	assert.Equal(t, rate.Limit(0.1), entry.second.Limit())
}

func TestPenaltyExpires(t *testing.T) {
	l := newTestLimiter(t, 2, 120)

	l.Penalize("example.com")

	l.mu.Lock()
	l.domains["example.com"].penaltyUntil = time.Now().Add(-time.Second)
	l.mu.Unlock()

	// Next lookup restores the configured rates
	entry := l.entry("example.com")
	assert.Equal(t, rate.Limit(2), entry.second.Limit())
	assert.True(t, entry.penaltyUntil.IsZero())
}

func TestConfigureOverridesDomainRates(t *testing.T) {
	l := newTestLimiter(t, 1, 60)

	l.Configure("example.com", 50, 3000)

	l.mu.Lock()
	entry := l.domains["example.com"]
	l.mu.Unlock()

	require.NotNil(t, entry)
	assert.Equal(t, rate.Limit(50), entry.second.Limit())
	assert.Equal(t, rate.Limit(50), entry.minute.Limit())

	// The override lifts the global 1 rps default: two immediate requests
	// fit the widened burst without blocking
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "example.com"))
	require.NoError(t, l.Acquire(ctx, "example.com"))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestConfigureDeferredUnderPenalty(t *testing.T) {
	l := newTestLimiter(t, 2, 120)

	l.Penalize("example.com")
	l.Configure("example.com", 50, 3000)

	l.mu.Lock()
	entry := l.domains["example.com"]
	l.mu.Unlock()

	// Penalty rates stay in effect until the cooldown lapses
	assert.Equal(t, rate.Limit(1), entry.second.Limit())

	l.mu.Lock()
	entry.penaltyUntil = time.Now().Add(-time.Second)
	l.mu.Unlock()

	// Expiry restores the override, not the global defaults
	entry = l.entry("example.com")
	assert.Equal(t, rate.Limit(50), entry.second.Limit())
}

func TestEvictIdle(t *testing.T) {
	l := newTestLimiter(t, 2, 120)

	require.NoError(t, l.Acquire(context.Background(), "stale.example.com"))
	require.NoError(t, l.Acquire(context.Background(), "fresh.example.com"))

	l.mu.Lock()
	l.domains["stale.example.com"].lastUsed = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	l.evictIdle()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.domains, "stale.example.com")
	assert.Contains(t, l.domains, "fresh.example.com")
}

func TestDomain(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"plain", "https://jira.example.com/rest/api/2/search", "jira.example.com"},
		{"with port", "https://mail.example.com:993/inbox", "mail.example.com"},
		{"unparseable", "not a url", "not a url"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Domain(tt.url))
		})
	}
}
