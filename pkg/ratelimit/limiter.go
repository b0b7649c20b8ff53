package ratelimit

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/metrics"
)

// penaltyCooldown is how long the halved rates stay in effect after an
// upstream signals overload with a 429.
const penaltyCooldown = 5 * time.Minute

// Limiter throttles outbound requests per target domain. Each domain gets
// two token buckets, one enforcing a per-second rate and one a per-minute
// rate; a request proceeds only once both grant a token. Domains idle past
// the TTL are evicted by a background janitor.
type Limiter struct {
	mu      sync.Mutex
	domains map[string]*domainEntry

	perSecond float64
	perMinute float64
	idleTTL   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger zerolog.Logger
}

type domainEntry struct {
	second *rate.Limiter
	minute *rate.Limiter

	// Configured (un-penalized) rates; restored once a penalty lapses.
	cfgSecond rate.Limit
	cfgMinute rate.Limit

	lastUsed     time.Time
	penaltyUntil time.Time
}

// New creates a Limiter allowing perSecond requests per second and
// perMinute requests per minute against any single domain, and starts the
// eviction janitor. Callers must Stop the limiter on shutdown.
func New(perSecond float64, perMinute int, idleTTL time.Duration) *Limiter {
	l := &Limiter{
		domains:   make(map[string]*domainEntry),
		perSecond: perSecond,
		perMinute: float64(perMinute) / 60.0,
		idleTTL:   idleTTL,
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("ratelimit"),
	}

	l.wg.Add(1)
	go l.janitor()

	return l
}

// Acquire blocks until the domain's buckets both grant a token or the
// context is cancelled. Waiting on the slower per-minute bucket first
// avoids burning a per-second token that then sits on a long minute wait.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	entry := l.entry(domain)

	start := time.Now()
	if err := entry.minute.Wait(ctx); err != nil {
		return err
	}
	if err := entry.second.Wait(ctx); err != nil {
		return err
	}

	if waited := time.Since(start); waited > 50*time.Millisecond {
		metrics.RateLimitWaits.WithLabelValues(domain).Inc()
		l.logger.Debug().
			Str("domain", domain).
			Dur("waited", waited).
			Msg("Throttled outbound request")
	}

	return nil
}

// Penalize halves the domain's rates for a cooldown period. Called when
// the upstream answers 429; repeated penalties within the cooldown keep
// halving, down to a floor of one request per ten seconds.
func (l *Limiter) Penalize(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.domains[domain]
	if !ok {
		entry = l.newEntry()
		l.domains[domain] = entry
	}

	const floor = rate.Limit(0.1)
	halveLimiter(entry.second, floor)
	halveLimiter(entry.minute, floor)
	entry.penaltyUntil = time.Now().Add(penaltyCooldown)

	metrics.RateLimitPenalties.WithLabelValues(domain).Inc()
	l.logger.Warn().
		Str("domain", domain).
		Float64("per_second", float64(entry.second.Limit())).
		Msg("Upstream rate limit hit, halving request rate")
}

// Stop terminates the janitor. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

func (l *Limiter) entry(domain string) *domainEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.domains[domain]
	if !ok {
		entry = l.newEntry()
		l.domains[domain] = entry
	}

	// Restore configured rates once a penalty cooldown has lapsed
	if !entry.penaltyUntil.IsZero() && time.Now().After(entry.penaltyUntil) {
		entry.second.SetLimit(entry.cfgSecond)
		entry.minute.SetLimit(entry.cfgMinute)
		entry.penaltyUntil = time.Time{}
	}

	entry.lastUsed = time.Now()
	return entry
}

func (l *Limiter) newEntry() *domainEntry {
	return &domainEntry{
		second:    rate.NewLimiter(rate.Limit(l.perSecond), burstFor(l.perSecond)),
		minute:    rate.NewLimiter(rate.Limit(l.perMinute), burstFor(float64(l.perMinute)*60)),
		cfgSecond: rate.Limit(l.perSecond),
		cfgMinute: rate.Limit(l.perMinute),
		lastUsed:  time.Now(),
	}
}

// Configure overrides the domain's rates with a connection-level budget.
// The override replaces the global defaults for that domain; an active
// penalty keeps its halved rates until the cooldown lapses, after which
// the override is what gets restored.
func (l *Limiter) Configure(domain string, perSecond, perMinute float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.domains[domain]
	if !ok {
		entry = l.newEntry()
		l.domains[domain] = entry
	}

	cfgSecond := rate.Limit(perSecond)
	cfgMinute := rate.Limit(perMinute / 60.0)
	if entry.cfgSecond == cfgSecond && entry.cfgMinute == cfgMinute {
		return
	}
	entry.cfgSecond = cfgSecond
	entry.cfgMinute = cfgMinute

	if entry.penaltyUntil.IsZero() || time.Now().After(entry.penaltyUntil) {
		entry.second.SetLimit(cfgSecond)
		entry.second.SetBurst(burstFor(perSecond))
		entry.minute.SetLimit(cfgMinute)
		entry.minute.SetBurst(burstFor(perMinute))
	}
}

func (l *Limiter) janitor() {
	defer l.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.idleTTL)
	for domain, entry := range l.domains {
		if entry.lastUsed.Before(cutoff) {
			delete(l.domains, domain)
		}
	}
}

func halveLimiter(lim *rate.Limiter, floor rate.Limit) {
	next := lim.Limit() / 2
	if next < floor {
		next = floor
	}
	lim.SetLimit(next)
}

func burstFor(perSecond float64) int {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return burst
}

// Domain extracts the throttling key from a request URL: the hostname
// without port. An unparseable URL falls back to the raw string so the
// request is still throttled under some key rather than not at all.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return u.Hostname()
}
