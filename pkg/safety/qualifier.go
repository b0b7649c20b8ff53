package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jervisai/jervis/pkg/events"
	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/metrics"
	"github.com/jervisai/jervis/pkg/storage"
	"github.com/jervisai/jervis/pkg/types"
)

// Verdict is the outcome of qualifying a URL.
type Verdict string

const (
	VerdictSafe      Verdict = "SAFE"
	VerdictUnsafe    Verdict = "UNSAFE"
	VerdictUncertain Verdict = "UNCERTAIN"
	// VerdictSkipped marks non-tracker image URLs, which are neither
	// fetched nor escalated.
	VerdictSkipped Verdict = "SKIPPED"
)

// Result carries the verdict with a human-readable reason and, when the
// classifier can generalize, a regex worth persisting as a learned
// pattern.
type Result struct {
	Verdict          Verdict
	Reason           string
	SuggestedPattern string
}

// LLM is the model call the qualifier needs.
type LLM interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Qualifier classifies URLs before anything fetches them. The design is
// pessimistic: only an explicit SAFE verdict permits a fetch, and any
// URL whose GET could have a side effect must come out UNSAFE.
type Qualifier struct {
	store  storage.Store
	llm    LLM
	model  string
	broker *events.Broker
	logger zerolog.Logger
}

// NewQualifier creates a Qualifier. llm may be nil, in which case the
// model tier is skipped and unmatched URLs fall through to UNCERTAIN.
func NewQualifier(store storage.Store, llm LLM, model string, broker *events.Broker) *Qualifier {
	return &Qualifier{
		store:  store,
		llm:    llm,
		model:  model,
		broker: broker,
		logger: log.WithComponent("safety"),
	}
}

// Qualify classifies rawURL seen in the given client's content.
// surrounding is the text around the link, used for model context and
// for the review task. Side effects: a fresh UNSAFE verdict is cached
// (and its suggested regex persisted); an UNCERTAIN verdict creates a
// LINK_SAFETY_REVIEW task instead of fetching.
func (q *Qualifier) Qualify(ctx context.Context, clientID types.ID, rawURL, surrounding string) (Result, error) {
	result, tier := q.classify(ctx, clientID, rawURL, surrounding)

	metrics.LinkVerdicts.WithLabelValues(string(result.Verdict), tier).Inc()
	q.logger.Debug().
		Str("url", rawURL).
		Str("verdict", string(result.Verdict)).
		Str("tier", tier).
		Msg("Link qualified")

	// Cached verdicts already had their side effects
	if tier == "unsafe_cache" || result.Verdict == VerdictSafe || result.Verdict == VerdictSkipped {
		return result, nil
	}

	switch result.Verdict {
	case VerdictUnsafe:
		if err := q.cacheUnsafe(rawURL, result); err != nil {
			return result, err
		}
	case VerdictUncertain:
		if err := q.createReviewTask(clientID, rawURL, surrounding, result.Reason); err != nil {
			return result, err
		}
	}
	return result, nil
}

// classify walks the tiers in order and returns on the first match,
// together with the tier name for metrics.
func (q *Qualifier) classify(ctx context.Context, clientID types.ID, rawURL, surrounding string) (Result, string) {
	if imageExtension.MatchString(rawURL) {
		for _, re := range trackerImagePatterns {
			if re.MatchString(rawURL) {
				return Result{Verdict: VerdictUnsafe, Reason: "tracking pixel image"}, "tracker_image"
			}
		}
		return Result{Verdict: VerdictSkipped, Reason: "image url"}, "image_skip"
	}

	// 1. Already indexed for this client
	if link, err := q.store.GetIndexedLink(rawURL, clientID); err == nil && link != nil {
		return Result{Verdict: VerdictSafe, Reason: "already indexed"}, "indexed"
	}

	// 2. Unsafe cache
	if link, err := q.store.GetUnsafeLink(rawURL); err == nil && link != nil {
		return Result{Verdict: VerdictUnsafe, Reason: link.Reason}, "unsafe_cache"
	}

	// 3. Learned patterns, read fresh each invocation so promotions from
	// concurrent qualifier runs apply immediately
	if patterns, err := q.store.ListLearnedPatterns(true); err == nil {
		for _, p := range patterns {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				continue
			}
			if re.MatchString(rawURL) {
				reason := p.Reason
				if reason == "" {
					reason = "matches learned pattern"
				}
				return Result{Verdict: VerdictUnsafe, Reason: reason}, "learned_pattern"
			}
		}
	}

	// 4. Static action patterns
	for _, p := range actionPatterns {
		if p.re.MatchString(rawURL) {
			return Result{Verdict: VerdictUnsafe, Reason: p.reason}, "action_pattern"
		}
	}

	host := hostOf(rawURL)

	// 5. Domain blacklist
	for _, bad := range domainBlacklist {
		if hasDomainSuffix(host, bad) {
			return Result{Verdict: VerdictUnsafe, Reason: "blacklisted domain " + bad}, "domain_blacklist"
		}
	}

	// 6. Domain whitelist
	for _, good := range domainWhitelist {
		if hasDomainSuffix(host, good) {
			return Result{Verdict: VerdictSafe, Reason: "whitelisted domain " + good}, "domain_whitelist"
		}
	}

	// 7. Heuristics, then the qualifier model
	if suspiciousToken.MatchString(rawURL) || monitoringDomain.MatchString(host+".") {
		return Result{Verdict: VerdictUncertain, Reason: "opaque token in query parameters"}, "heuristic"
	}
	if q.llm != nil {
		if result, ok := q.askModel(ctx, rawURL, surrounding); ok {
			return result, "model"
		}
	}

	// 8. Pessimistic default
	return Result{Verdict: VerdictUncertain, Reason: "no classification rule matched"}, "default"
}

const qualifierPrompt = `You classify URLs for a read-only indexing system.
A URL is UNSAFE if fetching it with GET could change any state: accept or
decline an invitation, unsubscribe, confirm an account, track a recipient.
A URL is SAFE only if it clearly points at plain readable content.
Answer with strict JSON, nothing else:
{"verdict":"SAFE|UNSAFE|UNCERTAIN","reason":"...","suggestedPattern":"optional regex"}

URL: %s
Surrounding text: %s`

type modelVerdict struct {
	Verdict          string `json:"verdict"`
	Reason           string `json:"reason"`
	SuggestedPattern string `json:"suggestedPattern"`
}

// askModel consults the qualifier model. Any failure, including
// unparseable output, reports ok=false so classification falls through
// to the pessimistic default.
func (q *Qualifier) askModel(ctx context.Context, rawURL, surrounding string) (Result, bool) {
	if len(surrounding) > 500 {
		surrounding = surrounding[:500]
	}
	out, err := q.llm.Generate(ctx, q.model, fmt.Sprintf(qualifierPrompt, rawURL, surrounding))
	if err != nil {
		q.logger.Warn().Err(err).Str("url", rawURL).Msg("Qualifier model call failed")
		return Result{}, false
	}

	var mv modelVerdict
	if err := json.Unmarshal([]byte(extractJSON(out)), &mv); err != nil {
		return Result{}, false
	}

	switch Verdict(strings.ToUpper(mv.Verdict)) {
	case VerdictSafe:
		return Result{Verdict: VerdictSafe, Reason: mv.Reason}, true
	case VerdictUnsafe:
		return Result{Verdict: VerdictUnsafe, Reason: mv.Reason, SuggestedPattern: mv.SuggestedPattern}, true
	case VerdictUncertain:
		return Result{Verdict: VerdictUncertain, Reason: mv.Reason}, true
	}
	return Result{}, false
}

func (q *Qualifier) cacheUnsafe(rawURL string, result Result) error {
	err := q.store.PutUnsafeLink(&types.UnsafeLink{
		URL:       rawURL,
		Reason:    result.Reason,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return err
	}

	if result.SuggestedPattern != "" {
		if _, err := regexp.Compile(result.SuggestedPattern); err == nil {
			if err := q.store.PutLearnedPattern(&types.LearnedPattern{
				Pattern: result.SuggestedPattern,
				Reason:  result.Reason,
				Enabled: true,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *Qualifier) createReviewTask(clientID types.ID, rawURL, surrounding, reason string) error {
	task := &types.Task{
		Type:     types.TaskTypeLinkSafetyReview,
		Content:  fmt.Sprintf("Review link safety: %s\nReason: %s\nContext: %s", rawURL, reason, clipContext(surrounding, rawURL)),
		ClientID: clientID,
		Mode:     types.ModeBackground,
		State:    types.TaskStateUserTask,
	}
	if err := q.store.CreateTask(task); err != nil {
		return err
	}

	if q.broker != nil {
		q.broker.Publish(events.New(events.EventLinkReviewRequired,
			"Link needs a safety review: "+rawURL,
			map[string]string{
				"url":    rawURL,
				"reason": reason,
				"taskId": task.ID.String(),
			}))
	}
	return nil
}

// clipContext returns up to 150 characters on each side of the link's
// occurrence in the surrounding text.
func clipContext(surrounding, rawURL string) string {
	idx := strings.Index(surrounding, rawURL)
	if idx < 0 {
		if len(surrounding) > 300 {
			return surrounding[:300]
		}
		return surrounding
	}
	start := idx - 150
	if start < 0 {
		start = 0
	}
	end := idx + len(rawURL) + 150
	if end > len(surrounding) {
		end = len(surrounding)
	}
	return surrounding[start:end]
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func hasDomainSuffix(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// extractJSON pulls the first JSON object out of model output that may
// be wrapped in prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
