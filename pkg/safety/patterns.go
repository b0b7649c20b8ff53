package safety

import "regexp"

// actionPatterns match URLs whose GET has a side effect on the remote
// system. Calendar accept/decline links are the critical case: fetching
// one answers an invitation on the user's behalf.
var actionPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`(?i)unsubscribe`), "unsubscribe action link"},
	{regexp.MustCompile(`(?i)rsvp([=/_-]|$)|(respond|reply)[=/_-](yes|no|maybe|accept|decline)`), "rsvp action link"},
	{regexp.MustCompile(`(?i)[?&/](action|response|rsvp)=(accept|decline|tentative|yes|no|maybe)`), "calendar accept/decline action"},
	{regexp.MustCompile(`(?i)/(accept|decline)(invitation|invite|meeting)?([/?]|$)`), "calendar accept/decline action"},
	{regexp.MustCompile(`(?i)(optout|opt-out|opt_out)`), "opt-out action link"},
	{regexp.MustCompile(`(?i)/(login|signin|sign-in|logout|verify|confirm|activate|reset[_-]?password)([/?]|$)`), "authentication or account action"},
	{regexp.MustCompile(`(?i)[?&](confirm|verification|activate)(ation)?[_-]?(token|code|key)=`), "account confirmation token"},
	{regexp.MustCompile(`(?i)[?&]utm_[a-z]+=`), "utm tracking parameters"},
	{regexp.MustCompile(`(?i)[?&](fbclid|gclid|msclkid|mc_eid|mkt_tok)=`), "click tracking parameter"},
	{regexp.MustCompile(`(?i)/(track|click|open|beacon|pixel)[/?]`), "tracking redirect"},
}

// trackerImagePatterns match pixel-style image URLs. These short-circuit
// to UNSAFE; other image URLs are skipped without qualification.
var trackerImagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/(pixel|spacer|beacon|blank|transparent|open|track)[^/]*\.(gif|png|jpe?g)$`),
	regexp.MustCompile(`(?i)1x1[^/]*\.(gif|png|jpe?g)$`),
	regexp.MustCompile(`(?i)\.(gif|png|jpe?g)\?.*(uid|cid|mid|token|recipient)=`),
}

var imageExtension = regexp.MustCompile(`(?i)\.(gif|png|jpe?g)([?#]|$)`)

// domainBlacklist lists domain suffixes never worth fetching: bulk mail
// infrastructure, calendar providers, shorteners and analytics hosts.
var domainBlacklist = []string{
	"mailchimp.com",
	"list-manage.com",
	"sendgrid.net",
	"mailgun.org",
	"constantcontact.com",
	"campaign-archive.com",
	"calendar.google.com",
	"outlook.office365.com",
	"calendly.com",
	"doodle.com",
	"bit.ly",
	"tinyurl.com",
	"t.co",
	"goo.gl",
	"ow.ly",
	"google-analytics.com",
	"doubleclick.net",
	"segment.io",
	"mixpanel.com",
}

// domainWhitelist lists domain suffixes safe to fetch read-only:
// documentation, public code hosts, encyclopedias and news.
var domainWhitelist = []string{
	"github.com",
	"gitlab.com",
	"bitbucket.org",
	"stackoverflow.com",
	"stackexchange.com",
	"wikipedia.org",
	"readthedocs.io",
	"docs.python.org",
	"pkg.go.dev",
	"golang.org",
	"developer.mozilla.org",
	"kubernetes.io",
	"medium.com",
	"arxiv.org",
}

// suspiciousToken matches long opaque hex/base64-looking query values
// that usually identify a recipient rather than a document.
var suspiciousToken = regexp.MustCompile(`(?i)[?&][a-z_]*(token|key|hash|sig|auth|code)=[A-Za-z0-9+/_-]{24,}`)

var monitoringDomain = regexp.MustCompile(`(?i)(^|\.)(status|monitor|uptime|ping|alert|sentry|grafana|datadog)[^.]*\.`)
