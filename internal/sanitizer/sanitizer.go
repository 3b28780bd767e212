// Package sanitizer rewrites model output to remove exfiltration vectors
// and sensitive data before it reaches the caller.
package sanitizer

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/metrics"
	"github.com/triage-ai/warden/internal/secerr"
)

// Replacement markers.
const (
	ImageMarker       = "[Image Removed - Security]"
	URLMarker         = "[URL Removed - Security]"
	DomainMarker      = "[Suspicious Domain Removed]"
	CredentialsMarker = "[CREDENTIALS REDACTED]"
	SSNMarker         = "[SSN REDACTED]"
	CreditCardMarker  = "[CREDIT CARD REDACTED]"
)

// dnsLabelLimit is the longest leftmost label accepted before a host is
// treated as an encoded subdomain.
const dnsLabelLimit = 15

var (
	markdownImageRe = regexp.MustCompile(`(?i)!\[([^\]]*)\]\(([^)]+)\)`)
	markdownLinkRe  = regexp.MustCompile(`(?i)\[([^\]]+)\]\(([^)]+)\)`)
	urlRe           = regexp.MustCompile("(?i)https?://[^\\s<>\"{}|\\\\^`\\[\\]]+")
	base64ParamRe   = regexp.MustCompile(`[?&]\w+=([A-Za-z0-9+/]{20,}={0,2})`)
	htmlTagRe       = regexp.MustCompile(`<[^>]+>`)
	hostRe          = regexp.MustCompile(`(?i)\b(?:[a-z0-9][a-z0-9-]*\.){2,}[a-z]{2,}\b`)
	credentialsRe   = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|bearer)["']?\s*[:=]\s*["']?[\w\-.]+`)
	ssnRe           = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardRe    = regexp.MustCompile(`\b\d{4}[\s\-]?\d{4}[\s\-]?\d{4}[\s\-]?\d{4}\b`)
)

// Risk grades a finding.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

func (r Risk) rank() int {
	switch r {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	}
	return 0
}

// Finding is one exfiltration vector or sensitive value found in output.
// Content is empty for redacted sensitive data.
type Finding struct {
	Vector      string `json:"vector"`
	Content     string `json:"content,omitempty"`
	Risk        Risk   `json:"risk"`
	Description string `json:"description"`
}

// Config is the sanitizer's part of the configuration surface.
type Config struct {
	BlockMarkdownImages  bool
	AllowExternalURLs    bool
	AllowedDomains       []string
	BlockDNSExfiltration bool
}

// DefaultConfig blocks images, external URLs and encoded subdomains.
func DefaultConfig() Config {
	return Config{
		BlockMarkdownImages:  true,
		BlockDNSExfiltration: true,
	}
}

// Options override configuration for a single call. Nil fields keep the
// default: URLs follow AllowExternalURLs and HTML is removed.
type Options struct {
	RemoveAllURLs *bool
	RemoveHTML    *bool
}

// Report is the outcome of one sanitization.
type Report struct {
	Sanitized       string    `json:"sanitized"`
	Findings        []Finding `json:"findings"`
	Actions         []string  `json:"actions"`
	OriginalLength  int       `json:"original_length"`
	SanitizedLength int       `json:"sanitized_length"`
}

// IsClean reports whether nothing was removed.
func (r Report) IsClean() bool { return len(r.Findings) == 0 }

// Sanitizer is safe for concurrent use; it holds no mutable state.
type Sanitizer struct {
	cfg     Config
	allowed []string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Sanitizer {
	allowed := make([]string, 0, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			allowed = append(allowed, d)
		}
	}
	return &Sanitizer{cfg: cfg, allowed: allowed, logger: logger, metrics: m}
}

// Sanitize applies the pipeline with default options.
func (s *Sanitizer) Sanitize(text string) string {
	return s.SanitizeWithOptions(text, Options{})
}

// SanitizeWithOptions applies the pipeline with per-call overrides.
func (s *Sanitizer) SanitizeWithOptions(text string, opts Options) string {
	return s.run(text, opts, true).Sanitized
}

// SanitizeWithReport sanitizes with default options and returns what was
// removed.
func (s *Sanitizer) SanitizeWithReport(text string) Report {
	return s.run(text, Options{}, true)
}

// SanitizeWithReportOptions is SanitizeWithReport with per-call overrides.
func (s *Sanitizer) SanitizeWithReportOptions(text string, opts Options) Report {
	return s.run(text, opts, true)
}

// DetectExfiltrationAttempts reports what Sanitize would remove without
// returning the rewritten text. It is non-empty exactly when Sanitize
// would change text.
func (s *Sanitizer) DetectExfiltrationAttempts(text string) []Finding {
	return s.run(text, Options{}, false).Findings
}

type step struct {
	action string // metric label
	format string // audit action, %d is the count
	apply  func(string) (string, []Finding)
}

func (s *Sanitizer) steps(opts Options) []step {
	removeURLs := !s.cfg.AllowExternalURLs
	if opts.RemoveAllURLs != nil {
		removeURLs = *opts.RemoveAllURLs
	}
	removeHTML := true
	if opts.RemoveHTML != nil {
		removeHTML = *opts.RemoveHTML
	}

	var steps []step
	if s.cfg.BlockMarkdownImages {
		steps = append(steps, step{"images", "removed_%d_images", s.removeImages})
	}
	if removeURLs {
		steps = append(steps, step{"urls", "removed_%d_urls", s.filterURLs})
	}
	if removeHTML {
		steps = append(steps, step{"html_tags", "removed_%d_html_tags", removeHTMLTags})
	}
	if s.cfg.BlockDNSExfiltration {
		steps = append(steps, step{"dns_exfiltration", "blocked_%d_dns_exfil_attempts", removeEncodedHosts})
	}
	steps = append(steps, step{"sensitive_data", "redacted_%d_sensitive_patterns", redactSensitive})
	return steps
}

// run repeats the pipeline until the text stops changing, so the result is
// a fixed point and sanitizing it again is a no-op. A pass that changes the
// text removes at least one match and markers never match, so the loop
// terminates.
func (s *Sanitizer) run(text string, opts Options, audit bool) Report {
	steps := s.steps(opts)
	counts := make([]int, len(steps))
	findings := []Finding{}

	out := text
	for {
		before := out
		for i, st := range steps {
			var f []Finding
			out, f = st.apply(out)
			counts[i] += len(f)
			findings = append(findings, f...)
		}
		if out == before {
			break
		}
	}

	actions := []string{}
	for i, st := range steps {
		if counts[i] > 0 {
			actions = append(actions, fmt.Sprintf(st.format, counts[i]))
		}
	}

	r := Report{
		Sanitized:       out,
		Findings:        findings,
		Actions:         actions,
		OriginalLength:  utf8.RuneCountInString(text),
		SanitizedLength: utf8.RuneCountInString(out),
	}

	if audit && len(actions) > 0 {
		for i, st := range steps {
			s.metrics.SanitizerAction(st.action, counts[i])
		}
		s.logger.Warn("output sanitized",
			zap.Strings("actions", actions),
			zap.Int("original_length", r.OriginalLength),
			zap.Int("sanitized_length", r.SanitizedLength),
		)
	}
	return r
}

func (s *Sanitizer) removeImages(text string) (string, []Finding) {
	var findings []Finding
	out := markdownImageRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := markdownImageRe.FindStringSubmatch(m)
		findings = append(findings, Finding{
			Vector:      "markdown_image",
			Content:     sub[2],
			Risk:        RiskHigh,
			Description: "Markdown image can be used for data exfiltration",
		})
		return ImageMarker
	})
	return out, findings
}

func (s *Sanitizer) filterURLs(text string) (string, []Finding) {
	var findings []Finding

	var b strings.Builder
	last := 0
	for _, loc := range markdownLinkRe.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(text[last:loc[0]])
		last = loc[1]
		label, target := text[loc[2]:loc[3]], text[loc[4]:loc[5]]
		if s.urlAllowed(target) {
			b.WriteString(text[loc[0]:loc[1]])
			continue
		}
		findings = append(findings, urlFinding(target))
		b.WriteString("[" + label + "] " + URLMarker)
		// A marker directly followed by "(" would parse as a new link.
		if strings.HasPrefix(text[last:], "(") {
			b.WriteByte(' ')
		}
	}
	b.WriteString(text[last:])

	out := urlRe.ReplaceAllStringFunc(b.String(), func(u string) string {
		if s.urlAllowed(u) {
			return u
		}
		findings = append(findings, urlFinding(u))
		return URLMarker
	})
	return out, findings
}

func urlFinding(u string) Finding {
	if base64ParamRe.MatchString(u) {
		return Finding{
			Vector:      "base64_url_encoding",
			Content:     u,
			Risk:        RiskHigh,
			Description: "URL contains base64 encoded data (potential exfiltration)",
		}
	}
	return Finding{
		Vector:      "external_url",
		Content:     u,
		Risk:        RiskMedium,
		Description: "External URL to non-whitelisted domain",
	}
}

// urlAllowed matches the URL's host exactly or as a subdomain of an
// allowed domain. Unparseable URLs are never allowed.
func (s *Sanitizer) urlAllowed(raw string) bool {
	if len(s.allowed) == 0 {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false
	}
	for _, d := range s.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func removeHTMLTags(text string) (string, []Finding) {
	var findings []Finding
	out := htmlTagRe.ReplaceAllStringFunc(text, func(m string) string {
		findings = append(findings, Finding{
			Vector:      "html_tag",
			Content:     m,
			Risk:        RiskLow,
			Description: "HTML markup removed from output",
		})
		return ""
	})
	return out, findings
}

// removeEncodedHosts replaces hosts with at least one subdomain whose
// leftmost label is longer than dnsLabelLimit.
func removeEncodedHosts(text string) (string, []Finding) {
	var findings []Finding
	out := hostRe.ReplaceAllStringFunc(text, func(host string) string {
		label, _, _ := strings.Cut(host, ".")
		if len(label) <= dnsLabelLimit {
			return host
		}
		findings = append(findings, Finding{
			Vector:      "dns_exfiltration",
			Content:     host,
			Risk:        RiskHigh,
			Description: "Suspicious long subdomain (potential DNS exfiltration)",
		})
		return DomainMarker
	})
	return out, findings
}

func redactSensitive(text string) (string, []Finding) {
	var findings []Finding
	redact := func(re *regexp.Regexp, vector, marker string) {
		text = re.ReplaceAllStringFunc(text, func(string) string {
			findings = append(findings, Finding{
				Vector:      vector,
				Risk:        RiskHigh,
				Description: "Sensitive data redacted",
			})
			return marker
		})
	}
	redact(credentialsRe, "credentials", CredentialsMarker)
	redact(ssnRe, "ssn", SSNMarker)
	redact(creditCardRe, "credit_card", CreditCardMarker)
	return text, findings
}

// ErrorFromFindings converts the highest-risk finding into a
// *secerr.DataExfiltrationAttempt, or returns nil when there are none.
func ErrorFromFindings(findings []Finding) error {
	if len(findings) == 0 {
		return nil
	}
	worst := findings[0]
	for _, f := range findings[1:] {
		if f.Risk.rank() > worst.Risk.rank() {
			worst = f
		}
	}
	return secerr.NewDataExfiltrationAttempt(worst.Vector, worst.Content)
}
