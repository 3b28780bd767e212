package routing

import (
	"context"
	"regexp"
	"strings"

	"github.com/triage-ai/warden/internal/patterns"
	"github.com/triage-ai/warden/internal/validator"
)

// Derived is what the privileged tier sees in place of the caller's text.
// Keywords come from a fixed vocabulary.
type Derived struct {
	Intent   string            `json:"intent"`
	Summary  string            `json:"summary"`
	Keywords []string          `json:"keywords,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Deriver builds the privileged representation of a validated request.
type Deriver interface {
	Derive(ctx context.Context, text string, r validator.Result) (Derived, error)
}

// DeriverFunc adapts a function to Deriver.
type DeriverFunc func(ctx context.Context, text string, r validator.Result) (Derived, error)

func (f DeriverFunc) Derive(ctx context.Context, text string, r validator.Result) (Derived, error) {
	return f(ctx, text, r)
}

var intentKeywords = []struct {
	intent string
	words  []string
}{
	{"billing", []string{"bill", "invoice", "charge", "refund", "payment", "price", "plan", "subscription"}},
	{"technical", []string{"error", "broken", "crash", "bug", "not working", "outage", "slow", "login"}},
	{"account", []string{"account", "profile", "email address", "update my", "cancel"}},
	{"sales", []string{"buy", "upgrade", "quote", "demo", "pricing", "enterprise"}},
}

var emailRe = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)

// ExtractiveDeriver is the built-in Deriver. It emits only structured data:
// a coarse intent, the vocabulary words that selected it and recognised
// fields. Summary is a template over the intent and never carries the
// caller's text. A free-text summary needs a Deriver backed by the
// quarantined tier.
type ExtractiveDeriver struct{}

func (ExtractiveDeriver) Derive(_ context.Context, text string, _ validator.Result) (Derived, error) {
	clean := strings.ToLower(patterns.Normalize(text))

	out := Derived{Intent: "general", Summary: "General user request"}
	for _, group := range intentKeywords {
		var hits []string
		for _, w := range group.words {
			if strings.Contains(clean, w) {
				hits = append(hits, w)
			}
		}
		if len(hits) > 0 {
			out.Intent = group.intent
			out.Keywords = hits
			out.Summary = "User request about " + group.intent
			break
		}
	}
	if email := emailRe.FindString(clean); email != "" {
		out.Fields = map[string]string{"email": email}
	}
	return out, nil
}
