package validator

import (
	"slices"
	"strings"
	"time"

	"github.com/triage-ai/warden/internal/patterns"
	"github.com/triage-ai/warden/internal/secerr"
	"github.com/triage-ai/warden/internal/semantic"
	"github.com/triage-ai/warden/internal/trust"
)

// Result is the outcome of one validation. Treat it as read-only; values
// handed out by the validator never share slices with its cache.
type Result struct {
	IsValid            bool                  `json:"is_valid"`
	TrustLevel         trust.Level           `json:"trust_level"`
	Confidence         float64               `json:"confidence"`
	IsBlocked          bool                  `json:"is_blocked"`
	RequiresQuarantine bool                  `json:"requires_quarantine"`
	BlockReason        string                `json:"block_reason,omitempty"`
	QuarantineReasons  []string              `json:"quarantine_reasons"`
	Details            Details               `json:"detection_details"`
	Context            trust.SecurityContext `json:"security_context"`
	ValidatedAt        time.Time             `json:"validated_at"`
}

// Details carries the raw signals behind the decision.
type Details struct {
	Pattern    patterns.Classification `json:"pattern_detection"`
	Heuristics Heuristics              `json:"heuristics"`
	TrustScore float64                 `json:"trust_score"`
	Semantic   *semantic.Verdict       `json:"semantic,omitempty"`
}

// Clone returns a deep copy of r. The SecurityContext is immutable and
// shared as is.
func (r Result) Clone() Result {
	out := r
	out.QuarantineReasons = slices.Clone(r.QuarantineReasons)
	out.Details.Pattern.AllAttackTypes = slices.Clone(r.Details.Pattern.AllAttackTypes)
	out.Details.Pattern.MatchedPatternIDs = slices.Clone(r.Details.Pattern.MatchedPatternIDs)
	out.Details.Pattern.Matches = slices.Clone(r.Details.Pattern.Matches)
	out.Details.Heuristics.SuspiciousReasons = slices.Clone(r.Details.Heuristics.SuspiciousReasons)
	out.Details.Heuristics.SuspiciousKeywords = slices.Clone(r.Details.Heuristics.SuspiciousKeywords)
	if r.Details.Semantic != nil {
		v := *r.Details.Semantic
		out.Details.Semantic = &v
	}
	return out
}

// Outcome is a short label for metrics and events.
func (r Result) Outcome() string {
	switch {
	case r.IsBlocked:
		return "blocked"
	case r.RequiresQuarantine:
		return "quarantined"
	default:
		return strings.ToLower(r.TrustLevel.String())
	}
}

// Err converts the decision into the matching taxonomy error: a
// PromptInjectionDetected when blocked, a QuarantineRequired when
// quarantined, nil otherwise.
func (r Result) Err() error {
	switch {
	case r.IsBlocked:
		attack := string(r.Details.Pattern.AttackType)
		confidence := r.Details.Pattern.Confidence
		if attack == "" && r.Details.Semantic != nil {
			attack = "semantic:" + r.Details.Semantic.Label
			confidence = r.Details.Semantic.Confidence
		}
		return secerr.NewPromptInjectionDetected(attack, confidence)
	case r.RequiresQuarantine:
		return secerr.NewQuarantineRequired(r.Details.TrustScore, slices.Clone(r.QuarantineReasons))
	default:
		return nil
	}
}
