package guard

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/triage-ai/warden/internal/capability"
	"github.com/triage-ai/warden/internal/routing"
	"github.com/triage-ai/warden/internal/sanitizer"
	"github.com/triage-ai/warden/internal/secerr"
	"github.com/triage-ai/warden/internal/storage"
	"github.com/triage-ai/warden/internal/trust"
	"github.com/triage-ai/warden/internal/validator"
)

// Validate runs the validator and records one event.
func (g *Guard) Validate(ctx context.Context, text string, opts validator.Options) validator.Result {
	start := time.Now()
	r := g.Validator.ValidateContext(ctx, text, opts)

	e := g.event("validate", start).WithPayload(text)
	e.UserID = opts.UserID
	e.SessionID = opts.SessionID
	e.ContextID = r.Context.ID()
	e.Tier = routing.Decide(r).String()
	e.TrustLevel = r.TrustLevel.String()
	e.TrustScore = float32(r.Details.TrustScore)
	e.Blocked = r.IsBlocked
	e.RequiresQuarantine = r.RequiresQuarantine
	e.AttackType = string(r.Details.Pattern.AttackType)
	e.PatternIDs = r.Details.Pattern.MatchedPatternIDs
	e.Reasons = r.QuarantineReasons
	if r.IsBlocked {
		e.Reasons = append([]string{r.BlockReason}, r.QuarantineReasons...)
	}
	g.write(e, start)
	return r
}

// Sanitize cleans model output and records one event when anything changed.
func (g *Guard) Sanitize(text string, opts sanitizer.Options) sanitizer.Report {
	start := time.Now()
	report := g.Sanitizer.SanitizeWithReportOptions(text, opts)
	if !report.IsClean() {
		e := g.event("sanitize", start).WithPayload(text)
		e.SanitizerActions = report.Actions
		g.write(e, start)
	}
	return report
}

// Scan reports exfiltration findings without modifying the text.
func (g *Guard) Scan(text string) []sanitizer.Finding {
	return g.Sanitizer.DetectExfiltrationAttempts(text)
}

// ToolDecision is the outcome of a capability check.
type ToolDecision struct {
	Tool          string      `json:"tool"`
	Allowed       bool        `json:"allowed"`
	RequiredTrust trust.Level `json:"required_trust"`
	ActualTrust   trust.Level `json:"actual_trust"`
	Reason        string      `json:"reason,omitempty"`
}

// CheckTool evaluates tool access for a caller that declares its trust
// level by name. Unknown names are treated as QUARANTINED.
func (g *Guard) CheckTool(tool, trustName, userID string, approved []string) ToolDecision {
	start := time.Now()
	sc := capability.ContextFor(trustName, userID, approved)
	d := ToolDecision{
		Tool:          tool,
		Allowed:       true,
		RequiredTrust: g.Gate.Required(tool),
		ActualTrust:   sc.TrustLevel(),
	}
	if err := g.Gate.Require(tool, sc); err != nil {
		d.Allowed = false
		var ua *secerr.UnauthorizedToolAccess
		if errors.As(err, &ua) {
			d.Reason = ua.Reason
		}
	}

	e := g.event("tool_check", start)
	e.UserID = userID
	e.ContextID = sc.ID()
	e.TrustLevel = d.ActualTrust.String()
	e.ToolName = tool
	e.ToolAllowed = d.Allowed
	if d.Reason != "" {
		e.Reasons = []string{d.Reason}
	}
	g.write(e, start)
	return d
}

func (g *Guard) event(action string, start time.Time) *storage.SecurityEvent {
	return &storage.SecurityEvent{
		RequestID: uuid.NewString(),
		Timestamp: start.UTC(),
		Action:    action,
		Source:    storage.SourceAPI,
	}
}

func (g *Guard) write(e *storage.SecurityEvent, start time.Time) {
	if g.events == nil {
		return
	}
	e.LatencyMs = float32(time.Since(start).Microseconds()) / 1000
	g.events.Write(e)
}
