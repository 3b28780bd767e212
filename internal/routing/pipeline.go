package routing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/capability"
	"github.com/triage-ai/warden/internal/metrics"
	"github.com/triage-ai/warden/internal/patterns"
	"github.com/triage-ai/warden/internal/sanitizer"
	"github.com/triage-ai/warden/internal/storage"
	"github.com/triage-ai/warden/internal/trust"
	"github.com/triage-ai/warden/internal/validator"
)

// DefaultBlockedMessage is returned for blocked requests and whenever a
// tier cannot produce an answer. It never reflects the input.
const DefaultBlockedMessage = "I'm here to help with questions about your account and our services. What can I assist you with today?"

// ErrNoTools is returned by the invoker handed to tiers without tool access.
var ErrNoTools = errors.New("tool access is not available in this tier")

var criticalDanger = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(bomb|explosive|weapon|grenade)\s+(instructions?|tutorial|guide|how\s+to)`),
	regexp.MustCompile(`(?i)\b(hack|breach|exploit)\s+(system|network|account)`),
	regexp.MustCompile(`(?i)\bhow\s+to\s+(kill|murder|harm)\s+`),
	regexp.MustCompile(`(?i)\b(illegal\s+drugs|meth|cocaine|heroin)\s+(recipe|instructions?|how\s+to\s+make)`),
}

// IsCriticalDanger reports whether text asks for weapons, violence or drug
// synthesis. Such requests are blocked before validation. Text is folded
// the same way the pattern detector folds it.
func IsCriticalDanger(text string) bool {
	text = patterns.Normalize(text)
	for _, re := range criticalDanger {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// InputValidator is the validation step.
type InputValidator interface {
	ValidateContext(ctx context.Context, text string, opts validator.Options) validator.Result
}

// ToolInvoker runs a tool on behalf of the current request's context.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (any, error)
}

// QuarantinedInput is the restricted tier's view: the raw text and the
// context, without any way to call tools.
type QuarantinedInput struct {
	Text    string
	Context trust.SecurityContext
}

// PrivilegedInput is the privileged tier's view. It has no field holding
// the caller's text.
type PrivilegedInput struct {
	Derived Derived
	Context trust.SecurityContext
	Tools   ToolInvoker
}

// QuarantinedHandler produces a response in the restricted tier.
type QuarantinedHandler interface {
	HandleQuarantined(ctx context.Context, in QuarantinedInput) (string, error)
}

// PrivilegedHandler produces a response in the privileged tier.
type PrivilegedHandler interface {
	HandlePrivileged(ctx context.Context, in PrivilegedInput) (string, error)
}

// QuarantinedFunc adapts a function to QuarantinedHandler.
type QuarantinedFunc func(ctx context.Context, in QuarantinedInput) (string, error)

func (f QuarantinedFunc) HandleQuarantined(ctx context.Context, in QuarantinedInput) (string, error) {
	return f(ctx, in)
}

// PrivilegedFunc adapts a function to PrivilegedHandler.
type PrivilegedFunc func(ctx context.Context, in PrivilegedInput) (string, error)

func (f PrivilegedFunc) HandlePrivileged(ctx context.Context, in PrivilegedInput) (string, error) {
	return f(ctx, in)
}

// Request is one unit of work.
type Request struct {
	Text      string
	UserID    string
	SessionID string
	Metadata  map[string]any
	// ApprovedTools are whitelisted on the context only when the request
	// reaches the privileged tier.
	ApprovedTools []string
}

// Response is what the caller gets back.
type Response struct {
	RequestID        string   `json:"request_id"`
	ContextID        string   `json:"context_id,omitempty"`
	Tier             State    `json:"tier"`
	Output           string   `json:"output"`
	Trace            []State  `json:"trace"`
	SanitizerActions []string `json:"sanitizer_actions"`
}

// Config wires a Pipeline.
type Config struct {
	Validator      InputValidator
	Sanitizer      *sanitizer.Sanitizer
	Deriver        Deriver
	Quarantined    QuarantinedHandler
	Privileged     PrivilegedHandler
	Executor       *capability.Executor
	Events         storage.EventWriter
	BlockedMessage string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Pipeline drives requests through the tiers.
type Pipeline struct {
	cfg Config
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.Deriver == nil {
		cfg.Deriver = ExtractiveDeriver{}
	}
	if cfg.BlockedMessage == "" {
		cfg.BlockedMessage = DefaultBlockedMessage
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg}
}

// Process runs one request to DONE. Blocked requests, and tiers that have
// no handler or whose handler fails, answer with the blocked message. A
// handler error is also returned alongside the response.
func (p *Pipeline) Process(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	m := NewMachine()
	resp := Response{RequestID: uuid.NewString()}
	event := (&storage.SecurityEvent{
		RequestID: resp.RequestID,
		Timestamp: start.UTC(),
		Action:    "process",
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Source:    storage.SourcePipeline,
	}).WithPayload(req.Text)

	if err := m.To(Validating); err != nil {
		return resp, err
	}

	var (
		tier       State
		result     validator.Result
		handlerErr error
		output     string
	)

	if IsCriticalDanger(req.Text) {
		tier = Blocked
		event.Reasons = []string{"critical_danger"}
		event.Blocked = true
		p.cfg.Logger.Warn("request blocked by danger screen",
			zap.String("request_id", resp.RequestID),
			zap.String("user_id", req.UserID),
		)
	} else {
		result = p.cfg.Validator.ValidateContext(ctx, req.Text, validator.Options{
			UserID:    req.UserID,
			SessionID: req.SessionID,
			Metadata:  req.Metadata,
		})
		tier = Decide(result)
		fillValidation(event, result)
		resp.ContextID = result.Context.ID()
	}

	if err := m.To(tier); err != nil {
		return resp, err
	}
	p.cfg.Metrics.Route(tier.String())

	switch tier {
	case Blocked:
		output = p.cfg.BlockedMessage
	case Quarantined:
		output, handlerErr = p.quarantined(ctx, req, result)
	case Privileged:
		output, handlerErr = p.privileged(ctx, req, result)
	}
	if handlerErr != nil {
		p.cfg.Logger.Error("tier handler failed",
			zap.String("request_id", resp.RequestID),
			zap.String("tier", tier.String()),
			zap.Error(handlerErr),
		)
		output = p.cfg.BlockedMessage
	}

	if err := m.To(Sanitizing); err != nil {
		return resp, err
	}
	if p.cfg.Sanitizer != nil {
		report := p.cfg.Sanitizer.SanitizeWithReport(output)
		output = report.Sanitized
		resp.SanitizerActions = report.Actions
	}
	if tier == Privileged {
		output = sanitizer.CleanLeakage(output)
	}
	if err := m.To(Done); err != nil {
		return resp, err
	}

	resp.Tier = tier
	resp.Output = output
	resp.Trace = m.Trace()
	if resp.SanitizerActions == nil {
		resp.SanitizerActions = []string{}
	}

	event.Tier = tier.String()
	event.SanitizerActions = resp.SanitizerActions
	event.LatencyMs = float32(time.Since(start).Microseconds()) / 1000
	if p.cfg.Events != nil {
		p.cfg.Events.Write(event)
	}

	if handlerErr != nil {
		return resp, fmt.Errorf("%s tier: %w", tier, handlerErr)
	}
	return resp, nil
}

func (p *Pipeline) quarantined(ctx context.Context, req Request, r validator.Result) (string, error) {
	if p.cfg.Quarantined == nil {
		return p.cfg.BlockedMessage, nil
	}
	return p.cfg.Quarantined.HandleQuarantined(ctx, QuarantinedInput{
		Text:    req.Text,
		Context: r.Context,
	})
}

func (p *Pipeline) privileged(ctx context.Context, req Request, r validator.Result) (string, error) {
	if p.cfg.Privileged == nil {
		return p.cfg.BlockedMessage, nil
	}
	derived, err := p.cfg.Deriver.Derive(ctx, req.Text, r)
	if err != nil {
		return "", fmt.Errorf("derive: %w", err)
	}
	sc := r.Context
	for _, tool := range req.ApprovedTools {
		sc = sc.ApproveTool(tool)
	}
	return p.cfg.Privileged.HandlePrivileged(ctx, PrivilegedInput{
		Derived: derived,
		Context: sc,
		Tools:   boundInvoker{exec: p.cfg.Executor, sc: sc},
	})
}

type boundInvoker struct {
	exec *capability.Executor
	sc   trust.SecurityContext
}

func (b boundInvoker) Invoke(ctx context.Context, tool string, args map[string]any) (any, error) {
	if b.exec == nil {
		return nil, ErrNoTools
	}
	return b.exec.Execute(ctx, b.sc, tool, args)
}

func fillValidation(e *storage.SecurityEvent, r validator.Result) {
	e.ContextID = r.Context.ID()
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
}
