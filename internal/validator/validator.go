// Package validator turns raw input into a trust decision. Validate is
// pure computation and never fails; ValidateContext layers the optional
// result cache and the secondary semantic check on top of it.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/triage-ai/warden/internal/metrics"
	"github.com/triage-ai/warden/internal/patterns"
	"github.com/triage-ai/warden/internal/semantic"
	"github.com/triage-ai/warden/internal/trust"
)

// Thresholds are the calibration constants of the decision policy.
type Thresholds struct {
	Trust            float64 // below this score input is quarantined
	Block            float64 // attack confidence that blocks outright
	Quarantine       float64 // attack confidence that forces quarantine
	Verified         float64 // score needed for VERIFIED
	HeuristicPenalty float64 // score penalty per heuristic flag
	MaxInputLength   int     // runes before excessive_length
	SpecialCharRatio float64 // ratio before excessive_special_chars
}

// DefaultThresholds returns the standard calibration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Trust:            0.70,
		Block:            0.90,
		Quarantine:       0.60,
		Verified:         0.85,
		HeuristicPenalty: 0.15,
		MaxInputLength:   5000,
		SpecialCharRatio: 0.30,
	}
}

// Config controls a Validator.
type Config struct {
	Thresholds             Thresholds
	EnableGuardrails       bool
	EnableSemanticAnalysis bool
	CacheResults           bool
	MaxValidationTime      time.Duration
}

// DefaultConfig returns guardrails on, semantic analysis on, caching on and
// a 500ms budget.
func DefaultConfig() Config {
	return Config{
		Thresholds:             DefaultThresholds(),
		EnableGuardrails:       true,
		EnableSemanticAnalysis: true,
		CacheResults:           true,
		MaxValidationTime:      500 * time.Millisecond,
	}
}

// Options identify the caller of one validation.
type Options struct {
	UserID    string
	SessionID string
	Metadata  map[string]any
}

// SemanticChecker is the secondary check consulted for quarantined input.
type SemanticChecker interface {
	Check(ctx context.Context, text string) semantic.Verdict
}

// ResultCache memoises results. Implementations report backend failures
// as misses.
type ResultCache interface {
	Get(ctx context.Context, key string) (Result, bool)
	Set(ctx context.Context, key string, r Result)
}

// Validator combines pattern detection, heuristics and scoring.
type Validator struct {
	detector *patterns.Detector
	cfg      Config
	semantic SemanticChecker
	cache    ResultCache
	group    singleflight.Group
	logger   *zap.Logger
	metrics  *metrics.Metrics

	computations atomic.Uint64
}

// Option configures optional collaborators.
type Option func(*Validator)

// WithSemanticChecker enables the secondary check.
func WithSemanticChecker(s SemanticChecker) Option {
	return func(v *Validator) { v.semantic = s }
}

// WithCache enables result memoisation.
func WithCache(c ResultCache) Option {
	return func(v *Validator) { v.cache = c }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

func New(detector *patterns.Detector, cfg Config, logger *zap.Logger, opts ...Option) *Validator {
	v := &Validator{
		detector: detector,
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Computations returns how many times the full validation ran. Cache hits
// do not count.
func (v *Validator) Computations() uint64 {
	return v.computations.Load()
}

// QuickCheck reports whether text would pass without being blocked.
func (v *Validator) QuickCheck(text string) bool {
	return !v.Validate(text, Options{}).IsBlocked
}

// Validate runs the synchronous pipeline: pattern detection, heuristics,
// scoring and the decision policy. It performs no I/O.
func (v *Validator) Validate(text string, opts Options) Result {
	v.computations.Add(1)
	start := time.Now()

	sc := trust.NewSecurityContext(opts.UserID, opts.SessionID).WithMetadata(opts.Metadata)

	if !v.cfg.EnableGuardrails {
		r := Result{
			IsValid:           true,
			TrustLevel:        trust.Untrusted,
			Confidence:        1.0,
			QuarantineReasons: []string{},
			Details: Details{
				Pattern:    patterns.Classification{AllAttackTypes: []patterns.AttackType{}, MatchedPatternIDs: []string{}, Matches: []patterns.Match{}},
				Heuristics: Heuristics{SuspiciousReasons: []string{}, SuspiciousKeywords: []string{}},
				TrustScore: 1.0,
			},
			Context:     sc.AddSecurityFlag("guardrails_disabled", nil),
			ValidatedAt: time.Now().UTC(),
		}
		v.finish(r, start)
		return r
	}

	th := v.cfg.Thresholds
	pattern := v.detector.Detect(text)
	heur := analyze(text, th)

	var patternPenalty float64
	if pattern.IsAttack {
		patternPenalty = pattern.Confidence
	}
	heuristicPenalty := th.HeuristicPenalty * float64(len(heur.SuspiciousReasons))
	score := clamp(1.0-patternPenalty-heuristicPenalty, 0, 1)

	attackBlocks := pattern.IsAttack && pattern.Confidence >= th.Block

	var level trust.Level
	switch {
	case attackBlocks:
		level = trust.Quarantined
	case score < th.Trust || pattern.IsAttack:
		level = trust.Untrusted
	case score >= th.Verified:
		level = trust.Verified
	default:
		level = trust.Untrusted
	}

	requiresQuarantine := score < th.Trust || (pattern.IsAttack && pattern.Confidence >= th.Quarantine)

	reasons := []string{}
	if requiresQuarantine {
		if score < th.Trust {
			reasons = append(reasons, fmt.Sprintf("trust_score_low: %.2f", score))
		}
		if pattern.IsAttack {
			reasons = append(reasons, "attack_pattern_detected: "+string(pattern.AttackType))
		}
		reasons = append(reasons, heur.SuspiciousReasons...)
	}

	var blockReason string
	if attackBlocks {
		types := make([]string, len(pattern.AllAttackTypes))
		for i, t := range pattern.AllAttackTypes {
			types[i] = string(t)
		}
		blockReason = "High-confidence prompt injection detected: " + strings.Join(types, ", ")
	}

	switch level {
	case trust.Verified:
		// A fresh context is UNTRUSTED, so this upgrade cannot fail.
		sc, _ = sc.UpgradeTrust(trust.Verified, "input_validation")
	case trust.Quarantined:
		sc = sc.Quarantine("attack_pattern_detected: " + string(pattern.AttackType))
	}
	sc = sc.
		WithValidationResult("trust_score", score).
		WithValidationResult("pattern_confidence", pattern.Confidence).
		WithValidationResult("is_attack", pattern.IsAttack).
		WithValidationResult("attack_type", string(pattern.AttackType)).
		WithValidationResult("requires_quarantine", requiresQuarantine).
		WithValidationResult("quarantine_reasons", slices.Clone(reasons)).
		AddSecurityFlag("validation_complete", map[string]any{
			"trust_score": fmt.Sprintf("%.2f", score),
			"is_attack":   pattern.IsAttack,
		})
	if attackBlocks {
		sc = sc.BlockOperation(blockReason)
	}

	r := Result{
		IsValid:            !attackBlocks,
		TrustLevel:         level,
		Confidence:         score,
		IsBlocked:          attackBlocks,
		RequiresQuarantine: requiresQuarantine,
		BlockReason:        blockReason,
		QuarantineReasons:  reasons,
		Details: Details{
			Pattern:    pattern,
			Heuristics: heur,
			TrustScore: score,
		},
		Context:     sc,
		ValidatedAt: time.Now().UTC(),
	}
	v.finish(r, start)
	return r
}

func (v *Validator) finish(r Result, start time.Time) {
	elapsed := time.Since(start)
	v.metrics.ObserveValidation(r.Outcome(), elapsed)
	if v.cfg.MaxValidationTime > 0 && elapsed > v.cfg.MaxValidationTime {
		v.metrics.BudgetExceeded()
		v.logger.Warn("validation exceeded time budget",
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", v.cfg.MaxValidationTime),
		)
	}

	switch {
	case r.IsBlocked:
		v.logger.Warn("input blocked",
			zap.String("context_id", r.Context.ID()),
			zap.String("user_id", r.Context.UserID()),
			zap.String("attack_type", string(r.Details.Pattern.AttackType)),
			zap.Float64("pattern_confidence", r.Details.Pattern.Confidence),
		)
	case r.RequiresQuarantine:
		v.logger.Info("input requires quarantine",
			zap.String("context_id", r.Context.ID()),
			zap.Float64("trust_score", r.Details.TrustScore),
			zap.Strings("reasons", r.QuarantineReasons),
		)
	}
}

// ValidateContext is Validate plus the optional cache and semantic check.
// Concurrent calls for the same key share one computation.
func (v *Validator) ValidateContext(ctx context.Context, text string, opts Options) Result {
	if v.cache == nil || !v.cfg.CacheResults {
		r, _ := v.validateWithSemantic(ctx, text, opts)
		return r
	}

	key := CacheKey(text, opts)
	if r, ok := v.cache.Get(ctx, key); ok {
		v.metrics.CacheLookup(true)
		return r
	}
	v.metrics.CacheLookup(false)

	// The computation is shared, so one caller's cancellation must not
	// degrade the others. The checker applies its own timeout.
	shared := context.WithoutCancel(ctx)
	val, _, _ := v.group.Do(key, func() (any, error) {
		r, degraded := v.validateWithSemantic(shared, text, opts)
		// A verdict produced by the failure mode must not outlive the outage.
		if !degraded {
			v.cache.Set(shared, key, r)
		}
		return r, nil
	})
	return val.(Result).Clone()
}

// validateWithSemantic reports whether the semantic verdict was degraded.
func (v *Validator) validateWithSemantic(ctx context.Context, text string, opts Options) (Result, bool) {
	r := v.Validate(text, opts)
	if v.semantic == nil || !v.cfg.EnableSemanticAnalysis || !r.RequiresQuarantine || r.IsBlocked {
		return r, false
	}

	verdict := v.semantic.Check(ctx, text)
	r.Details.Semantic = &verdict
	r.Context = r.Context.WithValidationResult("semantic_label", verdict.Label)
	if verdict.Degraded {
		r.Context = r.Context.AddSecurityFlag("semantic_check_unavailable", nil)
	}

	if verdict.Unsafe && verdict.Confidence >= v.cfg.Thresholds.Block {
		reason := "Semantic classifier flagged input: " + verdict.Label
		r.IsBlocked = true
		r.IsValid = false
		r.TrustLevel = trust.Quarantined
		r.BlockReason = reason
		r.QuarantineReasons = append(r.QuarantineReasons, "semantic_check: "+verdict.Label)
		r.Context = r.Context.Quarantine("semantic_check: " + verdict.Label).BlockOperation(reason)
		v.logger.Warn("input blocked by semantic check",
			zap.String("context_id", r.Context.ID()),
			zap.String("label", verdict.Label),
			zap.Bool("degraded", verdict.Degraded),
		)
	}
	return r, verdict.Degraded
}

// CacheKey hashes the case-folded, trimmed input together with the caller
// identity and metadata.
func CacheKey(text string, opts Options) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(text))))
	h.Write([]byte{0})
	h.Write([]byte(opts.UserID))
	h.Write([]byte{0})
	h.Write([]byte(opts.SessionID))
	if len(opts.Metadata) > 0 {
		// encoding/json sorts map keys, so equal maps hash equally.
		if md, err := json.Marshal(opts.Metadata); err == nil {
			h.Write([]byte{0})
			h.Write(md)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
