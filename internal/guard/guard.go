// Package guard assembles every component from one Config and swaps the
// assembly atomically when the configuration is reloaded.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/cache"
	"github.com/triage-ai/warden/internal/capability"
	"github.com/triage-ai/warden/internal/config"
	"github.com/triage-ai/warden/internal/metrics"
	"github.com/triage-ai/warden/internal/patterns"
	"github.com/triage-ai/warden/internal/routing"
	"github.com/triage-ai/warden/internal/sanitizer"
	"github.com/triage-ai/warden/internal/semantic"
	"github.com/triage-ai/warden/internal/storage"
	"github.com/triage-ai/warden/internal/validator"
)

// Deps are the long-lived collaborators shared by every assembly.
type Deps struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Classifier backs the semantic check. Nil disables it.
	Classifier semantic.Classifier
	// Redis is used when cache_backend is redis.
	Redis cache.RedisClient
	Events storage.EventWriter
	// Capabilities supplies persisted tool overrides. Nil keeps the
	// configured table only.
	Capabilities    capability.Source
	RefreshInterval time.Duration
	Tools           []capability.Tool
	Quarantined     routing.QuarantinedHandler
	Privileged      routing.PrivilegedHandler
}

// Guard is one immutable assembly. Requests hold on to the Guard they
// started with for their whole lifetime.
type Guard struct {
	Config    *config.Config
	Detector  *patterns.Detector
	Validator *validator.Validator
	Sanitizer *sanitizer.Sanitizer
	Gate      *capability.Gate
	Executor  *capability.Executor
	Pipeline  *routing.Pipeline

	memory *cache.MemoryResults
	events storage.EventWriter
}

// Runtime owns the current Guard. The gate and executor outlive reloads so
// registered tools and persisted overrides survive them.
type Runtime struct {
	deps     Deps
	gate     *capability.Gate
	executor *capability.Executor
	loader   *capability.Loader

	mu      sync.Mutex
	current atomic.Pointer[Guard]
}

// NewRuntime validates cfg and builds the first Guard.
func NewRuntime(cfg *config.Config, deps Deps) (*Runtime, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	base := capability.NewTable(cfg.ToolOverrides(), cfg.SensitiveTools)
	gate := capability.NewGate(base, deps.Logger, deps.Metrics)
	executor := capability.NewExecutor(gate, deps.Logger)
	for _, t := range deps.Tools {
		if err := executor.Register(t); err != nil {
			return nil, err
		}
	}

	r := &Runtime{deps: deps, gate: gate, executor: executor}
	if deps.Capabilities != nil {
		r.loader = capability.NewLoader(deps.Capabilities, gate, base, cfg.SensitiveTools, deps.RefreshInterval, deps.Logger)
	}

	g, err := r.build(cfg)
	if err != nil {
		return nil, err
	}
	r.current.Store(g)
	return r, nil
}

// Current returns the active Guard.
func (r *Runtime) Current() *Guard {
	return r.current.Load()
}

// Reload builds a Guard from cfg and swaps it in. On error the running
// Guard is untouched.
func (r *Runtime) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	g, err := r.build(cfg)
	if err != nil {
		return err
	}
	base := capability.NewTable(cfg.ToolOverrides(), cfg.SensitiveTools)
	if r.loader != nil {
		r.loader.SetBase(base, cfg.SensitiveTools)
	} else {
		r.gate.SetTable(base)
	}
	r.current.Store(g)
	r.deps.Logger.Info("guard reloaded",
		zap.Int("tools", r.gate.Table().Len()),
		zap.Bool("guardrails", cfg.EnableGuardrails),
	)
	return nil
}

// RefreshCapabilities loads persisted overrides now. It is a no-op without
// a capability source.
func (r *Runtime) RefreshCapabilities(ctx context.Context) error {
	if r.loader == nil {
		return nil
	}
	return r.loader.Refresh(ctx)
}

// Run keeps the capability table fresh and sweeps the in-memory result
// cache until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) {
	if r.loader != nil {
		if err := r.RefreshCapabilities(ctx); err != nil {
			r.deps.Logger.Warn("initial capability refresh failed", zap.Error(err))
		}
		go r.loader.Run(ctx)
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g := r.Current(); g.memory != nil {
				if n := g.memory.Sweep(); n > 0 {
					r.deps.Logger.Debug("validation cache swept", zap.Int("expired", n))
				}
			}
		}
	}
}

func (r *Runtime) build(cfg *config.Config) (*Guard, error) {
	logger := r.deps.Logger

	detector, err := patterns.New(cfg.BlockedPatterns)
	if err != nil {
		return nil, fmt.Errorf("compile blocked patterns: %w", err)
	}

	g := &Guard{
		Config:   cfg,
		Detector: detector,
		Gate:     r.gate,
		Executor: r.executor,
		events:   r.deps.Events,
	}

	opts := []validator.Option{validator.WithMetrics(r.deps.Metrics)}
	if cfg.CacheValidationResults {
		switch cfg.CacheBackend {
		case config.CacheRedis:
			if r.deps.Redis == nil {
				return nil, fmt.Errorf("cache_backend redis configured without a redis client")
			}
			ns, err := fingerprint(cfg)
			if err != nil {
				return nil, err
			}
			opts = append(opts, validator.WithCache(
				cache.NewRedisResults(r.deps.Redis, cfg.CacheTTL(), logger).WithNamespace(ns),
			))
		default:
			g.memory = cache.NewMemoryResults(cfg.CacheTTL())
			opts = append(opts, validator.WithCache(g.memory))
		}
	}
	if cfg.EnableSemanticAnalysis && r.deps.Classifier != nil {
		checker := semantic.NewChecker(r.deps.Classifier, cfg.CheckerConfig(), logger, r.deps.Metrics)
		opts = append(opts, validator.WithSemanticChecker(checker))
	}

	g.Validator = validator.New(detector, cfg.ValidatorConfig(), logger, opts...)
	g.Sanitizer = sanitizer.New(cfg.SanitizerConfig(), logger, r.deps.Metrics)
	g.Pipeline = routing.NewPipeline(routing.Config{
		Validator:      g.Validator,
		Sanitizer:      g.Sanitizer,
		Quarantined:    r.deps.Quarantined,
		Privileged:     r.deps.Privileged,
		Executor:       r.executor,
		Events:         r.deps.Events,
		BlockedMessage: cfg.BlockedMessage,
		Logger:         logger,
		Metrics:        r.deps.Metrics,
	})
	return g, nil
}

// fingerprint identifies a configuration so shared cache entries computed
// under different settings never mix.
func fingerprint(cfg *config.Config) (string, error) {
	data, err := cfg.Marshal()
	if err != nil {
		return "", fmt.Errorf("fingerprint config: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:6]), nil
}
