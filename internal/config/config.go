// Package config loads the guard configuration from YAML with GUARD_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/triage-ai/warden/internal/routing"
	"github.com/triage-ai/warden/internal/sanitizer"
	"github.com/triage-ai/warden/internal/semantic"
	"github.com/triage-ai/warden/internal/trust"
	"github.com/triage-ai/warden/internal/validator"
)

// Thresholds calibrates the validator's decision bands.
type Thresholds struct {
	Block            float64 `yaml:"block"`
	Quarantine       float64 `yaml:"quarantine"`
	Verified         float64 `yaml:"verified"`
	HeuristicPenalty float64 `yaml:"heuristic_penalty"`
	MaxInputLength   int     `yaml:"max_input_length"`
	SpecialCharRatio float64 `yaml:"special_char_ratio"`
}

// Config is the full configuration surface.
type Config struct {
	EnableGuardrails       bool     `yaml:"enable_guardrails"`
	TrustThreshold         float64  `yaml:"trust_threshold"`
	EnableSemanticAnalysis bool     `yaml:"enable_semantic_analysis"`
	BlockedPatterns        []string `yaml:"blocked_patterns"`
	AllowExternalURLs      bool     `yaml:"allow_external_urls"`
	AllowedDomains         []string `yaml:"allowed_domains"`
	BlockMarkdownImages    bool     `yaml:"block_markdown_images"`
	BlockDNSExfiltration   bool     `yaml:"block_dns_exfiltration"`
	MaxValidationTimeMs    int      `yaml:"max_validation_time_ms"`
	CacheValidationResults bool     `yaml:"cache_validation_results"`
	SensitiveTools         []string `yaml:"sensitive_tools"`

	SemanticFailureMode string `yaml:"semantic_failure_mode"`
	SemanticTimeoutMs   int    `yaml:"semantic_timeout_ms"`
	SemanticEndpoint    string `yaml:"semantic_endpoint"`

	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	CacheBackend    string `yaml:"cache_backend"`
	RedisAddr       string `yaml:"redis_addr"`

	Thresholds     Thresholds        `yaml:"thresholds"`
	ToolTrust      map[string]string `yaml:"tool_trust"`
	BlockedMessage string            `yaml:"blocked_message"`
}

const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		EnableGuardrails:       true,
		TrustThreshold:         0.70,
		EnableSemanticAnalysis: true,
		BlockMarkdownImages:    true,
		BlockDNSExfiltration:   true,
		MaxValidationTimeMs:    500,
		CacheValidationResults: true,
		SensitiveTools:         []string{"create_ticket", "send_email", "update_account", "delete_data", "execute_command"},
		SemanticFailureMode:    "open",
		SemanticTimeoutMs:      300,
		CacheTTLSeconds:        300,
		CacheBackend:           CacheMemory,
		Thresholds: Thresholds{
			Block:            0.90,
			Quarantine:       0.60,
			Verified:         0.85,
			HeuristicPenalty: 0.15,
			MaxInputLength:   5000,
			SpecialCharRatio: 0.30,
		},
		ToolTrust:      map[string]string{},
		BlockedMessage: routing.DefaultBlockedMessage,
	}
}

// Load reads path on top of the defaults, applies GUARD_* overrides and
// validates the result. An empty path or a missing file yields the
// defaults (plus overrides).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %v", name, v))
		}
	}
	unit("trust_threshold", c.TrustThreshold)
	unit("thresholds.block", c.Thresholds.Block)
	unit("thresholds.quarantine", c.Thresholds.Quarantine)
	unit("thresholds.verified", c.Thresholds.Verified)
	unit("thresholds.heuristic_penalty", c.Thresholds.HeuristicPenalty)
	unit("thresholds.special_char_ratio", c.Thresholds.SpecialCharRatio)
	if c.Thresholds.Quarantine > c.Thresholds.Block {
		errs = append(errs, errors.New("thresholds.quarantine must not exceed thresholds.block"))
	}
	if c.Thresholds.MaxInputLength <= 0 {
		errs = append(errs, errors.New("thresholds.max_input_length must be positive"))
	}
	if c.MaxValidationTimeMs <= 0 {
		errs = append(errs, errors.New("max_validation_time_ms must be positive"))
	}
	if c.SemanticTimeoutMs <= 0 {
		errs = append(errs, errors.New("semantic_timeout_ms must be positive"))
	}
	if c.CacheTTLSeconds <= 0 {
		errs = append(errs, errors.New("cache_ttl_seconds must be positive"))
	}
	if _, err := semantic.ParseFailureMode(c.SemanticFailureMode); err != nil {
		errs = append(errs, err)
	}
	switch c.CacheBackend {
	case CacheMemory:
	case CacheRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("cache_backend redis requires redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache_backend %q", c.CacheBackend))
	}
	for tool, name := range c.ToolTrust {
		if _, err := trust.ParseLevel(name); err != nil {
			errs = append(errs, fmt.Errorf("tool_trust[%s]: %w", tool, err))
		}
	}
	for i, expr := range c.BlockedPatterns {
		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, fmt.Errorf("blocked_patterns[%d]: %w", i, err))
		}
	}
	if strings.TrimSpace(c.BlockedMessage) == "" {
		errs = append(errs, errors.New("blocked_message must not be empty"))
	}
	return errors.Join(errs...)
}

// ValidatorConfig maps the configuration onto the validator's.
func (c *Config) ValidatorConfig() validator.Config {
	return validator.Config{
		Thresholds: validator.Thresholds{
			Trust:            c.TrustThreshold,
			Block:            c.Thresholds.Block,
			Quarantine:       c.Thresholds.Quarantine,
			Verified:         c.Thresholds.Verified,
			HeuristicPenalty: c.Thresholds.HeuristicPenalty,
			MaxInputLength:   c.Thresholds.MaxInputLength,
			SpecialCharRatio: c.Thresholds.SpecialCharRatio,
		},
		EnableGuardrails:       c.EnableGuardrails,
		EnableSemanticAnalysis: c.EnableSemanticAnalysis,
		CacheResults:           c.CacheValidationResults,
		MaxValidationTime:      time.Duration(c.MaxValidationTimeMs) * time.Millisecond,
	}
}

// CheckerConfig maps the semantic settings. Call after Validate.
func (c *Config) CheckerConfig() semantic.CheckerConfig {
	cc := semantic.DefaultCheckerConfig()
	cc.Mode, _ = semantic.ParseFailureMode(c.SemanticFailureMode)
	cc.Timeout = time.Duration(c.SemanticTimeoutMs) * time.Millisecond
	return cc
}

func (c *Config) SanitizerConfig() sanitizer.Config {
	return sanitizer.Config{
		BlockMarkdownImages:  c.BlockMarkdownImages,
		AllowExternalURLs:    c.AllowExternalURLs,
		AllowedDomains:       append([]string(nil), c.AllowedDomains...),
		BlockDNSExfiltration: c.BlockDNSExfiltration,
	}
}

// ToolOverrides parses tool_trust. Call after Validate.
func (c *Config) ToolOverrides() map[string]trust.Level {
	out := make(map[string]trust.Level, len(c.ToolTrust))
	for tool, name := range c.ToolTrust {
		out[tool] = trust.ParseLevelOrQuarantine(name)
	}
	return out
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Marshal renders the effective configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) applyEnv(getenv func(string) string) {
	envBool(getenv, "GUARD_ENABLE_GUARDRAILS", &c.EnableGuardrails)
	envFloat(getenv, "GUARD_TRUST_THRESHOLD", &c.TrustThreshold)
	envBool(getenv, "GUARD_ENABLE_SEMANTIC_ANALYSIS", &c.EnableSemanticAnalysis)
	envBool(getenv, "GUARD_ALLOW_EXTERNAL_URLS", &c.AllowExternalURLs)
	envList(getenv, "GUARD_ALLOWED_DOMAINS", &c.AllowedDomains)
	envBool(getenv, "GUARD_BLOCK_MARKDOWN_IMAGES", &c.BlockMarkdownImages)
	envBool(getenv, "GUARD_BLOCK_DNS_EXFILTRATION", &c.BlockDNSExfiltration)
	envInt(getenv, "GUARD_MAX_VALIDATION_TIME_MS", &c.MaxValidationTimeMs)
	envBool(getenv, "GUARD_CACHE_VALIDATION_RESULTS", &c.CacheValidationResults)
	envList(getenv, "GUARD_SENSITIVE_TOOLS", &c.SensitiveTools)
	envString(getenv, "GUARD_SEMANTIC_FAILURE_MODE", &c.SemanticFailureMode)
	envInt(getenv, "GUARD_SEMANTIC_TIMEOUT_MS", &c.SemanticTimeoutMs)
	envString(getenv, "GUARD_SEMANTIC_ENDPOINT", &c.SemanticEndpoint)
	envInt(getenv, "GUARD_CACHE_TTL_S", &c.CacheTTLSeconds)
	envString(getenv, "GUARD_CACHE_BACKEND", &c.CacheBackend)
	envString(getenv, "GUARD_REDIS_ADDR", &c.RedisAddr)
	envFloat(getenv, "GUARD_BLOCK_THRESHOLD", &c.Thresholds.Block)
	envFloat(getenv, "GUARD_QUARANTINE_THRESHOLD", &c.Thresholds.Quarantine)
	envString(getenv, "GUARD_BLOCKED_MESSAGE", &c.BlockedMessage)
}

// Unparseable values are ignored, like the server's envOrDefault helpers.

func envString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func envBool(getenv func(string) string, key string, dst *bool) {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(getenv func(string) string, key string, dst *int) {
	if v := getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envFloat(getenv func(string) string, key string, dst *float64) {
	if v := getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envList(getenv func(string) string, key string, dst *[]string) {
	v := getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
