package semantic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/metrics"
)

// FailureMode decides how an unavailable classifier is treated.
type FailureMode int

const (
	// FailOpen treats timeouts and errors as safe. It is the zero value and
	// the default: availability wins over blocking.
	FailOpen FailureMode = iota
	// FailClosed treats timeouts and errors as unsafe.
	FailClosed
)

func (m FailureMode) String() string {
	if m == FailClosed {
		return "closed"
	}
	return "open"
}

// ParseFailureMode accepts "open" or "closed"; empty means open.
func ParseFailureMode(s string) (FailureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown semantic failure mode %q", s)
	}
}

// Verdict is the outcome of one check.
type Verdict struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Unsafe     bool    `json:"unsafe"`
	// Degraded is set when the classifier did not answer and the verdict
	// came from the failure mode.
	Degraded bool   `json:"degraded"`
	Error    string `json:"error,omitempty"`
}

// CheckerConfig controls timeout, failure posture and the breaker.
type CheckerConfig struct {
	Timeout         time.Duration
	Mode            FailureMode
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultCheckerConfig returns a 300ms, fail-open configuration whose
// breaker opens after 5 consecutive failures for 30s.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		Timeout:         300 * time.Millisecond,
		Mode:            FailOpen,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Checker runs a Classifier under a deadline and a circuit breaker.
type Checker struct {
	classifier Classifier
	cfg        CheckerConfig
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewChecker(classifier Classifier, cfg CheckerConfig, logger *zap.Logger, m *metrics.Metrics) *Checker {
	def := DefaultCheckerConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "semantic-classifier",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Local encoding failures are not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidRequest)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Checker{
		classifier: classifier,
		cfg:        cfg,
		breaker:    breaker,
		logger:     logger,
		metrics:    m,
	}
}

// Mode returns the configured failure posture.
func (c *Checker) Mode() FailureMode { return c.cfg.Mode }

type classifyOutcome struct {
	c   Classification
	err error
}

// Check classifies text. It never returns an error: an unavailable
// classifier yields a degraded verdict shaped by the failure mode.
func (c *Checker) Check(ctx context.Context, text string) Verdict {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	text = strings.ToValidUTF8(text, "\uFFFD")

	// Buffered so the goroutine can always deliver, even after the deadline.
	done := make(chan classifyOutcome, 1)
	go func() {
		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.classifier.Classify(ctx, text)
		})
		if err != nil {
			done <- classifyOutcome{err: err}
			return
		}
		done <- classifyOutcome{c: out.(Classification)}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return c.degraded(res.err)
		}
		unsafe := res.c.Unsafe()
		if unsafe {
			c.metrics.SemanticCheck("unsafe")
		} else {
			c.metrics.SemanticCheck("safe")
		}
		return Verdict{Label: res.c.Label, Confidence: res.c.Confidence, Unsafe: unsafe}
	case <-ctx.Done():
		return c.degraded(ctx.Err())
	}
}

func (c *Checker) degraded(err error) Verdict {
	result := "error"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "breaker_open"
	}
	c.metrics.SemanticCheck(result)

	c.logger.Warn("semantic check unavailable, applying failure mode",
		zap.String("mode", c.cfg.Mode.String()),
		zap.String("result", result),
		zap.Error(err),
	)

	if c.cfg.Mode == FailClosed {
		return Verdict{Label: "UNAVAILABLE", Confidence: 1.0, Unsafe: true, Degraded: true, Error: err.Error()}
	}
	return Verdict{Label: "SAFE", Confidence: 0, Unsafe: false, Degraded: true, Error: err.Error()}
}
