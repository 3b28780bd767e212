// Package semantic implements the optional secondary check: a remote text
// classifier consulted for inputs that already need quarantine. The call
// is bounded by a timeout and wrapped in a circuit breaker; what happens
// when it fails is decided by the configured FailureMode.
package semantic

import (
	"context"
	"strings"
)

// Classification is a classifier's answer for one text.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model,omitempty"`
}

// Unsafe reports whether the label marks the text as an attack. Labels
// follow the prompt-guard convention (SAFE / INJECTION / JAILBREAK) and
// also accept BLOCKED:<category>.
func (c Classification) Unsafe() bool {
	label := strings.ToUpper(strings.TrimSpace(c.Label))
	switch {
	case label == "INJECTION", label == "JAILBREAK":
		return true
	case strings.HasPrefix(label, "BLOCKED"):
		return true
	default:
		return false
	}
}

// Classifier labels text. Implementations must honour ctx cancellation.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, text string) (Classification, error) {
	return f(ctx, text)
}
