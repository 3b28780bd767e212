// Package secerr defines the security error taxonomy. Every error carries a
// message, structured details for logging, and a mitigation string that is
// safe to show to an end user.
package secerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/triage-ai/warden/internal/trust"
)

const (
	MitigationPromptInjection = "Input has been blocked. Please rephrase your request."
	MitigationExfiltration    = "Suspicious content has been removed from the response."
	MitigationUnauthorized    = "This operation requires manual approval."
	MitigationQuarantine      = "Input will be processed in isolated quarantine environment."
)

// SecurityError is the base of the taxonomy.
type SecurityError struct {
	Message    string
	Details    map[string]any
	Mitigation string
}

func (e *SecurityError) Error() string {
	return e.Message
}

func (e *SecurityError) securityError() *SecurityError { return e }

type securityErr interface {
	error
	securityError() *SecurityError
}

// Is reports whether any error in err's chain belongs to the taxonomy.
func Is(err error) bool {
	var se securityErr
	return errors.As(err, &se)
}

// Base returns the SecurityError embedded in err's chain, if any.
func Base(err error) (*SecurityError, bool) {
	var se securityErr
	if !errors.As(err, &se) {
		return nil, false
	}
	return se.securityError(), true
}

// PromptInjectionDetected reports a blocked input.
type PromptInjectionDetected struct {
	SecurityError
	AttackType string
	Confidence float64
}

func NewPromptInjectionDetected(attackType string, confidence float64) *PromptInjectionDetected {
	return &PromptInjectionDetected{
		SecurityError: SecurityError{
			Message:    fmt.Sprintf("prompt injection detected: %s (confidence %.2f)", attackType, confidence),
			Details:    map[string]any{"attack_type": attackType, "confidence": confidence},
			Mitigation: MitigationPromptInjection,
		},
		AttackType: attackType,
		Confidence: confidence,
	}
}

// DataExfiltrationAttempt reports an exfiltration vector found in output.
type DataExfiltrationAttempt struct {
	SecurityError
	Vector         string
	BlockedContent string
}

func NewDataExfiltrationAttempt(vector, blockedContent string) *DataExfiltrationAttempt {
	return &DataExfiltrationAttempt{
		SecurityError: SecurityError{
			Message:    "data exfiltration attempt: " + vector,
			Details:    map[string]any{"vector": vector},
			Mitigation: MitigationExfiltration,
		},
		Vector:         vector,
		BlockedContent: blockedContent,
	}
}

// UnauthorizedToolAccess is returned by the capability gate's hard
// enforcement point.
type UnauthorizedToolAccess struct {
	SecurityError
	ToolName      string
	RequiredTrust trust.Level
	ActualTrust   trust.Level
	Reason        string
}

func NewUnauthorizedToolAccess(tool string, required, actual trust.Level, reason string) *UnauthorizedToolAccess {
	msg := fmt.Sprintf("unauthorized tool access: %s requires %s, context has %s", tool, required, actual)
	if reason != "" {
		msg += " (" + reason + ")"
	}
	return &UnauthorizedToolAccess{
		SecurityError: SecurityError{
			Message: msg,
			Details: map[string]any{
				"tool_name":      tool,
				"required_trust": required.String(),
				"actual_trust":   actual.String(),
			},
			Mitigation: MitigationUnauthorized,
		},
		ToolName:      tool,
		RequiredTrust: required,
		ActualTrust:   actual,
		Reason:        reason,
	}
}

// QuarantineRequired reports input routed to the restricted tier.
type QuarantineRequired struct {
	SecurityError
	TrustScore float64
	Reasons    []string
}

func NewQuarantineRequired(score float64, reasons []string) *QuarantineRequired {
	return &QuarantineRequired{
		SecurityError: SecurityError{
			Message:    fmt.Sprintf("quarantine required (trust score %.2f): %s", score, strings.Join(reasons, "; ")),
			Details:    map[string]any{"trust_score": score, "reasons": reasons},
			Mitigation: MitigationQuarantine,
		},
		TrustScore: score,
		Reasons:    reasons,
	}
}
