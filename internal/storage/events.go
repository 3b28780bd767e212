package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EventWriter is the interface for writing security events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *SecurityEvent)
	Close()
}

// Event sources.
const (
	SourcePipeline = "pipeline"
	SourceAPI      = "api"
)

// SecurityEvent is one processed request as recorded for audit.
type SecurityEvent struct {
	RequestID          string
	ContextID          string
	Timestamp          time.Time
	Action             string // validate, sanitize, scan, tool_check, process
	Tier               string // blocked, quarantined, privileged; empty for sanitize and tool checks
	TrustLevel         string
	TrustScore         float32
	Blocked            bool
	RequiresQuarantine bool
	AttackType         string
	PatternIDs         []string
	Reasons            []string
	ToolName           string
	ToolAllowed        bool
	SanitizerActions   []string
	PayloadPreview     string // First 500 runes
	PayloadHash        string // SHA256 of full payload
	PayloadSize        uint32
	UserID             string
	SessionID          string
	Metadata           map[string]string
	LatencyMs          float32
	Source             string
}

// PayloadPreviewLength is the max runes stored in payload_preview.
const PayloadPreviewLength = 500

// TruncatePayload returns the first N characters (runes) of a payload for
// preview storage. It never splits a multi-byte UTF-8 character.
func TruncatePayload(payload string, maxLen int) string {
	runes := []rune(payload)
	if len(runes) <= maxLen {
		return payload
	}
	return string(runes[:maxLen])
}

// HashPayload returns the hex SHA256 of payload.
func HashPayload(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// WithPayload fills the preview, hash and size fields from payload.
func (e *SecurityEvent) WithPayload(payload string) *SecurityEvent {
	e.PayloadPreview = TruncatePayload(payload, PayloadPreviewLength)
	e.PayloadHash = HashPayload(payload)
	e.PayloadSize = uint32(len(payload))
	return e
}
