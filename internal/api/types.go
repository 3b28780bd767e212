package api

import (
	"time"

	"github.com/triage-ai/warden/internal/trust"
)

// --- POST /v1/validate ---

// ValidateRequest is the JSON body for POST /v1/validate.
type ValidateRequest struct {
	Text      string         `json:"text"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ValidateResponse never carries the input, the matched patterns or the
// reasons behind a decision. Blocked and quarantined callers get Message.
type ValidateResponse struct {
	RequestID          string      `json:"request_id"`
	ContextID          string      `json:"context_id"`
	Tier               string      `json:"tier"`
	Allowed            bool        `json:"allowed"`
	RequiresQuarantine bool        `json:"requires_quarantine"`
	TrustLevel         trust.Level `json:"trust_level"`
	TrustScore         float64     `json:"trust_score"`
	Message            string      `json:"message,omitempty"`
	LatencyMs          float64     `json:"latency_ms"`
}

// --- POST /v1/sanitize ---

// SanitizeRequest is the JSON body for POST /v1/sanitize. Nil options
// keep the configured behaviour.
type SanitizeRequest struct {
	Text          string `json:"text"`
	RemoveAllURLs *bool  `json:"remove_all_urls,omitempty"`
	RemoveHTML    *bool  `json:"remove_html,omitempty"`
}

type SanitizeResponse struct {
	Sanitized       string   `json:"sanitized"`
	Actions         []string `json:"actions"`
	Findings        int      `json:"findings"`
	OriginalLength  int      `json:"original_length"`
	SanitizedLength int      `json:"sanitized_length"`
}

// --- POST /v1/scan ---

type ScanRequest struct {
	Text string `json:"text"`
}

// FindingResp is one exfiltration vector found in model output.
type FindingResp struct {
	Vector      string `json:"vector"`
	Risk        string `json:"risk"`
	Description string `json:"description"`
	Content     string `json:"content,omitempty"`
}

type ScanResponse struct {
	Clean    bool          `json:"clean"`
	Findings []FindingResp `json:"findings"`
}

// --- Tools ---

// ToolCheckRequest is the JSON body for POST /v1/tools/check.
type ToolCheckRequest struct {
	Tool          string   `json:"tool"`
	TrustLevel    string   `json:"trust_level"`
	UserID        string   `json:"user_id,omitempty"`
	ApprovedTools []string `json:"approved_tools,omitempty"`
}

// ToolResp is one row of the effective capability table.
type ToolResp struct {
	Name       string      `json:"name"`
	MinTrust   trust.Level `json:"min_trust"`
	Registered bool        `json:"registered"`
}

type ToolListResp struct {
	Tools []ToolResp `json:"tools"`
}

// UpsertToolReq is the JSON body for PUT /v1/tools/{name}.
type UpsertToolReq struct {
	MinTrust    string `json:"min_trust"`
	Description string `json:"description,omitempty"`
}

// ToolCapabilityResp is a persisted override.
type ToolCapabilityResp struct {
	Name        string      `json:"name"`
	MinTrust    trust.Level `json:"min_trust"`
	Description string      `json:"description"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// --- Security Events ---

// SecurityEventResp is a recorded event as returned by the events API.
type SecurityEventResp struct {
	RequestID          string            `json:"request_id"`
	ContextID          *string           `json:"context_id"`
	Timestamp          time.Time         `json:"timestamp"`
	Action             string            `json:"action"`
	Tier               *string           `json:"tier"`
	TrustLevel         *string           `json:"trust_level"`
	TrustScore         float32           `json:"trust_score"`
	Blocked            bool              `json:"blocked"`
	RequiresQuarantine bool              `json:"requires_quarantine"`
	AttackType         *string           `json:"attack_type"`
	PatternIDs         []string          `json:"pattern_ids"`
	Reasons            []string          `json:"reasons"`
	ToolName           *string           `json:"tool_name"`
	ToolAllowed        bool              `json:"tool_allowed"`
	SanitizerActions   []string          `json:"sanitizer_actions"`
	PayloadPreview     string            `json:"payload_preview"`
	PayloadHash        string            `json:"payload_hash"`
	PayloadSize        uint32            `json:"payload_size"`
	UserID             *string           `json:"user_id"`
	SessionID          *string           `json:"session_id"`
	Metadata           map[string]string `json:"metadata"`
	LatencyMs          float32           `json:"latency_ms"`
	Source             string            `json:"source"`
}

type EventListResp struct {
	Events   []SecurityEventResp `json:"events"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
