package trust

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SecurityContext is the per-request security state. It is a value type:
// every mutator returns a new context and leaves the receiver untouched, so
// a context can be handed to concurrent stages without locking.
//
// The zero value means "no context" and is rejected by every enforcement
// point.
type SecurityContext struct {
	id                string
	userID            string
	sessionID         string
	level             Level
	validationResults map[string]any
	flags             []string
	blockedReasons    []string
	capabilities      map[string]struct{}
	approvedTools     map[string]struct{}
	createdAt         time.Time
	metadata          map[string]any
}

// NewSecurityContext returns a fresh context at UNTRUSTED. Contexts are
// never created optimistically; trust is only raised by validation.
func NewSecurityContext(userID, sessionID string) SecurityContext {
	return SecurityContext{
		id:        uuid.NewString(),
		userID:    userID,
		sessionID: sessionID,
		level:     Untrusted,
		createdAt: time.Now().UTC(),
	}
}

// IsZero reports whether sc is the zero value, i.e. no context was supplied.
func (sc SecurityContext) IsZero() bool { return sc.id == "" }

func (sc SecurityContext) ID() string           { return sc.id }
func (sc SecurityContext) UserID() string       { return sc.userID }
func (sc SecurityContext) SessionID() string    { return sc.sessionID }
func (sc SecurityContext) TrustLevel() Level    { return sc.level }
func (sc SecurityContext) CreatedAt() time.Time { return sc.createdAt }

// SecurityFlags returns the ordered flag log.
func (sc SecurityContext) SecurityFlags() []string { return slices.Clone(sc.flags) }

// BlockedReasons returns the ordered list of block reasons.
func (sc SecurityContext) BlockedReasons() []string { return slices.Clone(sc.blockedReasons) }

// ValidationResults returns a copy of the validation results map.
func (sc SecurityContext) ValidationResults() map[string]any { return maps.Clone(sc.validationResults) }

// ValidationResult returns a single validation result by key.
func (sc SecurityContext) ValidationResult(key string) (any, bool) {
	v, ok := sc.validationResults[key]
	return v, ok
}

// Metadata returns a copy of the request metadata.
func (sc SecurityContext) Metadata() map[string]any { return maps.Clone(sc.metadata) }

// ApprovedTools returns the approved tool names, sorted.
func (sc SecurityContext) ApprovedTools() []string { return sortedKeys(sc.approvedTools) }

// GrantedCapabilities returns the granted capability names, sorted.
func (sc SecurityContext) GrantedCapabilities() []string { return sortedKeys(sc.capabilities) }

func (sc SecurityContext) IsBlocked() bool { return len(sc.blockedReasons) > 0 }

func (sc SecurityContext) HasCapability(name string) bool {
	_, ok := sc.capabilities[name]
	return ok
}

func (sc SecurityContext) IsToolApproved(tool string) bool {
	_, ok := sc.approvedTools[tool]
	return ok
}

// CanExecuteTool is the whitelist half of the capability check: the tool is
// explicitly approved, or the context is at the top of the lattice.
func (sc SecurityContext) CanExecuteTool(tool string) bool {
	return sc.IsToolApproved(tool) || sc.level == Trusted
}

func (sc SecurityContext) clone() SecurityContext {
	next := sc
	next.validationResults = maps.Clone(sc.validationResults)
	next.flags = slices.Clone(sc.flags)
	next.blockedReasons = slices.Clone(sc.blockedReasons)
	next.capabilities = maps.Clone(sc.capabilities)
	next.approvedTools = maps.Clone(sc.approvedTools)
	next.metadata = maps.Clone(sc.metadata)
	return next
}

// UpgradeTrust returns a copy raised to level. A QUARANTINED context can
// never be upgraded, and the target must not be below the current level.
func (sc SecurityContext) UpgradeTrust(level Level, reason string) (SecurityContext, error) {
	if err := checkUpgrade(sc.level, level); err != nil {
		return sc, err
	}
	next := sc.clone()
	next.flags = append(next.flags, fmt.Sprintf("trust_upgraded: %s -> %s (%s)", sc.level, level, reason))
	next.level = level
	return next, nil
}

// Quarantine returns a copy dropped to QUARANTINED.
func (sc SecurityContext) Quarantine(reason string) SecurityContext {
	next := sc.clone()
	next.level = Quarantined
	next.flags = append(next.flags, "quarantined: "+reason)
	return next
}

// AddSecurityFlag returns a copy with flag appended to the flag log. Details,
// when present, are rendered in key order after the flag name.
func (sc SecurityContext) AddSecurityFlag(flag string, details map[string]any) SecurityContext {
	next := sc.clone()
	next.flags = append(next.flags, formatFlag(flag, details))
	return next
}

// BlockOperation returns a copy with reason recorded as a block.
func (sc SecurityContext) BlockOperation(reason string) SecurityContext {
	next := sc.clone()
	next.blockedReasons = append(next.blockedReasons, reason)
	next.flags = append(next.flags, "operation_blocked: "+reason)
	return next
}

// ApproveTool returns a copy with tool whitelisted.
func (sc SecurityContext) ApproveTool(tool string) SecurityContext {
	next := sc.clone()
	if next.approvedTools == nil {
		next.approvedTools = make(map[string]struct{}, 1)
	}
	next.approvedTools[tool] = struct{}{}
	return next
}

// GrantCapability returns a copy holding capability name.
func (sc SecurityContext) GrantCapability(name string) SecurityContext {
	next := sc.clone()
	if next.capabilities == nil {
		next.capabilities = make(map[string]struct{}, 1)
	}
	next.capabilities[name] = struct{}{}
	return next
}

// WithValidationResult returns a copy with a validation result stored under key.
func (sc SecurityContext) WithValidationResult(key string, value any) SecurityContext {
	next := sc.clone()
	if next.validationResults == nil {
		next.validationResults = make(map[string]any, 1)
	}
	next.validationResults[key] = value
	return next
}

// WithMetadata returns a copy with the given entries merged into metadata.
func (sc SecurityContext) WithMetadata(md map[string]any) SecurityContext {
	if len(md) == 0 {
		return sc
	}
	next := sc.clone()
	if next.metadata == nil {
		next.metadata = make(map[string]any, len(md))
	}
	maps.Copy(next.metadata, md)
	return next
}

// WithoutGrants returns a copy with all approvals and capabilities removed.
// Used before a context is memoised so that a replay cannot carry access.
func (sc SecurityContext) WithoutGrants() SecurityContext {
	next := sc.clone()
	next.approvedTools = nil
	next.capabilities = nil
	return next
}

type contextJSON struct {
	ContextID           string         `json:"context_id"`
	UserID              string         `json:"user_id,omitempty"`
	SessionID           string         `json:"session_id,omitempty"`
	TrustLevel          Level          `json:"trust_level"`
	ValidationResults   map[string]any `json:"validation_results"`
	SecurityFlags       []string       `json:"security_flags"`
	BlockedReasons      []string       `json:"blocked_reasons"`
	GrantedCapabilities []string       `json:"granted_capabilities"`
	ApprovedTools       []string       `json:"approved_tools"`
	CreatedAt           time.Time      `json:"created_at"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (sc SecurityContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(contextJSON{
		ContextID:           sc.id,
		UserID:              sc.userID,
		SessionID:           sc.sessionID,
		TrustLevel:          sc.level,
		ValidationResults:   orEmpty(sc.validationResults),
		SecurityFlags:       nonNil(sc.flags),
		BlockedReasons:      nonNil(sc.blockedReasons),
		GrantedCapabilities: sc.GrantedCapabilities(),
		ApprovedTools:       sc.ApprovedTools(),
		CreatedAt:           sc.createdAt,
		Metadata:            sc.metadata,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (sc *SecurityContext) UnmarshalJSON(b []byte) error {
	var w contextJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*sc = SecurityContext{
		id:                w.ContextID,
		userID:            w.UserID,
		sessionID:         w.SessionID,
		level:             w.TrustLevel,
		validationResults: w.ValidationResults,
		flags:             w.SecurityFlags,
		blockedReasons:    w.BlockedReasons,
		capabilities:      toSet(w.GrantedCapabilities),
		approvedTools:     toSet(w.ApprovedTools),
		createdAt:         w.CreatedAt,
		metadata:          w.Metadata,
	}
	return nil
}

func formatFlag(flag string, details map[string]any) string {
	if len(details) == 0 {
		return flag
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return flag + ": {" + strings.Join(parts, ", ") + "}"
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
