// Package capability enforces trust-level requirements on tool invocation.
//
// A Table maps tool names to the minimum trust level they need. The Gate
// checks a SecurityContext against the current table: access requires the
// context's trust level to reach the tool's requirement and the tool to be
// approved for the context, unless the context is TRUSTED.
package capability

import (
	"maps"
	"slices"

	"github.com/triage-ai/warden/internal/trust"
)

// DefaultRequirement applies to tools the table does not list.
const DefaultRequirement = trust.Verified

var builtin = map[string]trust.Level{
	// Ticketing and outbound communication.
	"create_ticket":         trust.Verified,
	"create_support_ticket": trust.Verified,
	"create_sales_ticket":   trust.Verified,
	"send_email":            trust.Verified,

	// Account mutation.
	"update_customer_data": trust.Trusted,
	"delete_ticket":        trust.Trusted,
	"refund_payment":       trust.Trusted,

	// Read only.
	"search_knowledge_base": trust.Untrusted,
	"get_plans":             trust.Untrusted,
	"search_tickets":        trust.Untrusted,

	"get_public_info": trust.Quarantined,
}

// Builtin returns a copy of the built-in sensitivity table.
func Builtin() map[string]trust.Level {
	return maps.Clone(builtin)
}

// Table is an immutable tool -> minimum trust level mapping.
type Table struct {
	levels map[string]trust.Level
}

// NewTable layers overrides on the built-in table, then raises every
// sensitive tool to at least VERIFIED.
func NewTable(overrides map[string]trust.Level, sensitive []string) *Table {
	levels := maps.Clone(builtin)
	for tool, lvl := range overrides {
		levels[tool] = lvl
	}
	for _, tool := range sensitive {
		if cur, ok := levels[tool]; !ok || cur < trust.Verified {
			levels[tool] = trust.Verified
		}
	}
	return &Table{levels: levels}
}

// Merge returns a new table with extra entries applied on top of t.
// Sensitive tools are not relaxed below VERIFIED by a merge.
func (t *Table) Merge(extra map[string]trust.Level, sensitive []string) *Table {
	levels := maps.Clone(t.levels)
	for tool, lvl := range extra {
		levels[tool] = lvl
	}
	for _, tool := range sensitive {
		if levels[tool] < trust.Verified {
			levels[tool] = trust.Verified
		}
	}
	return &Table{levels: levels}
}

// Required returns the minimum trust level for tool and whether the tool
// is listed. Unlisted tools get DefaultRequirement.
func (t *Table) Required(tool string) (trust.Level, bool) {
	if t == nil {
		return DefaultRequirement, false
	}
	lvl, ok := t.levels[tool]
	if !ok || !lvl.Valid() {
		return DefaultRequirement, ok
	}
	return lvl, true
}

// Tools lists every listed tool in name order.
func (t *Table) Tools() []string {
	if t == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(t.levels))
}

// Entries returns a copy of the mapping.
func (t *Table) Entries() map[string]trust.Level {
	if t == nil {
		return map[string]trust.Level{}
	}
	return maps.Clone(t.levels)
}

// Len is the number of listed tools.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.levels)
}
