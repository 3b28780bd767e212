package capability

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/metrics"
	"github.com/triage-ai/warden/internal/secerr"
	"github.com/triage-ai/warden/internal/trust"
)

// Gate decides tool access. The table pointer is swapped whole by the
// Loader; a check never blocks on I/O.
type Gate struct {
	table   atomic.Pointer[Table]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewGate(table *Table, logger *zap.Logger, m *metrics.Metrics) *Gate {
	g := &Gate{logger: logger, metrics: m}
	if table == nil {
		table = NewTable(nil, nil)
	}
	g.table.Store(table)
	return g
}

// Table returns the current snapshot.
func (g *Gate) Table() *Table {
	return g.table.Load()
}

// SetTable replaces the snapshot.
func (g *Gate) SetTable(t *Table) {
	if t != nil {
		g.table.Store(t)
	}
}

// Required is the trust level tool needs under the current table.
func (g *Gate) Required(tool string) trust.Level {
	lvl, _ := g.table.Load().Required(tool)
	return lvl
}

// Check is the soft enforcement point. A missing context is logged and
// denied rather than reported as an error.
func (g *Gate) Check(tool string, sc trust.SecurityContext) bool {
	if sc.IsZero() {
		g.logger.Warn("tool access check without security context",
			zap.String("tool", tool),
		)
		g.metrics.ToolDecision(tool, false)
		return false
	}
	return g.decide(tool, sc) == nil
}

// Require is the hard enforcement point. It returns
// *secerr.UnauthorizedToolAccess when access is denied for any reason,
// including a missing context.
func (g *Gate) Require(tool string, sc trust.SecurityContext) error {
	if sc.IsZero() {
		g.logger.Warn("tool access denied: missing security context",
			zap.String("tool", tool),
		)
		g.metrics.ToolDecision(tool, false)
		return secerr.NewUnauthorizedToolAccess(tool, g.Required(tool), trust.Quarantined, "missing security context")
	}
	if err := g.decide(tool, sc); err != nil {
		return err
	}
	return nil
}

func (g *Gate) decide(tool string, sc trust.SecurityContext) *secerr.UnauthorizedToolAccess {
	required := g.Required(tool)
	actual := sc.TrustLevel()

	var reason string
	switch {
	case !actual.AtLeast(required):
		reason = "insufficient trust level"
	case !sc.CanExecuteTool(tool):
		reason = "tool not approved for this context"
	}

	if reason != "" {
		g.logger.Warn("tool access denied",
			zap.String("tool", tool),
			zap.String("context_id", sc.ID()),
			zap.String("user_id", sc.UserID()),
			zap.String("required_trust", required.String()),
			zap.String("actual_trust", actual.String()),
			zap.String("reason", reason),
		)
		g.metrics.ToolDecision(tool, false)
		return secerr.NewUnauthorizedToolAccess(tool, required, actual, reason)
	}

	g.logger.Debug("tool access granted",
		zap.String("tool", tool),
		zap.String("context_id", sc.ID()),
		zap.String("trust", actual.String()),
	)
	g.metrics.ToolDecision(tool, true)
	return nil
}

// ContextFor builds a context at the named trust level with the given tools
// approved. Unknown names map to QUARANTINED. It is meant for trusted
// orchestration code that receives trust as a string over a boundary.
func ContextFor(trustName, userID string, approved []string) trust.SecurityContext {
	lvl := trust.ParseLevelOrQuarantine(trustName)
	sc := trust.NewSecurityContext(userID, "")
	switch {
	case lvl == trust.Quarantined:
		sc = sc.Quarantine("trust level " + trustName)
	case lvl > sc.TrustLevel():
		sc, _ = sc.UpgradeTrust(lvl, "declared by caller")
	}
	for _, tool := range approved {
		sc = sc.ApproveTool(tool)
	}
	return sc
}
