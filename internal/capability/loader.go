package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/store"
	"github.com/triage-ai/warden/internal/trust"
)

// Source lists persisted capability overrides.
type Source interface {
	ListCapabilities(ctx context.Context) ([]store.ToolCapability, error)
}

// Loader periodically merges persisted overrides into the gate's table.
// A failed refresh keeps the previous snapshot.
type Loader struct {
	src      Source
	gate     *Gate
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	base      *Table
	sensitive []string
	extra     map[string]trust.Level
}

func NewLoader(src Source, gate *Gate, base *Table, sensitive []string, interval time.Duration, logger *zap.Logger) *Loader {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Loader{
		src:       src,
		gate:      gate,
		base:      base,
		sensitive: sensitive,
		interval:  interval,
		logger:    logger,
	}
}

// Refresh loads overrides once and installs the merged table.
func (l *Loader) Refresh(ctx context.Context) error {
	caps, err := l.src.ListCapabilities(ctx)
	if err != nil {
		return fmt.Errorf("load capabilities: %w", err)
	}
	extra := make(map[string]trust.Level, len(caps))
	for _, c := range caps {
		extra[c.Name] = c.MinTrust
	}
	l.mu.Lock()
	l.extra = extra
	table := l.base.Merge(extra, l.sensitive)
	l.gate.SetTable(table)
	l.mu.Unlock()
	l.logger.Debug("capability table refreshed",
		zap.Int("overrides", len(extra)),
		zap.Int("tools", table.Len()),
	)
	return nil
}

// SetBase replaces the configured table and reinstalls it merged with the
// overrides of the last successful refresh.
func (l *Loader) SetBase(base *Table, sensitive []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base = base
	l.sensitive = sensitive
	l.gate.SetTable(base.Merge(l.extra, sensitive))
}

// Run refreshes on every tick until ctx is cancelled.
func (l *Loader) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := l.Refresh(refreshCtx); err != nil {
				l.logger.Warn("capability table refresh failed", zap.Error(err))
			}
			cancel()
		}
	}
}
