package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/warden/internal/trust"
)

// ToolCapability is a row in the tool_capabilities table: an override of
// the minimum trust level a tool requires.
type ToolCapability struct {
	Name        string      `json:"name"`
	MinTrust    trust.Level `json:"min_trust"`
	Description string      `json:"description"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ListCapabilities returns every override ordered by tool name. Rows with
// an unreadable level are returned as QUARANTINED so a corrupt row can only
// tighten access.
func (s *Store) ListCapabilities(ctx context.Context) ([]ToolCapability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, min_trust, description, updated_at
		FROM tool_capabilities ORDER BY tool_name`)
	if err != nil {
		return nil, fmt.Errorf("ListCapabilities: %w", err)
	}
	defer rows.Close()

	caps := []ToolCapability{}
	for rows.Next() {
		var c ToolCapability
		var level string
		if err := rows.Scan(&c.Name, &level, &c.Description, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListCapabilities: %w", err)
		}
		c.MinTrust = trust.ParseLevelOrQuarantine(level)
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

// GetCapability returns one override or ErrNotFound.
func (s *Store) GetCapability(ctx context.Context, tool string) (*ToolCapability, error) {
	var c ToolCapability
	var level string
	err := s.db.QueryRowContext(ctx, `
		SELECT tool_name, min_trust, description, updated_at
		FROM tool_capabilities WHERE tool_name = $1`, tool,
	).Scan(&c.Name, &level, &c.Description, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetCapability: %w", err)
	}
	c.MinTrust = trust.ParseLevelOrQuarantine(level)
	return &c, nil
}

// UpsertCapability inserts or replaces an override.
func (s *Store) UpsertCapability(ctx context.Context, c ToolCapability) (*ToolCapability, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("UpsertCapability: tool name is required")
	}
	if !c.MinTrust.Valid() {
		return nil, fmt.Errorf("UpsertCapability: invalid trust level %d", int(c.MinTrust))
	}
	var out ToolCapability
	var level string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tool_capabilities (tool_name, min_trust, description, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tool_name) DO UPDATE SET
			min_trust   = EXCLUDED.min_trust,
			description = EXCLUDED.description,
			updated_at  = now()
		RETURNING tool_name, min_trust, description, updated_at`,
		c.Name, c.MinTrust.String(), c.Description,
	).Scan(&out.Name, &level, &out.Description, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("UpsertCapability: %w", err)
	}
	out.MinTrust = trust.ParseLevelOrQuarantine(level)
	return &out, nil
}

// DeleteCapability removes an override, returning ErrNotFound if absent.
func (s *Store) DeleteCapability(ctx context.Context, tool string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tool_capabilities WHERE tool_name = $1`, tool)
	if err != nil {
		return fmt.Errorf("DeleteCapability: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
