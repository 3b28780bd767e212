// Package chread reads recorded security events back out of ClickHouse.
package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse security_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, secure bool, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if secure && opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow represents a single row from the security_events table.
type EventRow struct {
	RequestID          string            `json:"request_id"`
	ContextID          string            `json:"context_id"`
	Timestamp          time.Time         `json:"timestamp"`
	Action             string            `json:"action"`
	Tier               string            `json:"tier"`
	TrustLevel         string            `json:"trust_level"`
	TrustScore         float32           `json:"trust_score"`
	Blocked            uint8             `json:"blocked"`
	RequiresQuarantine uint8             `json:"requires_quarantine"`
	AttackType         string            `json:"attack_type"`
	PatternIDs         []string          `json:"pattern_ids"`
	Reasons            []string          `json:"reasons"`
	ToolName           string            `json:"tool_name"`
	ToolAllowed        uint8             `json:"tool_allowed"`
	SanitizerActions   []string          `json:"sanitizer_actions"`
	PayloadPreview     string            `json:"payload_preview"`
	PayloadHash        string            `json:"payload_hash"`
	PayloadSize        uint32            `json:"payload_size"`
	UserID             string            `json:"user_id"`
	SessionID          string            `json:"session_id"`
	Metadata           map[string]string `json:"metadata"`
	LatencyMs          float32           `json:"latency_ms"`
	Source             string            `json:"source"`
}

const eventColumns = "request_id, context_id, timestamp, action, tier, " +
	"trust_level, trust_score, blocked, requires_quarantine, " +
	"attack_type, pattern_ids, reasons, " +
	"tool_name, tool_allowed, sanitizer_actions, " +
	"payload_preview, payload_hash, payload_size, " +
	"user_id, session_id, metadata, latency_ms, source"

func (e *EventRow) scanDest() []any {
	return []any{
		&e.RequestID, &e.ContextID, &e.Timestamp, &e.Action, &e.Tier,
		&e.TrustLevel, &e.TrustScore, &e.Blocked, &e.RequiresQuarantine,
		&e.AttackType, &e.PatternIDs, &e.Reasons,
		&e.ToolName, &e.ToolAllowed, &e.SanitizerActions,
		&e.PayloadPreview, &e.PayloadHash, &e.PayloadSize,
		&e.UserID, &e.SessionID, &e.Metadata, &e.LatencyMs, &e.Source,
	}
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	Tier       *string
	Action     *string
	UserID     *string
	AttackType *string
	Blocked    *bool
	StartTime  *time.Time
	EndTime    *time.Time
	Page       int
	PageSize   int
}

// whereClause builds the filter expression and its named arguments.
func whereClause(params ListEventsParams) (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any

	if params.Tier != nil {
		conditions = append(conditions, "tier = @tier")
		args = append(args, clickhouse.Named("tier", *params.Tier))
	}
	if params.Action != nil {
		conditions = append(conditions, "action = @action")
		args = append(args, clickhouse.Named("action", *params.Action))
	}
	if params.UserID != nil {
		conditions = append(conditions, "user_id = @user_id")
		args = append(args, clickhouse.Named("user_id", *params.UserID))
	}
	if params.AttackType != nil {
		conditions = append(conditions, "attack_type = @attack_type")
		args = append(args, clickhouse.Named("attack_type", *params.AttackType))
	}
	if params.Blocked != nil {
		var v uint8
		if *params.Blocked {
			v = 1
		}
		conditions = append(conditions, "blocked = @blocked")
		args = append(args, clickhouse.Named("blocked", v))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}
	return strings.Join(conditions, " AND "), args
}

// normalizePage clamps page to >= 1 and page size to [1, 200], default 50.
func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case size <= 0:
		size = 50
	case size > 200:
		size = 200
	}
	return page, size
}

// ListEvents returns paginated, filtered security events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	where, args := whereClause(params)
	page, size := normalizePage(params.Page, params.PageSize)
	offset := (page - 1) * size

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM security_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM security_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(size)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []EventRow{}
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(e.scanDest()...); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// GetEvent returns a single event by request ID, or nil if not found.
func (r *Reader) GetEvent(ctx context.Context, requestID string) (*EventRow, error) {
	row := r.conn.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM security_events WHERE request_id = @request_id LIMIT 1",
		clickhouse.Named("request_id", requestID),
	)

	var e EventRow
	if err := row.Scan(e.scanDest()...); err != nil {
		// ClickHouse doesn't return sql.ErrNoRows, so check for empty result
		if strings.Contains(err.Error(), "no rows") {
			return nil, nil
		}
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	if e.RequestID == "" {
		return nil, nil
	}
	return &e, nil
}

// TierCounts holds per-tier totals.
type TierCounts struct {
	Total       int `json:"total"`
	Blocked     int `json:"blocked"`
	Quarantined int `json:"quarantined"`
	Privileged  int `json:"privileged"`
}

// AttackTypeCount holds an attack type and its count.
type AttackTypeCount struct {
	AttackType string `json:"attack_type"`
	Count      int    `json:"count"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Summary holds aggregate statistics over a time range.
type Summary struct {
	Tiers          TierCounts        `json:"tiers"`
	TopAttackTypes []AttackTypeCount `json:"top_attack_types"`
	Latency        LatencyStats      `json:"latency"`
	DeniedTools    int               `json:"denied_tools"`
}

// GetSummary aggregates events from the last days days.
func (r *Reader) GetSummary(ctx context.Context, days int) (*Summary, error) {
	if days <= 0 {
		days = 7
	}
	rangeStart := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	arg := clickhouse.Named("range_start", rangeStart)

	result := &Summary{TopAttackTypes: []AttackTypeCount{}}

	var total, blocked, quarantined, privileged, denied uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), "+
			"countIf(tier = 'blocked'), "+
			"countIf(tier = 'quarantined'), "+
			"countIf(tier = 'privileged'), "+
			"countIf(action = 'tool_check' AND tool_allowed = 0) "+
			"FROM security_events WHERE timestamp >= @range_start",
		arg,
	).Scan(&total, &blocked, &quarantined, &privileged, &denied)
	if err != nil {
		return nil, fmt.Errorf("GetSummary tiers: %w", err)
	}
	result.Tiers = TierCounts{
		Total:       int(total),
		Blocked:     int(blocked),
		Quarantined: int(quarantined),
		Privileged:  int(privileged),
	}
	result.DeniedTools = int(denied)

	rows, err := r.conn.Query(ctx,
		"SELECT attack_type, count() AS c FROM security_events "+
			"WHERE timestamp >= @range_start AND attack_type != '' "+
			"GROUP BY attack_type ORDER BY c DESC LIMIT 10",
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("GetSummary attack_types: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var at string
		var c uint64
		if err := rows.Scan(&at, &c); err != nil {
			return nil, fmt.Errorf("GetSummary attack_types scan: %w", err)
		}
		result.TopAttackTypes = append(result.TopAttackTypes, AttackTypeCount{AttackType: at, Count: int(c)})
	}

	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms), quantile(0.95)(latency_ms), quantile(0.99)(latency_ms) "+
			"FROM security_events WHERE timestamp >= @range_start",
		arg,
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetSummary latency: %w", err)
	}
	result.Latency = LatencyStats{P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99)}

	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
