package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const readColumns = `id, ts, event_type, severity, actor_user_id, impersonator, resource_type, resource_id, action, ip, user_agent, correlation_ids, details`

// Reader serves the audit log's HTTP read surface off the same
// audit_events table RelationalSink writes into.
type Reader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *Reader { return &Reader{pool: pool} }

// ListFilter narrows a List call; zero-value fields are ignored.
type ListFilter struct {
	ActorUserID  string
	ResourceType string
	ResourceID   string
	EventType    EventType
	Since        time.Time
	Before       time.Time
	Limit        int
}

func parseSeverity(s string) Severity {
	switch s {
	case "warning":
		return SeverityWarning
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	var severity string
	var actor, impersonator, resourceID, ip, userAgent *string
	if err := row.Scan(&ev.ID, &ev.Timestamp, &ev.Type, &severity, &actor, &impersonator,
		&ev.ResourceType, &resourceID, &ev.Action, &ip, &userAgent, &ev.CorrelationIDs, &ev.Details); err != nil {
		return Event{}, err
	}
	ev.Severity = parseSeverity(severity)
	if actor != nil {
		ev.ActorUserID = *actor
	}
	if impersonator != nil {
		ev.Impersonator = *impersonator
	}
	if resourceID != nil {
		ev.ResourceID = *resourceID
	}
	if ip != nil {
		ev.IP = *ip
	}
	if userAgent != nil {
		ev.UserAgent = *userAgent
	}
	return ev, nil
}

// List returns events matching filter, most recent first.
func (r *Reader) List(ctx context.Context, f ListFilter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + readColumns + ` FROM audit_events WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ActorUserID != "" {
		q += ` AND actor_user_id = ` + arg(f.ActorUserID)
	}
	if f.ResourceType != "" {
		q += ` AND resource_type = ` + arg(f.ResourceType)
	}
	if f.ResourceID != "" {
		q += ` AND resource_id = ` + arg(f.ResourceID)
	}
	if f.EventType != "" {
		q += ` AND event_type = ` + arg(string(f.EventType))
	}
	if !f.Since.IsZero() {
		q += ` AND ts >= ` + arg(f.Since)
	}
	if !f.Before.IsZero() {
		q += ` AND ts < ` + arg(f.Before)
	}
	q += ` ORDER BY ts DESC LIMIT ` + arg(limit)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes events older than olderThan, the retention job's work
// (spec §4.11 core-jobs list: "crash event retention" generalized here to
// audit retention since this tree has no separate crash-event table).
func (r *Reader) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_events WHERE ts < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("pruning audit events: %w", err)
	}
	return tag.RowsAffected(), nil
}
