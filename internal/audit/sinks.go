package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RelationalSink serializes every event into the audit_events table (spec
// §4.10 "a relational sink that serializes all contexts to JSON columns").
type RelationalSink struct {
	pool   *pgxpool.Pool
	filter Filter
}

func NewRelationalSink(pool *pgxpool.Pool) *RelationalSink {
	return &RelationalSink{pool: pool}
}

func (s *RelationalSink) Name() string  { return "relational" }
func (s *RelationalSink) Filter() Filter { return s.filter }

func (s *RelationalSink) Publish(ctx context.Context, ev Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events
			(id, ts, event_type, severity, actor_user_id, impersonator, resource_type,
			 resource_id, action, ip, user_agent, correlation_ids, details)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Timestamp, string(ev.Type), ev.Severity.String(), nullableStr(ev.ActorUserID),
		nullableStr(ev.Impersonator), ev.ResourceType, nullableStr(ev.ResourceID), ev.Action,
		nullableStr(ev.IP), nullableStr(ev.UserAgent), ev.CorrelationIDs, ev.Details)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("inserting audit event: %w", err)}
	}
	return nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// WebhookSink POSTs an HMAC-SHA256-signed JSON body to an external
// collector (spec §4.10 "optional webhook sinks (HMAC-signed bodies)").
// The idempotency-key header lets a receiver dedupe retried deliveries,
// since the bus's at-least-once contract can redeliver the same event.
type WebhookSink struct {
	url    string
	secret []byte
	client *http.Client
	filter Filter
}

func NewWebhookSink(url, secret string, filter Filter) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: 10 * time.Second},
		filter: filter,
	}
}

func (s *WebhookSink) Name() string  { return "webhook" }
func (s *WebhookSink) Filter() Filter { return s.filter }

func (s *WebhookSink) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Loom-Signature", "sha256="+sig)
	req.Header.Set("X-Loom-Delivery-Id", ev.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("posting audit webhook: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("audit webhook returned %d", resp.StatusCode)}
	default:
		return fmt.Errorf("audit webhook returned %d", resp.StatusCode)
	}
}
