// Package audit is the in-process audit bus (spec §4.10): producers emit
// fully-typed events synchronously; the bus enriches and fans them out to
// registered sinks, each retried independently with bounded backoff.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity is the audit event's importance floor a sink's filter can gate
// on (spec §4.10 "severity floor").
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// EventType enumerates the audit-worthy state changes producers emit
// across the control plane (spec §4.7, §4.8, §4.9, §4.10).
type EventType string

const (
	EventWeaverCreated  EventType = "weaver_created"
	EventWeaverDeleted  EventType = "weaver_deleted"
	EventWeaverFailed   EventType = "weaver_failed"
	EventWeaversCleanup EventType = "weavers_cleanup"
	EventSessionCreated EventType = "session_created"
	EventSessionDeleted EventType = "session_deleted"
	EventSecretAccessed EventType = "secret_accessed"
	EventSecretWritten  EventType = "secret_written"
	EventSecretDeleted  EventType = "secret_deleted"
	EventAccessDenied   EventType = "access_denied"
	EventDeviceEnrolled EventType = "device_enrolled"
	EventDeviceRevoked  EventType = "device_revoked"
)

// Event is the full audit record (spec §3 "Audit event"). Producers build
// one and hand it to Bus.Publish; the bus fills Timestamp and ID if unset.
type Event struct {
	ID             string
	Timestamp      time.Time
	Type           EventType
	Severity       Severity
	ActorUserID    string
	Impersonator   string
	ResourceType   string
	ResourceID     string
	Action         string
	IP             string
	UserAgent      string
	CorrelationIDs []string
	Details        json.RawMessage
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
