package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of a notification.
type Kind string

// System and control kinds.
const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindError        Kind = "error"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
	KindUserJoined   Kind = "user_joined"
	KindUserLeft     Kind = "user_left"
)

// Domain kinds produced by the scan pipeline and admin actions.
const (
	KindScanStarted       Kind = "scan_started"
	KindScanProgress      Kind = "scan_progress"
	KindScanCompleted     Kind = "scan_completed"
	KindScanFailed        Kind = "scan_failed"
	KindThreatDetected    Kind = "threat_detected"
	KindThreatMitigated   Kind = "threat_mitigated"
	KindSystemAlert       Kind = "system_alert"
	KindMaintenanceNotice Kind = "maintenance_notice"
)

var knownKinds = map[Kind]struct{}{
	KindConnected: {}, KindDisconnected: {}, KindError: {}, KindPing: {}, KindPong: {},
	KindUserJoined: {}, KindUserLeft: {},
	KindScanStarted: {}, KindScanProgress: {}, KindScanCompleted: {}, KindScanFailed: {},
	KindThreatDetected: {}, KindThreatMitigated: {}, KindSystemAlert: {}, KindMaintenanceNotice: {},
}

// Known reports whether the kind belongs to the documented enumeration.
// Unknown kinds are still delivered as opaque custom notifications.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Notification is an immutable message flowing through the dispatcher.
type Notification struct {
	Kind      Kind
	Data      map[string]any
	CreatedAt time.Time
	MessageID string
}

// NewNotification creates a notification with a fresh message ID and timestamp.
func NewNotification(kind Kind, data map[string]any) *Notification {
	if data == nil {
		data = map[string]any{}
	}
	return &Notification{
		Kind:      kind,
		Data:      data,
		CreatedAt: time.Now().UTC(),
		MessageID: uuid.NewString(),
	}
}

// envelope is the wire form of a notification.
type envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	MessageID string         `json:"message_id"`
}

// MarshalWire serializes the notification envelope. The dispatcher calls
// this once per Send, not once per target.
func (n *Notification) MarshalWire() ([]byte, error) {
	return json.Marshal(envelope{
		Type:      string(n.Kind),
		Data:      n.Data,
		Timestamp: n.CreatedAt.Format(time.RFC3339Nano),
		MessageID: n.MessageID,
	})
}
