// Package notify is the toast signal surface for the embedding UI. The
// engine never renders anything; it publishes keyed notifications the UI
// can show, stack or coalesce.
package notify

import (
	"time"

	"github.com/nimbusworks/chatsync/internal/bus"
)

// Severity splits notifications the UI dismisses on its own from the
// ones that must stay until the user acts.
type Severity string

const (
	// Transient notifications auto-dismiss (reconnecting, message queued).
	Transient Severity = "transient"
	// Persistent notifications stay until acted on (send failed, access
	// revoked).
	Persistent Severity = "persistent"
)

// Notification is the payload of notify.toast events. Key is stable for
// the same logical condition so the UI can replace instead of stacking:
// repeated reconnect toasts collapse into one.
type Notification struct {
	Key      string
	Severity Severity
	Title    string
	Body     string
}

// Notifier publishes toasts on the bus.
type Notifier struct {
	bus *bus.Bus
}

// New creates a bus-backed notifier.
func New(b *bus.Bus) *Notifier {
	return &Notifier{bus: b}
}

// Toast publishes a notification.
func (n *Notifier) Toast(key string, severity Severity, title, body string) {
	n.bus.Publish(bus.Event{
		Kind:      "notify.toast",
		Timestamp: time.Now(),
		Payload: Notification{
			Key:      key,
			Severity: severity,
			Title:    title,
			Body:     body,
		},
	})
}

// Stock notification keys. One key per condition, not per occurrence.
const (
	KeyReconnecting       = "conn.reconnecting"
	KeyReconnectExhausted = "conn.exhausted"
	KeyAccessRevoked      = "conn.access_revoked"
	KeySendFailed         = "send.failed"
	KeyQueueDrained       = "queue.drained"
)
